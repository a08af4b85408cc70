package alerts

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

// SummaryLimit is the number of alerts shown in compact views.
const SummaryLimit = 5

type entry struct {
	alert models.Alert
	seq   uint64
}

// Aggregator keeps one alert per (metric, rounded value, device). Alerts are
// sticky: a later safe reading does not remove them, only Dismiss or
// DismissDevice does.
type Aggregator struct {
	mu    sync.Mutex
	items map[models.AlertKey]*entry
	seq   uint64
	now   func() time.Time
	log   *slog.Logger
}

func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{items: map[models.AlertKey]*entry{}, now: time.Now, log: logger}
}

// Ingest upserts an alert for warning and critical severities. The returned
// bool is true when the key was not present before or its severity rose.
func (a *Aggregator) Ingest(metric models.Metric, value float64, deviceID string, sev models.Severity) (models.Alert, bool) {
	if !metric.Valid() {
		a.log.Warn("ignoring alert for unknown metric", "metric", metric, "device_id", deviceID)
		return models.Alert{}, false
	}
	if !sev.Alerting() {
		return models.Alert{}, false
	}
	key := models.NewAlertKey(metric, value, deviceID)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	alert := models.Alert{
		Key:      key,
		Metric:   metric,
		Value:    key.Value,
		Severity: sev,
		Message:  message(metric, key.Value, deviceID, sev),
		Time:     a.now(),
		DeviceID: deviceID,
	}
	prev, existed := a.items[key]
	a.items[key] = &entry{alert: alert, seq: a.seq}
	metrics.ActiveAlerts.Set(float64(len(a.items)))
	return alert, !existed || sev > prev.alert.Severity
}

// List returns alerts newest first. limit <= 0 means no cap.
func (a *Aggregator) List(limit int) []models.Alert {
	a.mu.Lock()
	entries := make([]*entry, 0, len(a.items))
	for _, e := range a.items {
		entries = append(entries, e)
	}
	a.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]models.Alert, len(entries))
	for i, e := range entries {
		out[i] = e.alert
	}
	return out
}

func (a *Aggregator) Dismiss(key models.AlertKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.items[key]; !ok {
		return false
	}
	delete(a.items, key)
	metrics.ActiveAlerts.Set(float64(len(a.items)))
	return true
}

// DismissDevice drops every alert owned by deviceID and returns how many
// were removed.
func (a *Aggregator) DismissDevice(deviceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k := range a.items {
		if k.DeviceID == deviceID {
			delete(a.items, k)
			n++
		}
	}
	metrics.ActiveAlerts.Set(float64(len(a.items)))
	return n
}

func message(metric models.Metric, value float64, deviceID string, sev models.Severity) string {
	label := strings.ToUpper(sev.String()[:1]) + sev.String()[1:]
	if metric == models.AQI {
		return fmt.Sprintf("%s air quality on %s: index %.2f is too low", label, deviceID, value)
	}
	return fmt.Sprintf("%s %s on %s: %.2f", label, metric, deviceID, value)
}
