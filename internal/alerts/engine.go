package alerts

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"plantwatch/internal/classify"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
	"plantwatch/internal/notifier"
)

type ThresholdSource interface {
	Get(m models.Metric) (models.Threshold, bool)
}

// History records raised alerts and notification attempts.
type History interface {
	InsertAlertEvent(ctx context.Context, a models.Alert) (int64, error)
	InsertNotificationEvent(ctx context.Context, alertID int64, channel, status string, attempts int, lastErr string, sent *time.Time) error
}

type MetricStatus struct {
	Metric    models.Metric   `json:"metric"`
	Value     *float64        `json:"value"`
	Severity  models.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
}

type Engine struct {
	thresholds ThresholdSource
	agg        *Aggregator
	history    History
	notifiers  []notifier.Notifier
	log        *slog.Logger
	now        func() time.Time
	retryDelay time.Duration

	mu     sync.Mutex
	latest map[string]map[models.Metric]models.Reading

	wg sync.WaitGroup
}

func NewEngine(thresholds ThresholdSource, agg *Aggregator, history History, notifiers []notifier.Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		thresholds: thresholds,
		agg:        agg,
		history:    history,
		notifiers:  notifiers,
		log:        logger,
		now:        time.Now,
		retryDelay: 300 * time.Millisecond,
		latest:     map[string]map[models.Metric]models.Reading{},
	}
}

func (e *Engine) Aggregator() *Aggregator { return e.agg }

// Evaluate classifies one reading and feeds the aggregator. It never panics:
// a failure on one reading must not stop the ones after it.
func (e *Engine) Evaluate(ctx context.Context, r models.Reading) (sev models.Severity) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("evaluate reading panicked", "panic", p, "device_id", r.DeviceID, "metric", r.Metric)
			sev = models.SeverityUnknown
		}
	}()
	if !r.Metric.Valid() {
		metrics.UnknownMetrics.Inc()
		e.log.Warn("dropping reading for unknown metric", "metric", r.Metric, "device_id", r.DeviceID)
		return models.SeverityUnknown
	}
	e.remember(r)

	th, _ := e.thresholds.Get(r.Metric)
	sev, err := classify.Classify(r.Metric, r.Value, th)
	if err != nil {
		e.log.Warn("classify reading", "err", err, "device_id", r.DeviceID)
		return models.SeverityUnknown
	}
	metrics.ReadingsEvaluated.WithLabelValues(string(r.Metric), sev.String()).Inc()
	metrics.CurrentSeverity.WithLabelValues(r.DeviceID, string(r.Metric)).Set(float64(sev))
	if r.Value == nil || !sev.Alerting() {
		return sev
	}

	alert, raised := e.agg.Ingest(r.Metric, *r.Value, r.DeviceID, sev)
	if !raised {
		return sev
	}
	metrics.AlertsRaised.WithLabelValues(sev.String()).Inc()
	e.log.Info("alert raised", "device_id", r.DeviceID, "metric", r.Metric, "value", alert.Value, "severity", sev.String())

	var alertID int64
	if e.history != nil {
		id, err := e.history.InsertAlertEvent(ctx, alert)
		if err != nil {
			metrics.PersistenceErrors.WithLabelValues("alert_history").Inc()
			e.log.Error("record alert", "err", err, "device_id", r.DeviceID)
		}
		alertID = id
	}
	for _, n := range e.notifiers {
		if !n.Enabled() {
			continue
		}
		e.wg.Add(1)
		go func(n notifier.Notifier) {
			defer e.wg.Done()
			e.sendNotification(context.WithoutCancel(ctx), n, alertID, alert)
		}(n)
	}
	return sev
}

func (e *Engine) remember(r models.Reading) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byMetric, ok := e.latest[r.DeviceID]
	if !ok {
		byMetric = map[models.Metric]models.Reading{}
		e.latest[r.DeviceID] = byMetric
	}
	byMetric[r.Metric] = r
}

// Status reclassifies the latest value of every metric seen for deviceID
// against the thresholds in force now.
func (e *Engine) Status(deviceID string) []MetricStatus {
	e.mu.Lock()
	readings := make([]models.Reading, 0, len(e.latest[deviceID]))
	for _, r := range e.latest[deviceID] {
		readings = append(readings, r)
	}
	e.mu.Unlock()

	out := make([]MetricStatus, 0, len(readings))
	for _, r := range readings {
		th, _ := e.thresholds.Get(r.Metric)
		sev, err := classify.Classify(r.Metric, r.Value, th)
		if err != nil {
			continue
		}
		out = append(out, MetricStatus{Metric: r.Metric, Value: r.Value, Severity: sev, Timestamp: r.Timestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Forget drops the latest values kept for deviceID.
func (e *Engine) Forget(deviceID string) {
	e.mu.Lock()
	delete(e.latest, deviceID)
	e.mu.Unlock()
}

// Wait blocks until in-flight notifications finish.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) sendNotification(ctx context.Context, n notifier.Notifier, alertID int64, alert models.Alert) {
	attempts := 0
	var err error
	for attempts < 3 {
		attempts++
		err = n.Notify(ctx, alert)
		if err == nil {
			metrics.NotificationsSent.WithLabelValues(n.Name(), "sent").Inc()
			if e.history != nil && alertID > 0 {
				now := e.now().UTC()
				_ = e.history.InsertNotificationEvent(ctx, alertID, n.Name(), "sent", attempts, "", &now)
			}
			return
		}
		time.Sleep(time.Duration(attempts) * e.retryDelay)
	}
	metrics.NotificationsSent.WithLabelValues(n.Name(), "failed").Inc()
	if e.history != nil && alertID > 0 {
		_ = e.history.InsertNotificationEvent(ctx, alertID, n.Name(), "failed", attempts, err.Error(), nil)
	}
	e.log.Warn("notify failed", "channel", n.Name(), "err", err)
}
