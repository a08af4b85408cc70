package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"plantwatch/internal/kv"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

const (
	DefaultLogCap = 100
	DefaultGrace  = 5 * time.Second

	// MaxClockSkew is how far ahead of the ledger clock a unit timestamp may
	// be and still open the next day.
	MaxClockSkew = time.Minute

	dateLayout = "2006-01-02"
)

// ErrOutsideWindow is returned for a unit stamped before the loaded day or on
// a day that has not started yet.
var ErrOutsideWindow = errors.New("timestamp outside the current production day")

// Production is the state of one device's current production day.
type Production struct {
	Date  string                      `json:"date"`
	Count int                         `json:"count"`
	Log   []models.ProductionLogEntry `json:"log"`
}

type state struct {
	date  string
	count int
	log   []models.ProductionLogEntry
}

// Ledger keeps per-device daily unit counters and production logs. Memory is
// authoritative; the kv store is written after every change and read back
// by Load.
type Ledger struct {
	store  kv.Store
	log    *slog.Logger
	loc    *time.Location
	now    func() time.Time
	logCap int

	mu      sync.Mutex
	devices map[string]*state
}

func New(store kv.Store, loc *time.Location, logCap int, logger *slog.Logger) *Ledger {
	if loc == nil {
		loc = time.Local
	}
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	return &Ledger{
		store:   store,
		log:     logger,
		loc:     loc,
		now:     time.Now,
		logCap:  logCap,
		devices: map[string]*state{},
	}
}

func counterKey(deviceID string) string { return kv.DeviceKey(deviceID, "production:counter") }
func logKey(deviceID string) string     { return kv.DeviceKey(deviceID, "production:log") }
func dayKey(deviceID, date string) string {
	return kv.DeviceKey(deviceID, "production:day:"+date)
}

func (l *Ledger) dateOf(t time.Time) string { return t.In(l.loc).Format(dateLayout) }

func (l *Ledger) today() string { return l.dateOf(l.now()) }

// Load reads the persisted counter and log for deviceID. A counter from an
// earlier day is archived under its day key and today starts at zero. Log
// entries outside today are skipped.
func (l *Ledger) Load(ctx context.Context, deviceID string) (Production, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.load(ctx, deviceID)
	if err != nil {
		return Production{}, err
	}
	return st.production(), nil
}

func (l *Ledger) load(ctx context.Context, deviceID string) (*state, error) {
	today := l.today()
	var stored models.DailyCounter
	raw, ok, err := l.store.Get(ctx, counterKey(deviceID))
	if err != nil {
		return nil, fmt.Errorf("read counter: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			l.log.Warn("ignoring unreadable counter", "device_id", deviceID, "err", err)
			stored = models.DailyCounter{}
		}
	}

	var entries []models.ProductionLogEntry
	raw, ok, err = l.store.Get(ctx, logKey(deviceID))
	if err != nil {
		return nil, fmt.Errorf("read production log: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			l.log.Warn("ignoring unreadable production log", "device_id", deviceID, "err", err)
			entries = nil
		}
	}

	kept := make([]models.ProductionLogEntry, 0, len(entries))
	for _, e := range entries {
		if l.dateOf(e.Timestamp) == today {
			kept = append(kept, e)
		}
	}
	if len(kept) > l.logCap {
		kept = kept[:l.logCap]
	}

	st := &state{date: today, log: kept}
	switch {
	case stored.Date == today:
		st.count = stored.Count
		// The counter is written before the log. After a crash between the
		// two writes the log length is the truth, unless the log is full.
		if len(kept) < l.logCap && st.count != len(kept) {
			l.log.Warn("counter and log disagree, using log length", "device_id", deviceID, "counter", st.count, "log", len(kept))
			st.count = len(kept)
		} else if st.count < len(kept) {
			st.count = len(kept)
		}
	case stored.Date != "" && stored.Date < today:
		l.archive(ctx, deviceID, stored)
		st.count = len(kept)
	default:
		st.count = len(kept)
	}
	l.devices[deviceID] = st
	return st, nil
}

// archive stores a finished day under its own key unless it is already there.
func (l *Ledger) archive(ctx context.Context, deviceID string, day models.DailyCounter) {
	key := dayKey(deviceID, day.Date)
	if _, ok, err := l.store.Get(ctx, key); err == nil && ok {
		return
	}
	b, _ := json.Marshal(day)
	if err := l.store.Set(ctx, key, string(b)); err != nil {
		metrics.PersistenceErrors.WithLabelValues("ledger").Inc()
		l.log.Error("archive production day", "device_id", deviceID, "date", day.Date, "err", err)
	}
}

func (l *Ledger) ensure(ctx context.Context, deviceID string) (*state, error) {
	if st, ok := l.devices[deviceID]; ok {
		return st, nil
	}
	return l.load(ctx, deviceID)
}

// RecordUnit counts one produced unit. A timestamp on a later day than the
// loaded one rolls the ledger over first; an earlier day is rejected, as is a
// day that has not begun on the ledger clock.
func (l *Ledger) RecordUnit(ctx context.Context, deviceID, tagID, productName string, ts time.Time) (Production, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.ensure(ctx, deviceID)
	if err != nil {
		return Production{}, err
	}

	day := l.dateOf(ts)
	var ended *models.DailyCounter
	switch {
	case day > l.dateOf(l.now().Add(MaxClockSkew)):
		return st.production(), fmt.Errorf("%w: %s has not started", ErrOutsideWindow, day)
	case day < st.date:
		return st.production(), fmt.Errorf("%w: %s before %s", ErrOutsideWindow, day, st.date)
	case day > st.date:
		ended = &models.DailyCounter{Date: st.date, Count: st.count}
		st.date, st.count, st.log = day, 0, nil
		metrics.Rollovers.WithLabelValues("unit").Inc()
		l.log.Info("production day rolled over", "device_id", deviceID, "ended", ended.Date, "count", ended.Count, "trigger", "unit")
	}

	entry := models.ProductionLogEntry{TagID: tagID, ProductName: productName, Timestamp: ts}
	st.count++
	st.log = append([]models.ProductionLogEntry{entry}, st.log...)
	if len(st.log) > l.logCap {
		st.log = st.log[:l.logCap]
	}
	metrics.UnitsRecorded.WithLabelValues(deviceID).Inc()
	l.persist(ctx, deviceID, st, ended)
	return st.production(), nil
}

// Rollover resets deviceID to an empty production day if the loaded day has
// ended. It is a no-op when the day already turned over.
func (l *Ledger) Rollover(ctx context.Context, deviceID string) (Production, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.ensure(ctx, deviceID)
	if err != nil {
		return Production{}, err
	}
	today := l.today()
	if st.date >= today {
		return st.production(), nil
	}
	ended := models.DailyCounter{Date: st.date, Count: st.count}
	st.date, st.count, st.log = today, 0, nil
	metrics.Rollovers.WithLabelValues("timer").Inc()
	l.log.Info("production day rolled over", "device_id", deviceID, "ended", ended.Date, "count", ended.Count, "trigger", "timer")
	l.persist(ctx, deviceID, st, &ended)
	return st.production(), nil
}

// persist writes the archived day (if any), then the counter, then the log.
// Failures are logged; memory stays authoritative.
func (l *Ledger) persist(ctx context.Context, deviceID string, st *state, ended *models.DailyCounter) {
	counter, _ := json.Marshal(models.DailyCounter{Date: st.date, Count: st.count})
	entries := st.log
	if entries == nil {
		entries = []models.ProductionLogEntry{}
	}
	logJSON, _ := json.Marshal(entries)

	pairs := make([]kv.Pair, 0, 3)
	if ended != nil && ended.Date != "" {
		day, _ := json.Marshal(ended)
		pairs = append(pairs, kv.Pair{Key: dayKey(deviceID, ended.Date), Value: string(day)})
	}
	pairs = append(pairs,
		kv.Pair{Key: counterKey(deviceID), Value: string(counter)},
		kv.Pair{Key: logKey(deviceID), Value: string(logJSON)},
	)
	if err := kv.SetAll(ctx, l.store, pairs); err != nil {
		metrics.PersistenceErrors.WithLabelValues("ledger").Inc()
		l.log.Error("persist production state", "device_id", deviceID, "err", err)
	}
}

// LoadYesterday reads the previous day's final count. It never touches the
// current day's state.
func (l *Ledger) LoadYesterday(ctx context.Context, deviceID string) (models.DailyCounter, error) {
	now := l.now().In(l.loc)
	yesterday := time.Date(now.Year(), now.Month(), now.Day()-1, 12, 0, 0, 0, l.loc).Format(dateLayout)
	out := models.DailyCounter{Date: yesterday}

	raw, ok, err := l.store.Get(ctx, dayKey(deviceID, yesterday))
	if err != nil {
		return out, fmt.Errorf("read day %s: %w", yesterday, err)
	}
	if !ok {
		// Not archived yet: the live counter may still hold yesterday.
		raw, ok, err = l.store.Get(ctx, counterKey(deviceID))
		if err != nil {
			return out, fmt.Errorf("read counter: %w", err)
		}
		if !ok {
			return out, nil
		}
	}
	var c models.DailyCounter
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return out, fmt.Errorf("decode day %s: %w", yesterday, err)
	}
	if c.Date != yesterday {
		return out, nil
	}
	return c, nil
}

// Snapshot returns the in-memory state, if deviceID was loaded. A state left
// over from an earlier day reads as an empty today; the stored counter is
// archived when the day is next rolled over or loaded.
func (l *Ledger) Snapshot(deviceID string) (Production, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.devices[deviceID]
	if !ok {
		return Production{}, false
	}
	if today := l.today(); st.date < today {
		return Production{Date: today, Log: []models.ProductionLogEntry{}}, true
	}
	return st.production(), true
}

// Forget drops the in-memory state for deviceID.
func (l *Ledger) Forget(deviceID string) {
	l.mu.Lock()
	delete(l.devices, deviceID)
	l.mu.Unlock()
}

func (s *state) production() Production {
	out := Production{Date: s.date, Count: s.count, Log: make([]models.ProductionLogEntry, len(s.log))}
	copy(out.Log, s.log)
	return out
}

// NextRollover returns the next local midnight after now, plus grace.
func NextRollover(now time.Time, loc *time.Location, grace time.Duration) time.Time {
	n := now.In(loc)
	return time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, loc).Add(grace)
}
