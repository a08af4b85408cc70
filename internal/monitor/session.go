package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"plantwatch/internal/bus"
	"plantwatch/internal/ledger"
	"plantwatch/internal/models"
)

var ErrNoDevice = errors.New("no device selected")

type Evaluator interface {
	Evaluate(ctx context.Context, r models.Reading) models.Severity
	Forget(deviceID string)
}

type AlertDismisser interface {
	DismissDevice(deviceID string) int
}

type Ledger interface {
	Load(ctx context.Context, deviceID string) (ledger.Production, error)
	RecordUnit(ctx context.Context, deviceID, tagID, productName string, ts time.Time) (ledger.Production, error)
	Rollover(ctx context.Context, deviceID string) (ledger.Production, error)
}

type Timer interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc; tests swap it for a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type deviceContext struct {
	id          string
	gen         uint64
	queue       *queue
	unsubscribe func()
	timer       Timer
}

type Status struct {
	DeviceID   string          `json:"deviceId"`
	Generation uint64          `json:"generation"`
	Queued     int             `json:"queued"`
	Sources    map[string]bool `json:"sources"`
}

// Session owns the selected device. Readings and unit events for that
// device, and its rollover timer, run on one queue; everything queued
// under an older generation is dropped when it runs.
type Session struct {
	ctx       context.Context
	bus       *bus.Bus
	eval      Evaluator
	alerts    AlertDismisser
	ledger    Ledger
	log       *slog.Logger
	loc       *time.Location
	grace     time.Duration
	now       func() time.Time
	afterFunc AfterFunc

	// run is held while a device task executes. Select and Close take it
	// before mu, so a detached device never has a task in progress.
	run sync.Mutex

	mu      sync.Mutex
	gen     uint64
	cur     *deviceContext
	sources map[string]bool

	unsubConn func()
}

func NewSession(ctx context.Context, b *bus.Bus, eval Evaluator, alerts AlertDismisser, l Ledger, loc *time.Location, grace time.Duration, logger *slog.Logger) *Session {
	if loc == nil {
		loc = time.Local
	}
	s := &Session{
		ctx:       ctx,
		bus:       b,
		eval:      eval,
		alerts:    alerts,
		ledger:    l,
		log:       logger,
		loc:       loc,
		grace:     grace,
		now:       time.Now,
		afterFunc: realAfterFunc,
		sources:   map[string]bool{},
	}
	s.unsubConn = b.Subscribe(bus.Handler{OnConnectionChange: s.onConnection})
	return s
}

func (s *Session) onConnection(source string, up bool) {
	s.mu.Lock()
	s.sources[source] = up
	s.mu.Unlock()
	s.log.Info("ingest connection changed", "source", source, "connected", up)
}

// Connected reports whether any ingest source is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, up := range s.sources {
		if up {
			return true
		}
	}
	return false
}

func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Generation: s.gen, Sources: make(map[string]bool, len(s.sources))}
	for k, v := range s.sources {
		st.Sources[k] = v
	}
	if s.cur != nil {
		st.DeviceID = s.cur.id
		st.Queued = s.cur.queue.len()
	}
	return st
}

// Select makes deviceID the current device. The previous device's timer,
// listener, queue and alerts are torn down before the new ones are set up,
// all under the session lock. A task already running for the previous device
// finishes first.
func (s *Session) Select(deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrNoDevice
	}
	s.run.Lock()
	defer s.run.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.id == deviceID {
		return nil
	}
	s.gen++
	if old := s.cur; old != nil {
		s.detach(old)
	}

	dc := &deviceContext{id: deviceID, gen: s.gen, queue: newQueue()}
	dc.unsubscribe = s.bus.Subscribe(bus.Handler{
		OnReading: func(r models.Reading) {
			if r.DeviceID != deviceID {
				return
			}
			s.enqueue(dc, "reading", func(ctx context.Context) { s.eval.Evaluate(ctx, r) })
		},
		OnUnit: func(u models.UnitEvent) {
			if u.DeviceID != deviceID {
				return
			}
			s.enqueue(dc, "unit", func(ctx context.Context) {
				if _, err := s.ledger.RecordUnit(ctx, deviceID, u.TagID, u.ProductName, u.Timestamp); err != nil {
					s.log.Warn("unit rejected", "device_id", deviceID, "tag_id", u.TagID, "err", err)
				}
			})
		},
	})
	s.enqueue(dc, "load", func(ctx context.Context) {
		if _, err := s.ledger.Load(ctx, deviceID); err != nil {
			s.log.Error("load production state", "device_id", deviceID, "err", err)
		}
	})
	s.arm(dc)
	s.cur = dc
	s.log.Info("device selected", "device_id", deviceID, "generation", dc.gen)
	return nil
}

// detach must be called with s.mu held.
func (s *Session) detach(dc *deviceContext) {
	if dc.timer != nil {
		dc.timer.Stop()
	}
	dc.unsubscribe()
	dc.queue.stop()
	n := s.alerts.DismissDevice(dc.id)
	s.eval.Forget(dc.id)
	s.log.Info("device detached", "device_id", dc.id, "generation", dc.gen, "alerts_dismissed", n)
}

func (s *Session) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.gen == gen
}

func (s *Session) enqueue(dc *deviceContext, kind string, fn func(ctx context.Context)) {
	ok := dc.queue.push(func() {
		s.run.Lock()
		defer s.run.Unlock()
		if !s.live(dc.gen) {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("device task panicked", "device_id", dc.id, "task", kind, "panic", p)
			}
		}()
		fn(s.ctx)
	})
	if !ok {
		s.log.Debug("dropping task for detached device", "device_id", dc.id, "task", kind)
	}
}

// arm must be called with s.mu held.
func (s *Session) arm(dc *deviceContext) {
	now := s.now()
	d := ledger.NextRollover(now, s.loc, s.grace).Sub(now)
	dc.timer = s.afterFunc(d, func() { s.fire(dc) })
}

func (s *Session) fire(dc *deviceContext) {
	if !s.live(dc.gen) {
		return
	}
	s.enqueue(dc, "rollover", func(ctx context.Context) {
		if _, err := s.ledger.Rollover(ctx, dc.id); err != nil {
			s.log.Error("rollover", "device_id", dc.id, "err", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cur == dc {
			s.arm(dc)
		}
	})
}

// Flush waits for tasks already queued for the current device.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	dc := s.cur
	s.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.queue.flush(ctx)
}

// Close detaches the current device and stops listening for connection
// changes.
func (s *Session) Close() {
	s.run.Lock()
	defer s.run.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cur != nil {
		s.detach(s.cur)
		s.cur = nil
	}
	if s.unsubConn != nil {
		s.unsubConn()
	}
}
