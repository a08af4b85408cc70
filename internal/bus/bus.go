// Package bus fans ingest events out to an ordered list of listeners.
package bus

import (
	"log/slog"
	"sync"

	"plantwatch/internal/models"
)

// Handler receives ingest events. Nil fields are skipped.
type Handler struct {
	OnReading          func(models.Reading)
	OnUnit             func(models.UnitEvent)
	OnConnectionChange func(source string, connected bool)
}

type listener struct {
	id uint64
	h  Handler
}

// Bus delivers each event to listeners in subscription order. A panicking
// listener is logged and does not stop delivery to the others.
type Bus struct {
	mu        sync.RWMutex
	listeners []listener
	nextID    uint64
	log       *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{log: logger}
}

// Subscribe registers h and returns a func that removes it. Calling the
// returned func more than once is safe.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) snapshot() []listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) PublishReading(r models.Reading) {
	for _, l := range b.snapshot() {
		if l.h.OnReading != nil {
			b.call("reading", func() { l.h.OnReading(r) })
		}
	}
}

func (b *Bus) PublishUnit(u models.UnitEvent) {
	for _, l := range b.snapshot() {
		if l.h.OnUnit != nil {
			b.call("unit", func() { l.h.OnUnit(u) })
		}
	}
}

func (b *Bus) PublishConnection(source string, connected bool) {
	for _, l := range b.snapshot() {
		if l.h.OnConnectionChange != nil {
			b.call("connection", func() { l.h.OnConnectionChange(source, connected) })
		}
	}
}

func (b *Bus) call(event string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("listener panicked", "event", event, "panic", p)
		}
	}()
	fn()
}
