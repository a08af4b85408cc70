package bus

import (
	"io"
	"log/slog"
	"testing"

	"plantwatch/internal/models"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishInSubscriptionOrder(t *testing.T) {
	b := newTestBus()
	var got []string
	b.Subscribe(Handler{OnReading: func(models.Reading) { got = append(got, "first") }})
	b.Subscribe(Handler{OnReading: func(models.Reading) { got = append(got, "second") }})
	b.Subscribe(Handler{OnUnit: func(models.UnitEvent) { got = append(got, "unit-only") }})

	b.PublishReading(models.Reading{Metric: models.Noise})
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("order = %v", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newTestBus()
	calls := 0
	unsub := b.Subscribe(Handler{OnUnit: func(models.UnitEvent) { calls++ }})
	other := b.Subscribe(Handler{OnUnit: func(models.UnitEvent) {}})

	unsub()
	unsub()
	b.PublishUnit(models.UnitEvent{DeviceID: "d"})
	if calls != 0 {
		t.Fatalf("calls = %d after unsubscribe", calls)
	}
	if b.Len() != 1 {
		t.Fatalf("len = %d, want 1", b.Len())
	}
	other()
	if b.Len() != 0 {
		t.Fatalf("len = %d, want 0", b.Len())
	}
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	b := newTestBus()
	var seen []bool
	b.Subscribe(Handler{OnConnectionChange: func(string, bool) { panic("boom") }})
	b.Subscribe(Handler{OnConnectionChange: func(_ string, up bool) { seen = append(seen, up) }})

	b.PublishConnection("websocket", true)
	b.PublishConnection("websocket", false)
	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Fatalf("seen = %v", seen)
	}
}
