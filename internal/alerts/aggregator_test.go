package alerts

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"plantwatch/internal/models"
)

func newTestAggregator(now *time.Time) *Aggregator {
	a := NewAggregator(slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return *now }
	return a
}

func TestIngestIsIdempotentPerKey(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	a := newTestAggregator(&now)

	_, created := a.Ingest(models.Vibration, 9, "press-1", models.SeverityCritical)
	if !created {
		t.Fatal("first ingest should create the alert")
	}
	now = now.Add(time.Minute)
	_, created = a.Ingest(models.Vibration, 9.001, "press-1", models.SeverityCritical)
	if created {
		t.Fatal("repeat ingest should replace, not create")
	}

	got := a.List(0)
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(got))
	}
	if !got[0].Time.Equal(now) {
		t.Fatalf("time = %v, want later time %v", got[0].Time, now)
	}
}

func TestAlertsAreStickyUntilDismissed(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	a := newTestAggregator(&now)

	a.Ingest(models.Vibration, 9, "press-1", models.SeverityCritical)
	a.Ingest(models.Vibration, 3, "press-1", models.SeveritySafe)

	got := a.List(0)
	if len(got) != 1 || got[0].Key != models.NewAlertKey(models.Vibration, 9, "press-1") {
		t.Fatalf("sticky alert missing: %+v", got)
	}
	if !a.Dismiss(got[0].Key) {
		t.Fatal("dismiss returned false")
	}
	if len(a.List(0)) != 0 {
		t.Fatal("alert still present after dismiss")
	}
	if a.Dismiss(got[0].Key) {
		t.Fatal("second dismiss should report nothing removed")
	}
}

func TestListNewestFirstWithCap(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	a := newTestAggregator(&now)
	for i := 0; i < 7; i++ {
		a.Ingest(models.Noise, float64(100+i), "mill", models.SeverityCritical)
	}
	// Refresh the oldest: it becomes the newest.
	a.Ingest(models.Noise, 100, "mill", models.SeverityWarning)

	got := a.List(SummaryLimit)
	if len(got) != SummaryLimit {
		t.Fatalf("len = %d, want %d", len(got), SummaryLimit)
	}
	if got[0].Value != 100 || got[0].Severity != models.SeverityWarning {
		t.Fatalf("head = %+v, want refreshed noise/100 warning", got[0])
	}
	if got[0].Message != "Warning noise on mill: 100.00" {
		t.Fatalf("message not recomputed: %q", got[0].Message)
	}
	if got[1].Value != 106 {
		t.Fatalf("second = %v, want 106", got[1].Value)
	}
}

func TestIngestIgnoresUnknownMetricAndSafe(t *testing.T) {
	now := time.Now()
	a := newTestAggregator(&now)
	a.Ingest("radon", 10, "d", models.SeverityCritical)
	a.Ingest(models.Pressure, 10, "d", models.SeverityUnknown)
	a.Ingest(models.Pressure, 10, "d", models.SeveritySafe)
	if n := len(a.List(0)); n != 0 {
		t.Fatalf("alerts = %d, want 0", n)
	}
}

func TestDismissDevice(t *testing.T) {
	now := time.Now()
	a := newTestAggregator(&now)
	a.Ingest(models.Pressure, 10, "a", models.SeverityCritical)
	a.Ingest(models.Humidity, 90, "a", models.SeverityCritical)
	a.Ingest(models.Pressure, 10, "b", models.SeverityCritical)
	if n := a.DismissDevice("a"); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	got := a.List(0)
	if len(got) != 1 || got[0].DeviceID != "b" {
		t.Fatalf("remaining = %+v", got)
	}
}

func TestIngestReportsEscalation(t *testing.T) {
	now := time.Now()
	a := newTestAggregator(&now)
	if _, raised := a.Ingest(models.Vibration, 7, "press-1", models.SeverityWarning); !raised {
		t.Fatal("new warning not raised")
	}
	if _, raised := a.Ingest(models.Vibration, 7, "press-1", models.SeverityCritical); !raised {
		t.Fatal("warning to critical not reported")
	}
	if _, raised := a.Ingest(models.Vibration, 7, "press-1", models.SeverityWarning); raised {
		t.Fatal("critical to warning reported as raised")
	}
}
