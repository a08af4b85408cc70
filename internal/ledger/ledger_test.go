package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"plantwatch/internal/kv"
	"plantwatch/internal/models"
)

var plant = time.FixedZone("plant", 2*60*60)

func newTestLedger(store kv.Store, now *time.Time) *Ledger {
	l := New(store, plant, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return *now }
	return l
}

func putJSON(t *testing.T, m *kv.Memory, key string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Set(context.Background(), key, string(b)); err != nil {
		t.Fatal(err)
	}
}

func TestRecordAfterStaleCounterKeepsYesterday(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, plant)
	mem := kv.NewMemory()
	putJSON(t, mem, counterKey("press-1"), models.DailyCounter{Date: "2026-03-01", Count: 42})

	l := newTestLedger(mem, &now)
	p, err := l.Load(ctx, "press-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Count != 0 || p.Date != "2026-03-02" {
		t.Fatalf("loaded = %+v, want empty today", p)
	}

	p, err = l.RecordUnit(ctx, "press-1", "tag-1", "bolt", now)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if p.Count != 1 || len(p.Log) != 1 {
		t.Fatalf("count = %d log = %d, want 1/1", p.Count, len(p.Log))
	}
	y, err := l.LoadYesterday(ctx, "press-1")
	if err != nil {
		t.Fatalf("yesterday: %v", err)
	}
	if y.Count != 42 || y.Date != "2026-03-01" {
		t.Fatalf("yesterday = %+v, want 42 on 2026-03-01", y)
	}
	if snap, _ := l.Snapshot("press-1"); snap.Count != 1 {
		t.Fatalf("yesterday read changed today: %+v", snap)
	}
}

func TestYesterdayBeforeLoadReadsLiveCounter(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, plant)
	mem := kv.NewMemory()
	putJSON(t, mem, counterKey("d"), models.DailyCounter{Date: "2026-03-01", Count: 7})
	l := newTestLedger(mem, &now)
	y, err := l.LoadYesterday(context.Background(), "d")
	if err != nil || y.Count != 7 {
		t.Fatalf("yesterday = %+v err = %v", y, err)
	}
	if _, ok := l.Snapshot("d"); ok {
		t.Fatal("yesterday read loaded today's state")
	}
}

func TestWindowEdges(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 20, 0, 0, 0, plant)
	mem := kv.NewMemory()
	l := newTestLedger(mem, &now)

	if _, err := l.RecordUnit(ctx, "d", "a", "bolt", time.Date(2026, 3, 2, 8, 0, 0, 0, plant)); err != nil {
		t.Fatal(err)
	}
	last := time.Date(2026, 3, 2, 23, 59, 59, 999_000_000, plant)
	p, err := l.RecordUnit(ctx, "d", "b", "bolt", last)
	if err != nil {
		t.Fatal(err)
	}
	if p.Date != "2026-03-02" || p.Count != 2 || p.Log[0].TagID != "b" {
		t.Fatalf("late entry not appended to today: %+v", p)
	}

	now = time.Date(2026, 3, 3, 0, 0, 0, 0, plant)
	p, err = l.RecordUnit(ctx, "d", "c", "nut", now)
	if err != nil {
		t.Fatal(err)
	}
	if p.Date != "2026-03-03" || p.Count != 1 || len(p.Log) != 1 || p.Log[0].TagID != "c" {
		t.Fatalf("midnight entry did not roll over: %+v", p)
	}

	raw, ok, _ := mem.Get(ctx, dayKey("d", "2026-03-02"))
	if !ok {
		t.Fatal("ended day not archived")
	}
	var ended models.DailyCounter
	_ = json.Unmarshal([]byte(raw), &ended)
	if ended.Count != 2 {
		t.Fatalf("archived count = %d, want 2", ended.Count)
	}

	if _, err := l.RecordUnit(ctx, "d", "x", "nut", last); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("err = %v, want ErrOutsideWindow", err)
	}
}

func TestLocalMidnightUsesLedgerZone(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, plant)
	l := newTestLedger(kv.NewMemory(), &now)
	// 23:30 UTC on the 1st is 01:30 on the 2nd in the plant zone.
	p, err := l.RecordUnit(context.Background(), "d", "a", "bolt", time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	if err != nil || p.Count != 1 {
		t.Fatalf("p = %+v err = %v", p, err)
	}
}

func TestLoadRecoversFromTornWrite(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, plant)
	mem := kv.NewMemory()
	entries := []models.ProductionLogEntry{
		{TagID: "b", Timestamp: time.Date(2026, 3, 2, 11, 0, 0, 0, plant)},
		{TagID: "a", Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, plant)},
		{TagID: "old", Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, plant)},
	}
	// Counter reached 3 but the crash hit before the third log entry landed.
	putJSON(t, mem, counterKey("d"), models.DailyCounter{Date: "2026-03-02", Count: 3})
	putJSON(t, mem, logKey("d"), entries)

	p, err := newTestLedger(mem, &now).Load(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if p.Count != 2 || len(p.Log) != 2 {
		t.Fatalf("count = %d log = %d, want 2/2", p.Count, len(p.Log))
	}
}

func TestLoadTrustsCounterWhenLogSaturated(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, plant)
	mem := kv.NewMemory()
	l := New(mem, plant, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		if _, err := l.RecordUnit(ctx, "d", "t", "p", now); err != nil {
			t.Fatal(err)
		}
	}

	l2 := New(mem, plant, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l2.now = func() time.Time { return now }
	p, err := l2.Load(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if p.Count != 5 || len(p.Log) != 2 {
		t.Fatalf("count = %d log = %d, want 5/2", p.Count, len(p.Log))
	}
}

func TestPersistenceFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, plant)
	mem := kv.NewMemory()
	l := newTestLedger(mem, &now)
	mem.SetFailure(errors.New("quota exceeded"))

	for i := 0; i < 3; i++ {
		if _, err := l.RecordUnit(ctx, "d", "t", "p", now); err != nil {
			t.Fatalf("record returned %v", err)
		}
	}
	p, _ := l.Snapshot("d")
	if p.Count != 3 {
		t.Fatalf("count = %d, want 3", p.Count)
	}

	mem.SetFailure(nil)
	if _, err := l.RecordUnit(ctx, "d", "t", "p", now); err != nil {
		t.Fatal(err)
	}
	reloaded, _ := newTestLedger(mem, &now).Load(ctx, "d")
	if reloaded.Count != 4 {
		t.Fatalf("next write did not supersede: count = %d", reloaded.Count)
	}
}

func TestRolloverResetsOnlyOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 22, 0, 0, 0, plant)
	mem := kv.NewMemory()
	l := newTestLedger(mem, &now)
	for i := 0; i < 4; i++ {
		_, _ = l.RecordUnit(ctx, "d", "t", "p", now)
	}

	if p, _ := l.Rollover(ctx, "d"); p.Count != 4 {
		t.Fatalf("rollover before midnight reset the day: %+v", p)
	}

	now = time.Date(2026, 3, 3, 0, 0, 5, 0, plant)
	p, err := l.Rollover(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if p.Count != 0 || p.Date != "2026-03-03" || len(p.Log) != 0 {
		t.Fatalf("after rollover = %+v", p)
	}
	_, _ = l.RecordUnit(ctx, "d", "t", "p", now)
	if p, _ := l.Rollover(ctx, "d"); p.Count != 1 {
		t.Fatalf("second rollover on the same day reset the count: %+v", p)
	}
	y, _ := l.LoadYesterday(ctx, "d")
	if y.Count != 4 {
		t.Fatalf("yesterday = %+v, want 4", y)
	}
}

func TestNextRollover(t *testing.T) {
	now := time.Date(2026, 3, 2, 23, 59, 0, 0, plant)
	got := NextRollover(now, plant, DefaultGrace)
	want := time.Date(2026, 3, 3, 0, 0, 5, 0, plant)
	if !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
	now = time.Date(2026, 12, 31, 0, 0, 0, 0, plant)
	if got := NextRollover(now, plant, 0); !got.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, plant)) {
		t.Fatalf("year end next = %v", got)
	}
}

func TestSnapshotAfterMidnightWithoutRollover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, plant)
	mem := kv.NewMemory()
	l := newTestLedger(mem, &now)
	for _, tag := range []string{"a", "b", "c"} {
		if _, err := l.RecordUnit(ctx, "d", tag, "bolt", now); err != nil {
			t.Fatal(err)
		}
	}

	now = time.Date(2026, 3, 3, 9, 0, 0, 0, plant)
	p, ok := l.Snapshot("d")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if p.Date != "2026-03-03" || p.Count != 0 || len(p.Log) != 0 {
		t.Fatalf("snapshot = %+v, want empty 2026-03-03", p)
	}
	y, err := l.LoadYesterday(ctx, "d")
	if err != nil || y.Count != 3 {
		t.Fatalf("yesterday = %+v err = %v, want 3", y, err)
	}

	p, err = l.RecordUnit(ctx, "d", "e", "bolt", now)
	if err != nil {
		t.Fatal(err)
	}
	if p.Count != 1 || p.Date != "2026-03-03" {
		t.Fatalf("after record = %+v, want 1 on 2026-03-03", p)
	}
}

func TestFutureDayUnitRejected(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, plant)
	l := newTestLedger(kv.NewMemory(), &now)
	if _, err := l.RecordUnit(ctx, "d", "a", "bolt", now); err != nil {
		t.Fatal(err)
	}

	skewed := time.Date(2026, 3, 5, 8, 0, 0, 0, plant)
	if _, err := l.RecordUnit(ctx, "d", "b", "bolt", skewed); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("err = %v, want ErrOutsideWindow", err)
	}
	p, err := l.RecordUnit(ctx, "d", "c", "bolt", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("correct unit rejected after skewed one: %v", err)
	}
	if p.Date != "2026-03-02" || p.Count != 2 {
		t.Fatalf("production = %+v, want 2 on 2026-03-02", p)
	}

	// A device clock slightly ahead across midnight still opens the new day.
	now = time.Date(2026, 3, 2, 23, 59, 30, 0, plant)
	p, err = l.RecordUnit(ctx, "d", "e", "bolt", time.Date(2026, 3, 3, 0, 0, 10, 0, plant))
	if err != nil || p.Date != "2026-03-03" || p.Count != 1 {
		t.Fatalf("p = %+v err = %v, want rollover within skew", p, err)
	}
}
