package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"plantwatch/internal/db"
	"plantwatch/internal/models"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type stubChannel struct {
	name  string
	ok    bool
	err   error
	calls int
	block chan struct{}
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Deliver(ctx context.Context, _ models.Command) (bool, error) {
	s.calls++
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return s.ok, s.err
}

type memRecorder struct {
	mu     sync.Mutex
	events []db.CommandEvent
}

func (m *memRecorder) InsertCommandEvent(_ context.Context, e db.CommandEvent) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPrimaryConfirmsSkipsFallback(t *testing.T) {
	primary := &stubChannel{name: "websocket", ok: true}
	fallback := &stubChannel{name: "http", ok: true}
	g := NewGateway(time.Second, nil, discard(), primary, fallback)

	cmd, err := g.Send(context.Background(), "press-1", models.ActionStopMotor, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if cmd.RequestID == "" || cmd.Action != models.ActionStopMotor {
		t.Fatalf("cmd = %+v", cmd)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.calls)
	}
}

func TestFallbackUsedWhenPrimaryRefusesOrFails(t *testing.T) {
	for _, primary := range []*stubChannel{
		{name: "websocket", ok: false},
		{name: "websocket", err: errors.New("not connected")},
	} {
		fallback := &stubChannel{name: "http", ok: true}
		rec := &memRecorder{}
		g := NewGateway(time.Second, rec, discard(), primary, fallback)
		if _, err := g.Send(context.Background(), "press-1", models.ActionStopMotor, nil); err != nil {
			t.Fatalf("send: %v", err)
		}
		if fallback.calls != 1 {
			t.Fatalf("fallback calls = %d, want 1", fallback.calls)
		}
		if len(rec.events) != 2 || rec.events[0].Success || !rec.events[1].Success {
			t.Fatalf("recorded = %+v", rec.events)
		}
	}
}

func TestAllChannelsFailIsDeliveryError(t *testing.T) {
	g := NewGateway(time.Second, nil, discard(),
		&stubChannel{name: "websocket", err: errors.New("down")},
		&stubChannel{name: "http", ok: false})

	_, err := g.Send(context.Background(), "press-1", models.ActionStartMotor, nil)
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	var derr *DeliveryError
	if !errors.As(err, &derr) || len(derr.Failures) != 2 {
		t.Fatalf("failures = %+v", derr)
	}
	if derr.Failures[1].Channel != "http" || !errors.Is(derr.Failures[1].Err, errRefused) {
		t.Fatalf("second failure = %+v", derr.Failures[1])
	}
	if g.InFlight("press-1") {
		t.Fatal("device still in flight after failure")
	}
}

func TestSecondSendWhileInFlightFailsFast(t *testing.T) {
	primary := &stubChannel{name: "websocket", ok: true, block: make(chan struct{})}
	g := NewGateway(time.Second, nil, discard(), primary)

	done := make(chan error, 1)
	go func() {
		_, err := g.Send(context.Background(), "press-1", models.ActionStopMotor, nil)
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !g.InFlight("press-1") {
		if time.Now().After(deadline) {
			t.Fatal("first command never went in flight")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := g.Send(context.Background(), "press-1", models.ActionStartMotor, nil); !errors.Is(err, ErrInFlight) {
		t.Fatalf("err = %v, want ErrInFlight", err)
	}
	if g.InFlight("press-2") {
		t.Fatal("other device reported in flight")
	}
	close(primary.block)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if g.InFlight("press-1") {
		t.Fatal("in-flight flag not cleared")
	}
}

func TestSendValidatesInput(t *testing.T) {
	g := NewGateway(time.Second, nil, discard(), &stubChannel{name: "x", ok: true})
	if _, err := g.Send(context.Background(), "", models.ActionStopMotor, nil); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("err = %v", err)
	}
	empty := NewGateway(time.Second, nil, discard())
	if _, err := empty.Send(context.Background(), "d", models.ActionStopMotor, nil); !errors.Is(err, ErrDelivery) {
		t.Fatalf("no channels err = %v", err)
	}
}

func TestHTTPChannel(t *testing.T) {
	var gotPath, gotBody string
	ch := NewHTTPChannel("http://plc.local/api/")
	ch.HTTP = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		gotPath = req.URL.Path
		b, _ := io.ReadAll(req.Body)
		gotBody = string(b)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"success":true}`))}, nil
	})}
	ok, err := ch.Deliver(context.Background(), models.Command{RequestID: "r1", DeviceID: "press-1", Action: models.ActionStopMotor})
	if err != nil || !ok {
		t.Fatalf("deliver = %v err = %v", ok, err)
	}
	if gotPath != "/api/devices/press-1/commands" || !strings.Contains(gotBody, `"action":"stop_motor"`) {
		t.Fatalf("path = %s body = %s", gotPath, gotBody)
	}

	ch.HTTP = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: io.NopCloser(strings.NewReader("busy"))}, nil
	})}
	if _, err := ch.Deliver(context.Background(), models.Command{DeviceID: "d"}); err == nil {
		t.Fatal("expected error for 503")
	}
}
