package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"plantwatch/internal/db"
	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

var (
	ErrDelivery       = errors.New("command not delivered")
	ErrInFlight       = errors.New("command already in flight for device")
	ErrInvalidCommand = errors.New("invalid command")
)

// Channel delivers a command and reports whether the device confirmed it.
// (false, nil) means the device answered and refused.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, cmd models.Command) (bool, error)
}

// Recorder stores the outcome of each delivery attempt.
type Recorder interface {
	InsertCommandEvent(ctx context.Context, e db.CommandEvent) error
}

type ChannelFailure struct {
	Channel string
	Err     error
}

type DeliveryError struct {
	DeviceID  string
	RequestID string
	Failures  []ChannelFailure
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Channel+": "+f.Err.Error())
	}
	return fmt.Sprintf("command %s to %s not delivered: %s", e.RequestID, e.DeviceID, strings.Join(parts, "; "))
}

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

var errRefused = errors.New("device refused command")

// Gateway tries each channel in order until one confirms. Only one command
// per device may be in flight.
type Gateway struct {
	channels []Channel
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time
	timeout  time.Duration

	mu       sync.Mutex
	inflight map[string]string
}

// NewGateway takes the primary channel first; nil channels are skipped.
func NewGateway(timeout time.Duration, recorder Recorder, logger *slog.Logger, channels ...Channel) *Gateway {
	g := &Gateway{recorder: recorder, log: logger, now: time.Now, timeout: timeout, inflight: map[string]string{}}
	for _, ch := range channels {
		if ch != nil {
			g.channels = append(g.channels, ch)
		}
	}
	return g
}

// InFlight reports whether a command for deviceID is being delivered.
func (g *Gateway) InFlight(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[deviceID]
	return ok
}

func (g *Gateway) acquire(deviceID, requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[deviceID]; busy {
		return false
	}
	g.inflight[deviceID] = requestID
	return true
}

func (g *Gateway) release(deviceID string) {
	g.mu.Lock()
	delete(g.inflight, deviceID)
	g.mu.Unlock()
}

func (g *Gateway) Send(ctx context.Context, deviceID, action string, params map[string]any) (models.Command, error) {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(action) == "" {
		return models.Command{}, fmt.Errorf("%w: device and action are required", ErrInvalidCommand)
	}
	cmd := models.Command{
		RequestID:  uuid.NewString(),
		DeviceID:   deviceID,
		Action:     action,
		Parameters: params,
		IssuedAt:   g.now().UTC(),
	}
	if !g.acquire(deviceID, cmd.RequestID) {
		return cmd, ErrInFlight
	}
	defer g.release(deviceID)

	derr := &DeliveryError{DeviceID: deviceID, RequestID: cmd.RequestID}
	if len(g.channels) == 0 {
		derr.Failures = append(derr.Failures, ChannelFailure{Channel: "none", Err: errors.New("no delivery channel configured")})
		return cmd, derr
	}
	for _, ch := range g.channels {
		ok, err := g.attempt(ctx, ch, cmd)
		if ok {
			g.log.Info("command delivered", "device_id", deviceID, "action", action, "request_id", cmd.RequestID, "channel", ch.Name())
			return cmd, nil
		}
		if err == nil {
			err = errRefused
		}
		derr.Failures = append(derr.Failures, ChannelFailure{Channel: ch.Name(), Err: err})
		g.log.Warn("command delivery failed", "device_id", deviceID, "request_id", cmd.RequestID, "channel", ch.Name(), "err", err)
		if ctx.Err() != nil {
			break
		}
	}
	return cmd, derr
}

func (g *Gateway) attempt(ctx context.Context, ch Channel, cmd models.Command) (bool, error) {
	actx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	ok, err := ch.Deliver(actx, cmd)
	status := "confirmed"
	switch {
	case err != nil:
		status = "error"
	case !ok:
		status = "refused"
	}
	metrics.CommandsSent.WithLabelValues(ch.Name(), status).Inc()
	if g.recorder != nil {
		ev := db.CommandEvent{RequestID: cmd.RequestID, DeviceID: cmd.DeviceID, Action: cmd.Action, Channel: ch.Name(), Success: ok && err == nil, Issued: cmd.IssuedAt}
		if err != nil {
			ev.Error = err.Error()
		}
		if rerr := g.recorder.InsertCommandEvent(context.WithoutCancel(ctx), ev); rerr != nil {
			metrics.PersistenceErrors.WithLabelValues("commands").Inc()
			g.log.Error("record command", "request_id", cmd.RequestID, "err", rerr)
		}
	}
	return ok && err == nil, err
}
