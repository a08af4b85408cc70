// Package stream connects to the plant's realtime sources and turns their
// JSON frames into bus events.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"plantwatch/internal/metrics"
	"plantwatch/internal/models"
)

const (
	TypeSensor  = "sensor"
	TypeUnit    = "unit"
	TypeAck     = "ack"
	TypeCommand = "command"
)

var ErrMalformed = errors.New("malformed frame")

// Publisher is the subset of bus.Bus the sources need.
type Publisher interface {
	PublishReading(models.Reading)
	PublishUnit(models.UnitEvent)
	PublishConnection(source string, connected bool)
}

type envelope struct {
	Type        string              `json:"type"`
	DeviceID    string              `json:"deviceId"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        map[string]*float64 `json:"data"`
	TagID       string              `json:"tagId"`
	ProductName string              `json:"productName"`
	RequestID   string              `json:"requestId"`
	Success     bool                `json:"success"`
}

type Ack struct {
	RequestID string
	Success   bool
}

// Frame is one decoded message. Exactly one of the fields is set, except
// for sensor frames whose readings were all dropped.
type Frame struct {
	Readings []models.Reading
	Unit     *models.UnitEvent
	Ack      *Ack
}

// Decode parses a frame. kind overrides the frame's own type field when the
// transport already tells us what it carries. A missing timestamp becomes
// now. Unknown metrics are dropped with a log line.
func Decode(b []byte, kind, deviceID string, now time.Time, logger *slog.Logger) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if kind != "" {
		env.Type = kind
	}
	if env.DeviceID == "" {
		env.DeviceID = deviceID
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}

	switch env.Type {
	case TypeSensor:
		if env.DeviceID == "" {
			return Frame{}, fmt.Errorf("%w: sensor frame without deviceId", ErrMalformed)
		}
		names := make([]string, 0, len(env.Data))
		for name := range env.Data {
			names = append(names, name)
		}
		sort.Strings(names)
		var f Frame
		for _, name := range names {
			m, ok := models.ParseMetric(name)
			if !ok {
				metrics.UnknownMetrics.Inc()
				logger.Warn("dropping unknown metric", "metric", name, "device_id", env.DeviceID)
				continue
			}
			f.Readings = append(f.Readings, models.Reading{Metric: m, Value: env.Data[name], DeviceID: env.DeviceID, Timestamp: env.Timestamp})
		}
		return f, nil
	case TypeUnit:
		if env.DeviceID == "" {
			return Frame{}, fmt.Errorf("%w: unit frame without deviceId", ErrMalformed)
		}
		return Frame{Unit: &models.UnitEvent{DeviceID: env.DeviceID, TagID: env.TagID, ProductName: env.ProductName, Timestamp: env.Timestamp}}, nil
	case TypeAck:
		if env.RequestID == "" {
			return Frame{}, fmt.Errorf("%w: ack without requestId", ErrMalformed)
		}
		return Frame{Ack: &Ack{RequestID: env.RequestID, Success: env.Success}}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func publish(p Publisher, f Frame) {
	for _, r := range f.Readings {
		p.PublishReading(r)
	}
	if f.Unit != nil {
		p.PublishUnit(*f.Unit)
	}
}

type commandFrame struct {
	Type string `json:"type"`
	models.Command
}

func encodeCommand(cmd models.Command) ([]byte, error) {
	return json.Marshal(commandFrame{Type: TypeCommand, Command: cmd})
}
