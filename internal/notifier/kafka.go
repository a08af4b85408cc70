package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"plantwatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every raised alert as JSON, keyed by device so that one
// device's alerts stay ordered within a partition.
type Kafka struct {
	w     messageWriter
	topic string
}

func NewKafka(brokers []string, topic string) *Kafka {
	if len(brokers) == 0 || topic == "" {
		return &Kafka{topic: topic}
	}
	return &Kafka{
		topic: topic,
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Enabled() bool { return k.w != nil }

type alertEvent struct {
	Key      string    `json:"key"`
	DeviceID string    `json:"deviceId"`
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

func (k *Kafka) Notify(ctx context.Context, a models.Alert) error {
	if k.w == nil {
		return fmt.Errorf("kafka not configured")
	}
	b, err := json.Marshal(alertEvent{
		Key:      a.Key.String(),
		DeviceID: a.DeviceID,
		Metric:   string(a.Metric),
		Value:    a.Value,
		Severity: a.Severity.String(),
		Message:  a.Message,
		Time:     a.Time.UTC(),
	})
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{Key: []byte(a.DeviceID), Value: b, Time: a.Time})
}

func (k *Kafka) Close() error {
	if k.w == nil {
		return nil
	}
	return k.w.Close()
}
