package stream

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"plantwatch/internal/metrics"
)

const SourceMQTT = "mqtt"

// MQTTSource subscribes to <prefix>/<device>/sensors and
// <prefix>/<device>/units. Payloads use the websocket frame format.
type MQTTSource struct {
	client mqtt.Client
	prefix string
	pub    Publisher
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	connected bool
}

func NewMQTTSource(broker, clientID, prefix string, pub Publisher, logger *slog.Logger) *MQTTSource {
	s := &MQTTSource{prefix: strings.TrimSuffix(prefix, "/"), pub: pub, log: logger, now: time.Now}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onLost)
	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects in the background; the client keeps retrying on its own.
func (s *MQTTSource) Start() {
	token := s.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.log.Warn("mqtt connect", "err", err)
		}
	}()
}

func (s *MQTTSource) Stop() {
	s.client.Disconnect(250)
	s.setConnected(false)
}

func (s *MQTTSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *MQTTSource) topics() map[string]byte {
	return map[string]byte{
		s.prefix + "/+/sensors": 1,
		s.prefix + "/+/units":   1,
	}
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	token := c.SubscribeMultiple(s.topics(), func(_ mqtt.Client, m mqtt.Message) {
		s.handle(m.Topic(), m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.Error("mqtt subscribe", "err", err)
		return
	}
	s.log.Info("mqtt connected", "prefix", s.prefix)
	s.setConnected(true)
}

func (s *MQTTSource) onLost(_ mqtt.Client, err error) {
	s.log.Warn("mqtt connection lost", "err", err)
	s.setConnected(false)
}

func (s *MQTTSource) setConnected(up bool) {
	s.mu.Lock()
	changed := s.connected != up
	s.connected = up
	s.mu.Unlock()
	if !changed {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	metrics.IngestConnected.WithLabelValues(SourceMQTT).Set(v)
	s.pub.PublishConnection(SourceMQTT, up)
}

func (s *MQTTSource) parseTopic(topic string) (deviceID, kind string, err error) {
	rest, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok {
		return "", "", fmt.Errorf("topic %q outside prefix %q", topic, s.prefix)
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return "", "", fmt.Errorf("topic %q has no device", topic)
	}
	switch rest[i+1:] {
	case "sensors":
		kind = TypeSensor
	case "units":
		kind = TypeUnit
	default:
		return "", "", fmt.Errorf("topic %q has unknown kind", topic)
	}
	return rest[:i], kind, nil
}

func (s *MQTTSource) handle(topic string, payload []byte) {
	deviceID, kind, err := s.parseTopic(topic)
	if err != nil {
		s.log.Warn("skipping mqtt message", "err", err)
		return
	}
	f, err := Decode(payload, kind, deviceID, s.now(), s.log)
	if err != nil {
		s.log.Warn("skipping mqtt message", "topic", topic, "err", err)
		return
	}
	publish(s.pub, f)
}
