package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Metric string

const (
	Vibration   Metric = "vibration"
	Pressure    Metric = "pressure"
	Temperature Metric = "temperature"
	Humidity    Metric = "humidity"
	Noise       Metric = "noise"
	CO2         Metric = "co2"
	AQI         Metric = "aqi"
	PM25        Metric = "pm25"
)

var AllMetrics = []Metric{Vibration, Pressure, Temperature, Humidity, Noise, CO2, AQI, PM25}

func ParseMetric(s string) (Metric, bool) {
	m := Metric(strings.ToLower(strings.TrimSpace(s)))
	return m, m.Valid()
}

func (m Metric) Valid() bool {
	for _, known := range AllMetrics {
		if m == known {
			return true
		}
	}
	return false
}

// Threshold holds the bounds configured for one metric. A nil field is unset.
type Threshold struct {
	Min      *float64 `json:"min,omitempty" mapstructure:"min"`
	Max      *float64 `json:"max,omitempty" mapstructure:"max"`
	Warning  *float64 `json:"warning,omitempty" mapstructure:"warning"`
	Critical *float64 `json:"critical,omitempty" mapstructure:"critical"`
}

func (t Threshold) Clone() Threshold {
	return Threshold{Min: clonePtr(t.Min), Max: clonePtr(t.Max), Warning: clonePtr(t.Warning), Critical: clonePtr(t.Critical)}
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

type ThresholdSet map[Metric]Threshold

func (s ThresholdSet) Clone() ThresholdSet {
	out := make(ThresholdSet, len(s))
	for m, t := range s {
		out[m] = t.Clone()
	}
	return out
}

// Float returns a pointer to v, for building thresholds inline.
func Float(v float64) *float64 { return &v }

func DefaultThresholds() ThresholdSet {
	return ThresholdSet{
		Vibration:   {Warning: Float(5), Critical: Float(8)},
		Pressure:    {Min: Float(1), Max: Float(8)},
		Temperature: {Min: Float(10), Max: Float(40)},
		Humidity:    {Min: Float(30), Max: Float(70)},
		Noise:       {Warning: Float(85), Critical: Float(100)},
		CO2:         {Max: Float(80)},
		AQI:         {},
		PM25:        {Warning: Float(35), Critical: Float(75)},
	}
}

// Severity is ordered: SeveritySafe < SeverityWarning < SeverityCritical.
// SeverityUnknown marks a missing value and sits outside that order.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeveritySafe
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "safe"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "safe":
		*s = SeveritySafe
	case "warning":
		*s = SeverityWarning
	case "critical":
		*s = SeverityCritical
	case "unknown", "":
		*s = SeverityUnknown
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// Alerting reports whether s should raise an alert.
func (s Severity) Alerting() bool { return s == SeverityWarning || s == SeverityCritical }

type Reading struct {
	Metric    Metric    `json:"metric"`
	Value     *float64  `json:"value"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

type UnitEvent struct {
	DeviceID    string    `json:"deviceId"`
	TagID       string    `json:"tagId"`
	ProductName string    `json:"productName"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertKey identifies an alert; values are rounded to two decimals so that
// repeated readings of the same value collapse into one entry.
type AlertKey struct {
	Metric   Metric
	Value    float64
	DeviceID string
}

func NewAlertKey(metric Metric, value float64, deviceID string) AlertKey {
	return AlertKey{Metric: metric, Value: RoundValue(value), DeviceID: deviceID}
}

func RoundValue(v float64) float64 {
	return math.Round(v*100) / 100
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Metric, strconv.FormatFloat(k.Value, 'f', 2, 64), k.DeviceID)
}

func (k AlertKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseAlertKey reverses AlertKey.String. Device IDs may contain colons.
func ParseAlertKey(s string) (AlertKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return AlertKey{}, fmt.Errorf("malformed alert key %q", s)
	}
	m, ok := ParseMetric(parts[0])
	if !ok {
		return AlertKey{}, fmt.Errorf("unknown metric in alert key %q", s)
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return AlertKey{}, fmt.Errorf("bad value in alert key %q: %w", s, err)
	}
	return NewAlertKey(m, v, parts[2]), nil
}

type Alert struct {
	Key      AlertKey  `json:"key"`
	Metric   Metric    `json:"metric"`
	Value    float64   `json:"value"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
	DeviceID string    `json:"deviceId"`
}

type DailyCounter struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type ProductionLogEntry struct {
	TagID       string    `json:"tagId"`
	ProductName string    `json:"productName"`
	Timestamp   time.Time `json:"timestamp"`
}

type Command struct {
	RequestID  string         `json:"requestId"`
	DeviceID   string         `json:"deviceId"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	IssuedAt   time.Time      `json:"issuedAt"`
}

const (
	ActionStopMotor     = "stop_motor"
	ActionStartMotor    = "start_motor"
	ActionEmergencyStop = "emergency_stop"
)
