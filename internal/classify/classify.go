// Package classify maps a sensor value to a severity. It holds no state.
//
// Most metrics treat a high value as bad. AQI is the exception: the index is
// reported on a "higher is cleaner" scale, so low values are the dangerous
// ones and the comparisons run the other way.
package classify

import (
	"errors"
	"fmt"

	"plantwatch/internal/models"
)

var ErrUnknownMetric = errors.New("unknown metric")

// Default AQI cut-offs. Critical sits below Warning because the scale is
// inverted.
const (
	AQICritical = 50.0
	AQIWarning  = 75.0
)

type strategy func(v float64, t models.Threshold) models.Severity

var strategies = map[models.Metric]strategy{
	models.Vibration:   rising,
	models.Noise:       rising,
	models.PM25:        rising,
	models.Pressure:    band,
	models.Temperature: band,
	models.Humidity:    band,
	models.CO2:         ceiling,
	models.AQI:         inverted,
}

// Classify returns SeverityUnknown for a nil value; a missing reading is never
// reported as safe.
func Classify(metric models.Metric, value *float64, t models.Threshold) (models.Severity, error) {
	fn, ok := strategies[metric]
	if !ok {
		return models.SeverityUnknown, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	if value == nil {
		return models.SeverityUnknown, nil
	}
	return fn(*value, t), nil
}

func rising(v float64, t models.Threshold) models.Severity {
	if t.Critical != nil && v >= *t.Critical {
		return models.SeverityCritical
	}
	if t.Warning != nil && v >= *t.Warning {
		return models.SeverityWarning
	}
	return models.SeveritySafe
}

func band(v float64, t models.Threshold) models.Severity {
	if (t.Min != nil && v <= *t.Min) || (t.Max != nil && v >= *t.Max) {
		return models.SeverityCritical
	}
	if t.Warning != nil && v > *t.Warning {
		return models.SeverityWarning
	}
	return models.SeveritySafe
}

func ceiling(v float64, t models.Threshold) models.Severity {
	if t.Max != nil && v >= *t.Max {
		return models.SeverityCritical
	}
	return models.SeveritySafe
}

// inverted: lower is worse. Critical and Warning, when set, replace the
// default 50/75 cut-offs.
func inverted(v float64, t models.Threshold) models.Severity {
	crit, warn := AQICritical, AQIWarning
	if t.Critical != nil {
		crit = *t.Critical
	}
	if t.Warning != nil {
		warn = *t.Warning
	}
	if v < crit {
		return models.SeverityCritical
	}
	if v < warn {
		return models.SeverityWarning
	}
	return models.SeveritySafe
}
