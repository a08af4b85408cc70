package thresholds

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"plantwatch/internal/classify"
	"plantwatch/internal/models"
)

var ErrValidation = errors.New("invalid threshold")

type Field string

const (
	FieldMin      Field = "min"
	FieldMax      Field = "max"
	FieldWarning  Field = "warning"
	FieldCritical Field = "critical"
)

func ParseField(s string) (Field, bool) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FieldMin, FieldMax, FieldWarning, FieldCritical:
		return f, true
	}
	return "", false
}

const temperatureFloor = -40.0

// ValidationError carries one message per offending "metric.field".
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid threshold: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) add(m models.Metric, f Field, msg string) {
	key := fieldKey(m, f)
	if _, exists := e.Fields[key]; exists {
		return
	}
	e.Fields[key] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func fieldKey(m models.Metric, f Field) string { return string(m) + "." + string(f) }

func newValidationError() *ValidationError {
	return &ValidationError{Fields: map[string]string{}}
}

// ParseValue accepts a user-typed number. Commas are accepted as decimal
// separators.
func ParseValue(raw string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if s == "" {
		return 0, errors.New("value is required")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", raw)
	}
	return v, nil
}

func fieldValue(t models.Threshold, f Field) *float64 {
	switch f {
	case FieldMin:
		return t.Min
	case FieldMax:
		return t.Max
	case FieldWarning:
		return t.Warning
	default:
		return t.Critical
	}
}

func setField(t *models.Threshold, f Field, v float64) {
	switch f {
	case FieldMin:
		t.Min = &v
	case FieldMax:
		t.Max = &v
	case FieldWarning:
		t.Warning = &v
	case FieldCritical:
		t.Critical = &v
	}
}

var allFields = []Field{FieldMin, FieldMax, FieldWarning, FieldCritical}

// requiredFields are the bounds a metric cannot be classified without. An
// empty rising or band threshold would report every value as safe.
var requiredFields = map[models.Metric][]Field{
	models.Vibration:   {FieldWarning, FieldCritical},
	models.Noise:       {FieldWarning, FieldCritical},
	models.PM25:        {FieldWarning, FieldCritical},
	models.Pressure:    {FieldMin, FieldMax},
	models.Temperature: {FieldMin, FieldMax},
	models.Humidity:    {FieldMin, FieldMax},
	models.CO2:         {FieldMax},
}

// validateThreshold accumulates every rule violation for one metric.
func validateThreshold(m models.Metric, t models.Threshold, errs *ValidationError) {
	for _, f := range requiredFields[m] {
		if fieldValue(t, f) == nil {
			errs.add(m, f, "is required")
		}
	}
	for _, f := range allFields {
		p := fieldValue(t, f)
		if p == nil {
			continue
		}
		v := *p
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs.add(m, f, "must be a finite number")
			continue
		}
		if m == models.Temperature && f == FieldMin {
			if v < temperatureFloor {
				errs.add(m, f, fmt.Sprintf("must be at least %g", temperatureFloor))
			}
		} else if v < 0 {
			errs.add(m, f, "must not be negative")
		}
		switch m {
		case models.Temperature:
			if f == FieldMax && v > 100 {
				errs.add(m, f, "must be at most 100")
			}
		case models.Humidity, models.CO2:
			if v > 100 {
				errs.add(m, f, "must be at most 100")
			}
		case models.Vibration:
			if f == FieldCritical && v > 50 {
				errs.add(m, f, "must be at most 50")
			}
		case models.Noise:
			if f == FieldCritical && v > 150 {
				errs.add(m, f, "must be at most 150")
			}
		}
	}
	if t.Min != nil && t.Max != nil && !(*t.Min < *t.Max) {
		errs.add(m, FieldMin, "must be lower than max")
		errs.add(m, FieldMax, "must be greater than min")
	}
	if m == models.AQI {
		validateInverted(t, errs)
		return
	}
	if t.Warning != nil && t.Critical != nil && !(*t.Warning < *t.Critical) {
		errs.add(m, FieldWarning, "must be lower than critical")
		errs.add(m, FieldCritical, "must be greater than warning")
	}
}

// validateInverted checks AQI, where lower is worse: the critical cut-off
// must sit below the warning one. A missing bound falls back to its default.
func validateInverted(t models.Threshold, errs *ValidationError) {
	crit, warn := classify.AQICritical, classify.AQIWarning
	if t.Critical != nil {
		crit = *t.Critical
	}
	if t.Warning != nil {
		warn = *t.Warning
	}
	if crit < warn {
		return
	}
	if t.Critical != nil {
		errs.add(models.AQI, FieldCritical, fmt.Sprintf("must be lower than warning (%g)", warn))
	}
	if t.Warning != nil {
		errs.add(models.AQI, FieldWarning, fmt.Sprintf("must be greater than critical (%g)", crit))
	}
}

// Validate checks a complete threshold set.
func Validate(set models.ThresholdSet) error {
	errs := newValidationError()
	for m, t := range set {
		if !m.Valid() {
			errs.Fields[string(m)] = "unknown metric"
			continue
		}
		validateThreshold(m, t, errs)
	}
	return errs.orNil()
}
