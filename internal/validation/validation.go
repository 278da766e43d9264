// Package validation rejects invalid engine inputs before any computation and
// sanitizes externally supplied rate series.
package validation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

// ErrInvalidScenario is the sentinel wrapped by every input validation failure
var ErrInvalidScenario = errors.New("invalid scenario")

// FieldError describes the offending input field
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid scenario: %s %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrInvalidScenario) hold
func (e *FieldError) Unwrap() error {
	return ErrInvalidScenario
}

// Invalid builds a FieldError
func Invalid(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// IsInvalidScenario reports whether err is an input validation failure
func IsInvalidScenario(err error) bool {
	return errors.Is(err, ErrInvalidScenario)
}

// Positive fails unless v is a finite number greater than zero
func Positive(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return Invalid(field, "must be greater than zero")
	}
	return nil
}

// NonNegative fails unless v is a finite number of at least zero
func NonNegative(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return Invalid(field, "must not be negative")
	}
	return nil
}

// PositiveInt fails unless v is greater than zero
func PositiveInt(field string, v int) error {
	if v <= 0 {
		return Invalid(field, "must be greater than zero")
	}
	return nil
}

// First returns the first non-nil error
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// MaxTermYears bounds loan terms accepted by the engine
const MaxTermYears = 50

// LoanScenario validates a quote request. Optional fields are checked after
// defaults are applied.
func LoanScenario(baseRate float64, s model.LoanScenario) error {
	s = s.WithDefaults()

	if err := First(
		NonNegative("base_rate", baseRate),
		Positive("loan_amount", s.LoanAmount),
		Positive("property_value", s.PropertyValue),
		PositiveInt("loan_term_years", s.LoanTermYears),
		NonNegative("current_rate", s.CurrentRate),
	); err != nil {
		return err
	}

	if s.LoanTermYears > MaxTermYears {
		return Invalid("loan_term_years", fmt.Sprintf("must be at most %d", MaxTermYears))
	}
	if s.CreditScore < 300 || s.CreditScore > 850 {
		return Invalid("credit_score", "must be between 300 and 850")
	}
	if !s.LoanType.Valid() {
		return Invalid("loan_type", fmt.Sprintf("unsupported value %q", s.LoanType))
	}
	if !s.PropertyType.Valid() {
		return Invalid("property_type", fmt.Sprintf("unsupported value %q", s.PropertyType))
	}
	if !s.Occupancy.Valid() {
		return Invalid("occupancy", fmt.Sprintf("unsupported value %q", s.Occupancy))
	}
	return nil
}

// SeriesOptions holds the plausibility limits for rate observations
type SeriesOptions struct {
	MinRate float64
	MaxRate float64
}

// DefaultSeriesOptions returns sensible limits for mortgage rate indices
func DefaultSeriesOptions() SeriesOptions {
	return SeriesOptions{MinRate: 0, MaxRate: 25}
}

// FilterSeries removes unusable observations and returns the rest sorted by date.
// The input slice is not modified.
func FilterSeries(points []model.RatePoint, opts SeriesOptions) []model.RatePoint {
	valid := make([]model.RatePoint, 0, len(points))
	for _, p := range points {
		if isValidPoint(p, opts) {
			valid = append(valid, p)
		} else {
			logrus.WithFields(logrus.Fields{
				"date":  p.Date.String(),
				"value": p.Value,
			}).Debug("Filtered invalid rate observation")
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Date.Before(valid[j].Date)
	})

	if dropped := len(points) - len(valid); dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"total":    len(points),
			"filtered": dropped,
		}).Info("Rate series sanitized")
	}
	return valid
}

// isValidPoint checks a single observation against the limits
func isValidPoint(p model.RatePoint, opts SeriesOptions) bool {
	if !p.Date.IsValid() {
		return false
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return false
	}
	return p.Value >= opts.MinRate && p.Value <= opts.MaxRate
}
