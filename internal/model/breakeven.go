package model

import (
	"encoding/json"
	"fmt"
)

// NoSavingsLabel is the JSON form of a break-even that never happens
const NoSavingsLabel = "no_savings"

// BreakEven is the number of months until a refinance pays for itself.
// The zero value is the no-savings sentinel; a finite value is always >= 1.
type BreakEven struct {
	months int
}

// BreakEvenAfter returns a finite break-even. Values below one month are raised to one.
func BreakEvenAfter(months int) BreakEven {
	if months < 1 {
		months = 1
	}
	return BreakEven{months: months}
}

// NoSavings returns the sentinel used when a refinance never breaks even
func NoSavings() BreakEven {
	return BreakEven{}
}

// IsFinite reports whether the refinance breaks even at all
func (b BreakEven) IsFinite() bool {
	return b.months > 0
}

// Months returns the break-even month and whether it exists
func (b BreakEven) Months() (int, bool) {
	return b.months, b.months > 0
}

func (b BreakEven) String() string {
	if !b.IsFinite() {
		return NoSavingsLabel
	}
	return fmt.Sprintf("%d", b.months)
}

// MarshalJSON encodes a finite break-even as a number and the sentinel as "no_savings"
func (b BreakEven) MarshalJSON() ([]byte, error) {
	if !b.IsFinite() {
		return json.Marshal(NoSavingsLabel)
	}
	return json.Marshal(b.months)
}

// UnmarshalJSON accepts either a positive integer or "no_savings"
func (b *BreakEven) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err == nil {
		if label != NoSavingsLabel {
			return fmt.Errorf("invalid break-even label %q", label)
		}
		*b = NoSavings()
		return nil
	}

	var months int
	if err := json.Unmarshal(data, &months); err != nil {
		return fmt.Errorf("invalid break-even value: %w", err)
	}
	if months < 1 {
		return fmt.Errorf("break-even must be positive, got %d", months)
	}
	*b = BreakEven{months: months}
	return nil
}
