// Package refinance evaluates whether moving an existing balance to a new rate
// pays off, and after how many months.
package refinance

import (
	"math"

	"github.com/yourorg/mortgage-refi-engine/internal/amortize"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/validation"
)

// DefaultClosingCosts is the flat closing-cost assumption of the package-level Evaluate
const DefaultClosingCosts = 3000.0

// DefaultMinRateSpread is the recommended minimum rate drop, in percentage
// points, before a refinance offer is surfaced to a lead
const DefaultMinRateSpread = 0.5

// Input describes the existing loan and the candidate rate
type Input struct {
	CurrentBalance     float64 `json:"current_balance"`
	CurrentRate        float64 `json:"current_rate"`
	NewRate            float64 `json:"new_rate"`
	RemainingTermYears float64 `json:"remaining_term_years"`

	// ClosingCosts overrides the evaluator's closing-cost policy when set
	ClosingCosts *float64 `json:"closing_costs,omitempty"`
}

// Evaluator compares payments before and after a refinance. It is stateless
// and safe for concurrent use.
type Evaluator struct {
	costs model.ClosingCostPolicy
}

// NewEvaluator creates an evaluator that prices closing costs with the given policy
func NewEvaluator(costs model.ClosingCostPolicy) *Evaluator {
	return &Evaluator{costs: costs}
}

// LegacyPolicy is the flat DefaultClosingCosts assumption
func LegacyPolicy() model.ClosingCostPolicy {
	return model.ClosingCostPolicy{Flat: DefaultClosingCosts}
}

// Evaluate runs an evaluation with the flat DefaultClosingCosts assumption
func Evaluate(in Input) (model.RefinanceSavings, error) {
	return NewEvaluator(LegacyPolicy()).Evaluate(in)
}

// Evaluate re-amortizes the current balance over the remaining term at both
// rates. Treating the remaining period as a fresh amortization rather than the
// tail of the original schedule is intentional.
func (e *Evaluator) Evaluate(in Input) (model.RefinanceSavings, error) {
	if err := validation.First(
		validation.NonNegative("current_balance", in.CurrentBalance),
		validation.NonNegative("current_rate", in.CurrentRate),
		validation.NonNegative("new_rate", in.NewRate),
		validation.Positive("remaining_term_years", in.RemainingTermYears),
	); err != nil {
		return model.RefinanceSavings{}, err
	}

	months := int(math.Round(in.RemainingTermYears * 12))
	if months <= 0 {
		return model.RefinanceSavings{}, validation.Invalid("remaining_term_years", "must cover at least one month")
	}

	closingCosts := e.costs.Amount(in.CurrentBalance)
	if in.ClosingCosts != nil {
		closingCosts = *in.ClosingCosts
	}
	if err := validation.NonNegative("closing_costs", closingCosts); err != nil {
		return model.RefinanceSavings{}, err
	}

	current := amortize.RoundCurrency(amortize.PaymentForMonths(in.CurrentBalance, in.CurrentRate, months))
	next := amortize.RoundCurrency(amortize.PaymentForMonths(in.CurrentBalance, in.NewRate, months))
	monthly := current - next

	return model.RefinanceSavings{
		CurrentMonthlyPayment: current,
		NewMonthlyPayment:     next,
		MonthlySavings:        monthly,
		TotalSavings:          monthly * float64(months),
		ClosingCosts:          amortize.RoundCurrency(closingCosts),
		BreakEvenMonths:       BreakEven(closingCosts, monthly),
	}, nil
}

// BreakEven returns the month in which cumulative savings cover the closing
// costs, or the no-savings sentinel when there are no savings.
func BreakEven(closingCosts, monthlySavings float64) model.BreakEven {
	if monthlySavings <= 0 || math.IsNaN(monthlySavings) {
		return model.NoSavings()
	}
	return model.BreakEvenAfter(int(math.Ceil(closingCosts / monthlySavings)))
}

// ShouldOffer applies the recommended offer policy: surface a refinance only
// when the new rate is at least minSpread points below the current one.
// Enforcing it is up to the caller.
func ShouldOffer(currentRate, newRate, minSpread float64) bool {
	return amortize.SumRates(currentRate, -newRate) >= minSpread
}
