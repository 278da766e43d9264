package pricing

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/amortize"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/refinance"
	"github.com/yourorg/mortgage-refi-engine/internal/validation"
)

// APR search parameters
const (
	aprSearchWidth   = 2.0
	aprTolerance     = 0.01
	aprMaxIterations = 50
)

// Calculator prices loan scenarios. It holds no per-call state and is safe
// for concurrent use.
type Calculator struct {
	rules      *RuleSet
	costs      model.ClosingCostPolicy
	refinancer *refinance.Evaluator
}

// NewCalculator creates a calculator. A nil rule set means DefaultRules().
func NewCalculator(rules *RuleSet, costs model.ClosingCostPolicy) *Calculator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Calculator{
		rules:      rules,
		costs:      costs,
		refinancer: refinance.NewEvaluator(costs),
	}
}

// Rules returns the adjustment table in use
func (c *Calculator) Rules() *RuleSet {
	return c.rules
}

// EstimateRate applies the adjustment table to baseRate and prices the loan
func (c *Calculator) EstimateRate(baseRate float64, scenario model.LoanScenario) (model.RateEstimate, error) {
	if err := validation.LoanScenario(baseRate, scenario); err != nil {
		return model.RateEstimate{}, err
	}
	s := scenario.WithDefaults()

	adjustments := c.rules.Apply(FactsFor(s))
	deltas := make([]float64, len(adjustments))
	for i, adj := range adjustments {
		deltas[i] = adj.Delta
	}
	adjusted := amortize.SumRates(baseRate, deltas...)
	if adjusted < 0 {
		return model.RateEstimate{}, validation.Invalid("base_rate",
			fmt.Sprintf("%.3f is too low for the applicable adjustments (adjusted rate %.3f)", baseRate, adjusted))
	}

	closingCosts := amortize.RoundCurrency(c.costs.Amount(s.LoanAmount))

	estimate := model.RateEstimate{
		BaseRate:       baseRate,
		AdjustedRate:   adjusted,
		Adjustments:    adjustments,
		MonthlyPayment: amortize.RoundCurrency(amortize.MonthlyPayment(s.LoanAmount, adjusted, s.LoanTermYears)),
		TotalInterest:  amortize.RoundCurrency(amortize.TotalInterest(s.LoanAmount, adjusted, s.LoanTermYears)),
		ClosingCosts:   closingCosts,
		APR:            SolveAPR(s.LoanAmount, closingCosts, adjusted, s.LoanTermYears),
		RulesVersion:   c.rules.Version,
	}

	if s.CurrentRate > 0 && s.CurrentRate > adjusted {
		savings, err := c.refinancer.Evaluate(refinance.Input{
			CurrentBalance:     s.LoanAmount,
			CurrentRate:        s.CurrentRate,
			NewRate:            adjusted,
			RemainingTermYears: float64(s.LoanTermYears),
			ClosingCosts:       &closingCosts,
		})
		if err != nil {
			return model.RateEstimate{}, err
		}
		currentRate := s.CurrentRate
		estimate.CurrentRate = &currentRate
		estimate.MonthlySavings = &savings.MonthlySavings
		estimate.LifetimeSavings = &savings.TotalSavings
	}

	logrus.WithFields(logrus.Fields{
		"base_rate":     baseRate,
		"adjusted_rate": adjusted,
		"adjustments":   len(adjustments),
		"rules_version": c.rules.Version,
	}).Debug("Rate estimated")

	return estimate, nil
}

// SolveAPR finds the rate at which the bare principal produces the same
// payment as principal plus closing costs at the quoted rate. The search is
// a bisection over [adjustedRate, adjustedRate+2]; when it does not converge
// within the iteration limit the closest candidate is returned.
func SolveAPR(principal, closingCosts, adjustedRate float64, termYears int) float64 {
	months := termYears * 12
	if principal <= 0 || closingCosts <= 0 || months <= 0 {
		return amortize.RoundRate(adjustedRate)
	}

	target := amortize.PaymentForMonths(principal+closingCosts, adjustedRate, months)
	lo, hi := adjustedRate, adjustedRate+aprSearchWidth
	best, bestDiff := hi, math.Inf(1)

	for i := 0; i < aprMaxIterations; i++ {
		mid := (lo + hi) / 2
		diff := amortize.PaymentForMonths(principal, mid, months) - target

		if math.Abs(diff) < bestDiff {
			best, bestDiff = mid, math.Abs(diff)
		}
		if math.Abs(diff) <= aprTolerance {
			break
		}
		if diff < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}

	return amortize.RoundRate(best)
}
