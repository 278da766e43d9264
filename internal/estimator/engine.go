// Package estimator is the library surface of the mortgage engine. It wires
// rate pricing, loan reconstruction and refinance evaluation around one
// closing-cost policy.
package estimator

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/pricing"
	"github.com/yourorg/mortgage-refi-engine/internal/reconstruct"
	"github.com/yourorg/mortgage-refi-engine/internal/refinance"
)

// Engine is stateless between calls and safe for concurrent use
type Engine struct {
	costs         model.ClosingCostPolicy
	calculator    *pricing.Calculator
	reconstructor *reconstruct.Reconstructor
	refinancer    *refinance.Evaluator
}

// New creates an engine resolving historical rates through rates.
// A nil resolver uses the default heuristic table only.
func New(rates reconstruct.RateResolver, costs model.ClosingCostPolicy) *Engine {
	return &Engine{
		costs:         costs,
		calculator:    pricing.NewCalculator(nil, costs),
		reconstructor: reconstruct.New(rates),
		refinancer:    refinance.NewEvaluator(costs),
	}
}

// WithRules replaces the rate adjustment table
func (e *Engine) WithRules(rules *pricing.RuleSet) *Engine {
	e.calculator = pricing.NewCalculator(rules, e.costs)
	return e
}

// ClosingCosts returns the closing-cost policy shared by all operations
func (e *Engine) ClosingCosts() model.ClosingCostPolicy {
	return e.costs
}

// RulesVersion returns the version of the adjustment table in use
func (e *Engine) RulesVersion() string {
	return e.calculator.Rules().Version
}

// EstimateRate quotes a rate for the scenario
func (e *Engine) EstimateRate(baseRate float64, scenario model.LoanScenario) (model.RateEstimate, error) {
	return e.calculator.EstimateRate(baseRate, scenario)
}

// Reconstruct projects a loan of known amount
func (e *Engine) Reconstruct(ctx context.Context, in reconstruct.Input) (model.MortgageEstimate, error) {
	return e.reconstructor.Reconstruct(ctx, in)
}

// ReconstructFromSale projects the loan implied by a past sale
func (e *Engine) ReconstructFromSale(ctx context.Context, in reconstruct.SaleInput) (model.MortgageEstimate, error) {
	return e.reconstructor.ReconstructFromSale(ctx, in)
}

// FromSaleFacts projects the loan described by a property-data record
func (e *Engine) FromSaleFacts(ctx context.Context, facts model.SaleFacts, now civil.Date) (model.MortgageEstimate, error) {
	return e.reconstructor.FromSaleFacts(ctx, facts, now)
}

// EvaluateRefinance compares the current loan with a refinance. Closing costs
// come from the engine's policy unless the input carries them.
func (e *Engine) EvaluateRefinance(in refinance.Input) (model.RefinanceSavings, error) {
	return e.refinancer.Evaluate(in)
}
