package pricing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/mortgage-refi-engine/internal/amortize"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/validation"
)

func baselineScenario() model.LoanScenario {
	return model.LoanScenario{
		LoanAmount:    400000,
		PropertyValue: 560000,
		LoanType:      model.LoanConventional,
		PropertyType:  model.PropertySingleFamily,
		Occupancy:     model.OccupancyPrimary,
		CreditScore:   740,
	}
}

func newCalculator() *Calculator {
	return NewCalculator(nil, model.DefaultClosingCostPolicy())
}

func findAdjustment(adjustments []model.RateAdjustment, factor string) (model.RateAdjustment, bool) {
	for _, adj := range adjustments {
		if adj.Factor == factor {
			return adj, true
		}
	}
	return model.RateAdjustment{}, false
}

func TestEstimateRate_BaselineHasNoAdjustments(t *testing.T) {
	for _, ltvValue := range []float64{400000 / 0.6, 500000, 560000} {
		s := baselineScenario()
		s.PropertyValue = ltvValue

		est, err := newCalculator().EstimateRate(6.5, s)
		require.NoError(t, err)

		assert.Equal(t, 6.5, est.AdjustedRate, "LTV %.2f", s.LTV())
		assert.Empty(t, est.Adjustments)
		assert.NotNil(t, est.Adjustments)
	}
}

func TestEstimateRate_Pricing(t *testing.T) {
	est, err := newCalculator().EstimateRate(6.5, baselineScenario())
	require.NoError(t, err)

	assert.InDelta(t, 2528, est.MonthlyPayment, 1)
	assert.Equal(t, 12000.0, est.ClosingCosts)
	assert.Greater(t, est.TotalInterest, 500000.0)
	assert.Greater(t, est.APR, est.AdjustedRate)
	assert.LessOrEqual(t, est.APR, est.AdjustedRate+2)
	assert.Equal(t, DefaultRules().Version, est.RulesVersion)
	assert.Nil(t, est.CurrentRate)
	assert.Nil(t, est.MonthlySavings)
}

func TestEstimateRate_JumboAndCondo(t *testing.T) {
	t.Run("jumbo", func(t *testing.T) {
		s := baselineScenario()
		s.LoanType = model.LoanJumbo

		est, err := newCalculator().EstimateRate(6.5, s)
		require.NoError(t, err)

		adj, ok := findAdjustment(est.Adjustments, "Loan Type")
		require.True(t, ok)
		assert.Equal(t, 0.25, adj.Delta)
		assert.Equal(t, 6.75, est.AdjustedRate)
	})

	t.Run("condo", func(t *testing.T) {
		s := baselineScenario()
		s.PropertyType = model.PropertyCondo

		est, err := newCalculator().EstimateRate(6.5, s)
		require.NoError(t, err)

		adj, ok := findAdjustment(est.Adjustments, "Property Type")
		require.True(t, ok)
		assert.Equal(t, 0.125, adj.Delta)
		assert.Equal(t, 6.625, est.AdjustedRate)
	})
}

func TestEstimateRate_CombinedFactors(t *testing.T) {
	s := model.LoanScenario{
		LoanAmount:    425000,
		PropertyValue: 500000,
		LoanType:      model.LoanFHA,
		PropertyType:  model.PropertyMultiFamily,
		Occupancy:     model.OccupancyInvestment,
		CreditScore:   685,
		IsARM:         true,
	}

	est, err := newCalculator().EstimateRate(6.0, s)
	require.NoError(t, err)

	// LTV 85 +0.25, FHA +0.125, multi-family +0.375, investment +0.5, credit +0.5, ARM -0.5
	assert.Equal(t, 7.25, est.AdjustedRate)
	require.Len(t, est.Adjustments, 6)

	factors := make([]string, len(est.Adjustments))
	for i, adj := range est.Adjustments {
		factors[i] = adj.Factor
	}
	assert.Equal(t, []string{"LTV", "Loan Type", "Property Type", "Occupancy", "Credit Score", "ARM"}, factors)
}

func TestEstimateRate_Tiers(t *testing.T) {
	tests := []struct {
		name        string
		loanAmount  float64
		creditScore int
		factor      string
		wantDelta   float64
	}{
		{name: "ltv below 60", loanAmount: 59900, creditScore: 740, factor: "LTV", wantDelta: -0.125},
		{name: "ltv exactly 60", loanAmount: 60000, creditScore: 740, factor: "LTV", wantDelta: 0},
		{name: "ltv exactly 80", loanAmount: 80000, creditScore: 740, factor: "LTV", wantDelta: 0},
		{name: "ltv just above 80", loanAmount: 80500, creditScore: 740, factor: "LTV", wantDelta: 0.25},
		{name: "ltv exactly 90", loanAmount: 90000, creditScore: 740, factor: "LTV", wantDelta: 0.25},
		{name: "ltv exactly 95", loanAmount: 95000, creditScore: 740, factor: "LTV", wantDelta: 0.5},
		{name: "ltv above 95", loanAmount: 97000, creditScore: 740, factor: "LTV", wantDelta: 0.75},
		{name: "credit 800", loanAmount: 70000, creditScore: 800, factor: "Credit Score", wantDelta: -0.125},
		{name: "credit 760", loanAmount: 70000, creditScore: 760, factor: "Credit Score", wantDelta: -0.125},
		{name: "credit 759", loanAmount: 70000, creditScore: 759, factor: "Credit Score", wantDelta: 0},
		{name: "credit 739", loanAmount: 70000, creditScore: 739, factor: "Credit Score", wantDelta: 0.125},
		{name: "credit 700", loanAmount: 70000, creditScore: 700, factor: "Credit Score", wantDelta: 0.25},
		{name: "credit 699", loanAmount: 70000, creditScore: 699, factor: "Credit Score", wantDelta: 0.5},
		{name: "credit 660", loanAmount: 70000, creditScore: 660, factor: "Credit Score", wantDelta: 0.75},
		{name: "credit 659", loanAmount: 70000, creditScore: 659, factor: "Credit Score", wantDelta: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baselineScenario()
			s.LoanAmount = tt.loanAmount
			s.PropertyValue = 100000
			s.CreditScore = tt.creditScore

			est, err := newCalculator().EstimateRate(6.0, s)
			require.NoError(t, err)

			adj, ok := findAdjustment(est.Adjustments, tt.factor)
			if tt.wantDelta == 0 {
				assert.False(t, ok, "zero-delta tiers are not recorded")
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantDelta, adj.Delta)
		})
	}
}

func TestEstimateRate_DefaultCreditScore(t *testing.T) {
	s := baselineScenario()
	s.CreditScore = 0

	est, err := newCalculator().EstimateRate(6.5, s)
	require.NoError(t, err)
	assert.Equal(t, 6.5, est.AdjustedRate)
}

func TestEstimateRate_ComparesWithCurrentRate(t *testing.T) {
	t.Run("current rate above quote", func(t *testing.T) {
		s := baselineScenario()
		s.CurrentRate = 7.5

		est, err := newCalculator().EstimateRate(6.5, s)
		require.NoError(t, err)

		require.NotNil(t, est.CurrentRate)
		require.NotNil(t, est.MonthlySavings)
		require.NotNil(t, est.LifetimeSavings)
		assert.Equal(t, 7.5, *est.CurrentRate)
		assert.Greater(t, *est.MonthlySavings, 0.0)
		assert.Equal(t, *est.MonthlySavings*360, *est.LifetimeSavings)
	})

	t.Run("current rate below quote", func(t *testing.T) {
		s := baselineScenario()
		s.CurrentRate = 6.0

		est, err := newCalculator().EstimateRate(6.5, s)
		require.NoError(t, err)
		assert.Nil(t, est.CurrentRate)
		assert.Nil(t, est.MonthlySavings)
		assert.Nil(t, est.LifetimeSavings)
	})
}

func TestEstimateRate_Idempotent(t *testing.T) {
	calc := newCalculator()
	s := baselineScenario()
	s.LoanType = model.LoanJumbo
	s.CurrentRate = 8

	first, err := calc.EstimateRate(6.875, s)
	require.NoError(t, err)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := calc.EstimateRate(6.875, s)
		require.NoError(t, err)
		againJSON, err := json.Marshal(again)
		require.NoError(t, err)
		assert.Equal(t, string(firstJSON), string(againJSON))
	}
}

func TestEstimateRate_InvalidScenario(t *testing.T) {
	tests := []struct {
		name     string
		baseRate float64
		mutate   func(*model.LoanScenario)
	}{
		{name: "zero property value", baseRate: 6, mutate: func(s *model.LoanScenario) { s.PropertyValue = 0 }},
		{name: "negative loan amount", baseRate: 6, mutate: func(s *model.LoanScenario) { s.LoanAmount = -1 }},
		{name: "negative term", baseRate: 6, mutate: func(s *model.LoanScenario) { s.LoanTermYears = -30 }},
		{name: "unknown loan type", baseRate: 6, mutate: func(s *model.LoanScenario) { s.LoanType = "balloon" }},
		{name: "negative base rate", baseRate: -1, mutate: func(*model.LoanScenario) {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baselineScenario()
			tt.mutate(&s)

			est, err := newCalculator().EstimateRate(tt.baseRate, s)
			require.Error(t, err)
			assert.True(t, validation.IsInvalidScenario(err))
			assert.Equal(t, model.RateEstimate{}, est, "no partial results on invalid input")
		})
	}
}

func TestEstimateRate_StackedDiscounts(t *testing.T) {
	discounted := model.LoanScenario{
		LoanAmount:    100000,
		PropertyValue: 400000,
		CreditScore:   800,
		IsARM:         true,
	}

	t.Run("adjusted rate at zero without current rate", func(t *testing.T) {
		est, err := newCalculator().EstimateRate(0.75, discounted)
		require.NoError(t, err)
		assert.Equal(t, 0.0, est.AdjustedRate)
		assert.Nil(t, est.CurrentRate)
		assert.Nil(t, est.MonthlySavings)
		assert.Equal(t, amortize.RoundCurrency(100000.0/360), est.MonthlyPayment)
	})

	t.Run("negative adjusted rate is rejected on base_rate", func(t *testing.T) {
		est, err := newCalculator().EstimateRate(0.5, discounted)
		require.Error(t, err)
		assert.ErrorIs(t, err, validation.ErrInvalidScenario)

		var fieldErr *validation.FieldError
		require.ErrorAs(t, err, &fieldErr)
		assert.Equal(t, "base_rate", fieldErr.Field)
		assert.Equal(t, model.RateEstimate{}, est)
	})
}

func TestEstimateRate_FlatClosingCostPolicy(t *testing.T) {
	calc := NewCalculator(nil, model.ClosingCostPolicy{Flat: 3000})

	est, err := calc.EstimateRate(6.5, baselineScenario())
	require.NoError(t, err)
	assert.Equal(t, 3000.0, est.ClosingCosts)
}

func TestSolveAPR(t *testing.T) {
	t.Run("matches the financed payment", func(t *testing.T) {
		apr := SolveAPR(300000, 9000, 6.5, 30)

		assert.Greater(t, apr, 6.5)
		assert.Less(t, apr, 8.5)

		target := amortize.PaymentForMonths(309000, 6.5, 360)
		assert.InDelta(t, target, amortize.PaymentForMonths(300000, apr, 360), 1.0)
	})

	t.Run("no closing costs", func(t *testing.T) {
		assert.Equal(t, 6.5, SolveAPR(300000, 0, 6.5, 30))
	})

	t.Run("zero rate loan", func(t *testing.T) {
		apr := SolveAPR(120000, 3600, 0, 10)
		assert.Greater(t, apr, 0.0)
		assert.Less(t, apr, 2.0)
	})

	t.Run("best candidate on non-convergence", func(t *testing.T) {
		apr := SolveAPR(100000, 500000, 6.5, 30)
		assert.InDelta(t, 8.5, apr, 0.001)
	})
}
