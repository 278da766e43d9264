// Package model defines the core data structures for the mortgage estimation engine.
package model

import (
	"cloud.google.com/go/civil"
)

// LoanType is the product family of a loan scenario
type LoanType string

// Supported loan types
const (
	LoanConventional LoanType = "conventional"
	LoanFHA          LoanType = "fha"
	LoanVA           LoanType = "va"
	LoanJumbo        LoanType = "jumbo"
	LoanUSDA         LoanType = "usda"
)

// Valid reports whether t is one of the supported loan types
func (t LoanType) Valid() bool {
	switch t {
	case LoanConventional, LoanFHA, LoanVA, LoanJumbo, LoanUSDA:
		return true
	}
	return false
}

// PropertyType describes the collateral
type PropertyType string

// Supported property types
const (
	PropertySingleFamily PropertyType = "single_family"
	PropertyCondo        PropertyType = "condo"
	PropertyTownhouse    PropertyType = "townhouse"
	PropertyMultiFamily  PropertyType = "multi_family"
)

// Valid reports whether t is one of the supported property types
func (t PropertyType) Valid() bool {
	switch t {
	case PropertySingleFamily, PropertyCondo, PropertyTownhouse, PropertyMultiFamily:
		return true
	}
	return false
}

// Occupancy describes how the borrower uses the property
type Occupancy string

// Supported occupancy types
const (
	OccupancyPrimary    Occupancy = "primary"
	OccupancySecondary  Occupancy = "secondary"
	OccupancyInvestment Occupancy = "investment"
)

// Valid reports whether o is one of the supported occupancy types
func (o Occupancy) Valid() bool {
	switch o {
	case OccupancyPrimary, OccupancySecondary, OccupancyInvestment:
		return true
	}
	return false
}

// Scenario defaults applied when the caller leaves a field empty
const (
	DefaultCreditScore   = 740
	DefaultLoanTermYears = 30
)

// LoanScenario is the input of a rate quote.
type LoanScenario struct {
	// LoanAmount is the requested principal
	LoanAmount float64 `json:"loan_amount"`

	// PropertyValue is the appraised or estimated value of the collateral
	PropertyValue float64 `json:"property_value"`

	LoanType     LoanType     `json:"loan_type"`
	PropertyType PropertyType `json:"property_type"`
	Occupancy    Occupancy    `json:"occupancy"`

	// CreditScore is optional, zero means DefaultCreditScore
	CreditScore int `json:"credit_score,omitempty"`

	// LoanTermYears is optional, zero means DefaultLoanTermYears
	LoanTermYears int `json:"loan_term_years,omitempty"`

	// IsARM marks a 5/1 adjustable-rate product
	IsARM bool `json:"is_arm"`

	// CurrentRate is the rate of the borrower's existing loan, if known.
	// When it is above the quoted rate the estimate carries savings figures.
	CurrentRate float64 `json:"current_rate,omitempty"`
}

// WithDefaults returns a copy of the scenario with optional fields filled in
func (s LoanScenario) WithDefaults() LoanScenario {
	if s.CreditScore == 0 {
		s.CreditScore = DefaultCreditScore
	}
	if s.LoanTermYears == 0 {
		s.LoanTermYears = DefaultLoanTermYears
	}
	if s.LoanType == "" {
		s.LoanType = LoanConventional
	}
	if s.PropertyType == "" {
		s.PropertyType = PropertySingleFamily
	}
	if s.Occupancy == "" {
		s.Occupancy = OccupancyPrimary
	}
	return s
}

// LTV returns the loan-to-value ratio in percent
func (s LoanScenario) LTV() float64 {
	if s.PropertyValue == 0 {
		return 0
	}
	return s.LoanAmount / s.PropertyValue * 100
}

// RateAdjustment is one itemized, additive term of a rate quote
type RateAdjustment struct {
	Factor string  `json:"factor"`
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason"`
}

// RateEstimate is the result of pricing a LoanScenario.
type RateEstimate struct {
	BaseRate     float64          `json:"base_rate"`
	AdjustedRate float64          `json:"adjusted_rate"`
	Adjustments  []RateAdjustment `json:"adjustments"`

	// MonthlyPayment is principal and interest only
	MonthlyPayment float64 `json:"monthly_payment"`
	TotalInterest  float64 `json:"total_interest"`
	ClosingCosts   float64 `json:"closing_costs"`

	// APR is informational; it never blocks a quote
	APR float64 `json:"apr"`

	// Comparison against an existing loan, present only when CurrentRate > AdjustedRate
	CurrentRate     *float64 `json:"current_rate,omitempty"`
	MonthlySavings  *float64 `json:"monthly_savings,omitempty"`
	LifetimeSavings *float64 `json:"lifetime_savings,omitempty"`

	// RulesVersion identifies the adjustment table used for the quote
	RulesVersion string `json:"rules_version,omitempty"`
}

// RateSource records where the original rate of a reconstructed loan came from
type RateSource string

// Rate sources
const (
	SourceRecorded         RateSource = "recorded"
	SourceHistoricalSeries RateSource = "historical_series"
	SourceHeuristic        RateSource = "heuristic"
)

// MortgageEstimate is a reconstructed historical loan projected to a given day.
type MortgageEstimate struct {
	OriginalAmount float64    `json:"original_amount"`
	OriginalDate   civil.Date `json:"original_date"`
	OriginalRate   float64    `json:"original_rate"`
	RateSource     RateSource `json:"rate_source"`

	CurrentBalance    float64 `json:"current_balance"`
	MonthlyPayment    float64 `json:"monthly_payment"`
	TermYears         int     `json:"term_years"`
	MonthsElapsed     int     `json:"months_elapsed"`
	PaymentsRemaining int     `json:"payments_remaining"`

	// EquityPercent and LTVPercent are rounded independently and may not sum to 100
	EquityPercent float64 `json:"equity_percent"`
	LTVPercent    float64 `json:"ltv_percent"`

	// AsOf is the "now" the estimate was computed for
	AsOf civil.Date `json:"as_of"`
}

// RefinanceSavings compares an existing loan with a refinance at a new rate.
type RefinanceSavings struct {
	CurrentMonthlyPayment float64   `json:"current_monthly_payment"`
	NewMonthlyPayment     float64   `json:"new_monthly_payment"`
	MonthlySavings        float64   `json:"monthly_savings"`
	TotalSavings          float64   `json:"total_savings"`
	ClosingCosts          float64   `json:"closing_costs"`
	BreakEvenMonths       BreakEven `json:"break_even_months"`
}

// SaleFacts is what a property-data provider knows about the last sale
type SaleFacts struct {
	PropertyID            string     `json:"property_id,omitempty"`
	SalePrice             float64    `json:"sale_price"`
	SaleDate              civil.Date `json:"sale_date"`
	CurrentEstimatedValue float64    `json:"current_estimated_value"`
	RecordedRate          float64    `json:"recorded_rate,omitempty"`
	RecordedLoanAmount    float64    `json:"recorded_loan_amount,omitempty"`
}

// ClosingCostPolicy is the single closing-cost assumption shared by the
// quote path and the refinance path.
type ClosingCostPolicy struct {
	// Percent of the principal, e.g. 3 for 3%
	Percent float64 `json:"percent"`

	// Flat amount added on top of the percentage
	Flat float64 `json:"flat"`
}

// DefaultClosingCostPolicy charges 3% of the principal
func DefaultClosingCostPolicy() ClosingCostPolicy {
	return ClosingCostPolicy{Percent: 3}
}

// Amount returns the closing costs for the given principal
func (p ClosingCostPolicy) Amount(principal float64) float64 {
	return p.Flat + principal*p.Percent/100
}
