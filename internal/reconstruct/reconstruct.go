// Package reconstruct rebuilds a plausible historical loan from what is known
// about a property and projects it to a given day.
package reconstruct

import (
	"context"
	"fmt"
	"math"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/mortgage-refi-engine/internal/amortize"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/otel"
	"github.com/yourorg/mortgage-refi-engine/internal/ratehistory"
	"github.com/yourorg/mortgage-refi-engine/internal/validation"
)

const (
	// DefaultOriginationLTV is the assumed loan-to-value at purchase, in percent
	DefaultOriginationLTV = 80.0

	// DaysPerMonth is the average month length used for elapsed-month math
	DaysPerMonth = 30.44
)

// RateResolver returns the rate in effect on a day. Implementations never fail;
// they fall back to a heuristic and say so in the resolution source.
type RateResolver interface {
	ResolveAt(ctx context.Context, target civil.Date) ratehistory.Resolution
}

// Input describes a loan whose amount is known
type Input struct {
	LoanAmount      float64    `json:"loan_amount"`
	OriginationDate civil.Date `json:"origination_date"`

	// RecordedRate is used as-is when greater than zero
	RecordedRate float64 `json:"recorded_rate,omitempty"`

	CurrentPropertyValue float64 `json:"current_property_value"`

	// TermYears defaults to model.DefaultLoanTermYears
	TermYears int `json:"term_years,omitempty"`

	// Now is the day the loan is projected to; it is required
	Now civil.Date `json:"now"`
}

// SaleInput describes a loan inferred from the last sale of a property
type SaleInput struct {
	SalePrice    float64    `json:"sale_price"`
	SaleDate     civil.Date `json:"sale_date"`
	CurrentValue float64    `json:"current_value"`

	// AssumedOriginationLTV defaults to DefaultOriginationLTV
	AssumedOriginationLTV float64 `json:"assumed_origination_ltv,omitempty"`

	RecordedRate float64    `json:"recorded_rate,omitempty"`
	TermYears    int        `json:"term_years,omitempty"`
	Now          civil.Date `json:"now"`
}

// Reconstructor builds MortgageEstimates. It is safe for concurrent use when
// its RateResolver is.
type Reconstructor struct {
	rates RateResolver
}

// New creates a reconstructor. A nil resolver resolves every date from the
// default heuristic table.
func New(rates RateResolver) *Reconstructor {
	if rates == nil {
		rates = ratehistory.NewSeriesResolver(ratehistory.NewResolver(ratehistory.DefaultHeuristics()), nil)
	}
	return &Reconstructor{rates: rates}
}

// MonthsElapsed returns the whole months between two days using the average
// month length, clamped at zero.
func MonthsElapsed(from, now civil.Date) int {
	days := now.DaysSince(from)
	if days <= 0 {
		return 0
	}
	return int(math.Floor(float64(days) / DaysPerMonth))
}

// Reconstruct projects a loan of known amount to in.Now
func (r *Reconstructor) Reconstruct(ctx context.Context, in Input) (model.MortgageEstimate, error) {
	if in.TermYears == 0 {
		in.TermYears = model.DefaultLoanTermYears
	}
	if err := validateInput(in); err != nil {
		return model.MortgageEstimate{}, err
	}

	ctx, span := otel.StartSpan(ctx, "reconstruct.mortgage",
		attribute.String("origination_date", in.OriginationDate.String()),
		attribute.String("as_of", in.Now.String()),
	)
	defer span.End()

	rate, source := in.RecordedRate, model.SourceRecorded
	if rate <= 0 {
		res := r.rates.ResolveAt(ctx, in.OriginationDate)
		rate, source = res.Rate, res.Source
	}
	span.SetAttributes(attribute.String("rate.source", string(source)))

	termMonths := in.TermYears * 12
	elapsed := MonthsElapsed(in.OriginationDate, in.Now)

	balance := amortize.RoundCurrency(amortize.RemainingBalance(in.LoanAmount, rate, in.TermYears, elapsed))
	balance = math.Min(balance, in.LoanAmount)

	estimate := model.MortgageEstimate{
		OriginalAmount:    in.LoanAmount,
		OriginalDate:      in.OriginationDate,
		OriginalRate:      amortize.RoundRate(rate),
		RateSource:        source,
		CurrentBalance:    balance,
		MonthlyPayment:    amortize.RoundCurrency(amortize.MonthlyPayment(in.LoanAmount, rate, in.TermYears)),
		TermYears:         in.TermYears,
		MonthsElapsed:     elapsed,
		PaymentsRemaining: max(0, termMonths-elapsed),
		EquityPercent:     amortize.RoundPercent((in.CurrentPropertyValue - balance) / in.CurrentPropertyValue * 100),
		LTVPercent:        amortize.RoundPercent(balance / in.CurrentPropertyValue * 100),
		AsOf:              in.Now,
	}

	logrus.WithFields(logrus.Fields{
		"original_date":  in.OriginationDate.String(),
		"rate":           estimate.OriginalRate,
		"rate_source":    source,
		"months_elapsed": elapsed,
	}).Debug("Mortgage reconstructed")

	return estimate, nil
}

// ReconstructFromSale derives the loan amount from the sale price and an
// assumed origination LTV, then reconstructs it.
func (r *Reconstructor) ReconstructFromSale(ctx context.Context, in SaleInput) (model.MortgageEstimate, error) {
	ltv := in.AssumedOriginationLTV
	if ltv == 0 {
		ltv = DefaultOriginationLTV
	}
	if err := validation.First(
		validation.Positive("sale_price", in.SalePrice),
		validation.Positive("assumed_origination_ltv", ltv),
	); err != nil {
		return model.MortgageEstimate{}, err
	}
	if ltv > 100 {
		return model.MortgageEstimate{}, validation.Invalid("assumed_origination_ltv", "must be at most 100")
	}

	return r.Reconstruct(ctx, Input{
		LoanAmount:           in.SalePrice * ltv / 100,
		OriginationDate:      in.SaleDate,
		RecordedRate:         in.RecordedRate,
		CurrentPropertyValue: in.CurrentValue,
		TermYears:            in.TermYears,
		Now:                  in.Now,
	})
}

// FromSaleFacts reconstructs the loan described by a property-data record.
// A recorded loan amount takes precedence over the sale-price derivation.
func (r *Reconstructor) FromSaleFacts(ctx context.Context, facts model.SaleFacts, now civil.Date) (model.MortgageEstimate, error) {
	if facts.RecordedLoanAmount > 0 {
		return r.Reconstruct(ctx, Input{
			LoanAmount:           facts.RecordedLoanAmount,
			OriginationDate:      facts.SaleDate,
			RecordedRate:         facts.RecordedRate,
			CurrentPropertyValue: facts.CurrentEstimatedValue,
			Now:                  now,
		})
	}
	return r.ReconstructFromSale(ctx, SaleInput{
		SalePrice:    facts.SalePrice,
		SaleDate:     facts.SaleDate,
		CurrentValue: facts.CurrentEstimatedValue,
		RecordedRate: facts.RecordedRate,
		Now:          now,
	})
}

func validateInput(in Input) error {
	if err := validation.First(
		validation.Positive("loan_amount", in.LoanAmount),
		validation.Positive("current_property_value", in.CurrentPropertyValue),
		validation.PositiveInt("term_years", in.TermYears),
		validation.NonNegative("recorded_rate", in.RecordedRate),
	); err != nil {
		return err
	}
	if in.TermYears > validation.MaxTermYears {
		return validation.Invalid("term_years", fmt.Sprintf("must be at most %d", validation.MaxTermYears))
	}
	if !in.OriginationDate.IsValid() {
		return validation.Invalid("origination_date", "must be a valid date")
	}
	if !in.Now.IsValid() {
		return validation.Invalid("now", "must be a valid date")
	}
	return nil
}
