// Package amortize provides the fixed-rate amortization primitives every other
// calculation is built on. All functions are pure.
package amortize

import (
	"math"

	"github.com/shopspring/decimal"
)

// monthlyRate converts an annual percentage rate to a monthly decimal rate
func monthlyRate(annualRatePct float64) float64 {
	return annualRatePct / 100 / 12
}

// MonthlyPayment returns the principal-and-interest payment of a fixed-rate loan.
//
//	M = P × r(1+r)^n / ((1+r)^n − 1)
//
// A rate of exactly zero pays the principal down linearly.
func MonthlyPayment(principal, annualRatePct float64, termYears int) float64 {
	return PaymentForMonths(principal, annualRatePct, termYears*12)
}

// PaymentForMonths is MonthlyPayment for a term expressed in months
func PaymentForMonths(principal, annualRatePct float64, months int) float64 {
	if months <= 0 {
		return 0
	}

	n := float64(months)
	if annualRatePct == 0 {
		return principal / n
	}

	r := monthlyRate(annualRatePct)
	growth := math.Pow(1+r, n)
	return principal * r * growth / (growth - 1)
}

// RemainingBalance returns the closed-form balance after monthsElapsed payments.
//
//	B = P × ((1+r)^n − (1+r)^p) / ((1+r)^n − 1)
//
// The result is clamped to [0, principal].
func RemainingBalance(principal, annualRatePct float64, termYears, monthsElapsed int) float64 {
	return BalanceAfterMonths(principal, annualRatePct, termYears*12, monthsElapsed)
}

// BalanceAfterMonths is RemainingBalance for a term expressed in months
func BalanceAfterMonths(principal, annualRatePct float64, months, monthsElapsed int) float64 {
	if monthsElapsed <= 0 {
		return math.Max(principal, 0)
	}
	if months <= 0 || monthsElapsed >= months {
		return 0
	}

	var balance float64
	if annualRatePct == 0 {
		balance = principal * (1 - float64(monthsElapsed)/float64(months))
	} else {
		r := monthlyRate(annualRatePct)
		full := math.Pow(1+r, float64(months))
		paid := math.Pow(1+r, float64(monthsElapsed))
		balance = principal * (full - paid) / (full - 1)
	}

	return math.Min(math.Max(balance, 0), principal)
}

// TotalInterest returns the interest paid over the full life of the loan
func TotalInterest(principal, annualRatePct float64, termYears int) float64 {
	months := termYears * 12
	payment := PaymentForMonths(principal, annualRatePct, months)
	return math.Max(payment*float64(months)-principal, 0)
}

// Round rounds v half away from zero on its shortest decimal representation,
// so 2.675 rounds to 2.68 regardless of binary float error.
func Round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// RoundCurrency rounds a money amount to whole currency units
func RoundCurrency(v float64) float64 {
	return Round(v, 0)
}

// RoundRate rounds an interest rate to three decimals
func RoundRate(v float64) float64 {
	return Round(v, 3)
}

// RoundPercent rounds a ratio expressed in percent to one decimal
func RoundPercent(v float64) float64 {
	return Round(v, 1)
}

// SumRates adds rate terms exactly in decimal and rounds the result to three decimals
func SumRates(base float64, deltas ...float64) float64 {
	total := decimal.NewFromFloat(base)
	for _, d := range deltas {
		total = total.Add(decimal.NewFromFloat(d))
	}
	return total.Round(3).InexactFloat64()
}
