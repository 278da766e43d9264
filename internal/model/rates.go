package model

import (
	"cloud.google.com/go/civil"
)

// DefaultRateIndex is the rate series used to infer historical loan rates
const DefaultRateIndex = "30-year fixed"

// RatePoint is a single observation of a rate index, in percent
type RatePoint struct {
	Date  civil.Date `json:"date"`
	Value float64    `json:"value"`
}

// RateSeries is a date-sorted list of observations for one index
type RateSeries struct {
	Index  string      `json:"index"`
	Points []RatePoint `json:"points"`
}
