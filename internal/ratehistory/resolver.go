package ratehistory

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

// Resolution is the rate resolved for a day together with its provenance
type Resolution struct {
	Rate   float64          `json:"rate"`
	Source model.RateSource `json:"source"`

	// ObservedOn is the observation date, set for historical_series resolutions
	ObservedOn civil.Date `json:"observed_on"`

	// HeuristicsVersion is set for heuristic resolutions
	HeuristicsVersion string `json:"heuristics_version,omitempty"`
}

// Resolver picks the rate in effect on a day. It holds no mutable state and is
// safe for concurrent use.
type Resolver struct {
	heuristics HeuristicTable
}

// NewResolver creates a resolver that falls back to the given table
func NewResolver(heuristics HeuristicTable) *Resolver {
	return &Resolver{heuristics: heuristics}
}

// Heuristics returns the fallback table of the resolver
func (r *Resolver) Heuristics() HeuristicTable {
	return r.heuristics
}

// Resolve returns the value of the latest observation dated on or before target.
// When the series is empty or every observation postdates target, it returns
// the heuristic rate for target instead.
func (r *Resolver) Resolve(target civil.Date, series []model.RatePoint) Resolution {
	if point, ok := LatestAtOrBefore(series, target); ok {
		return Resolution{
			Rate:       point.Value,
			Source:     model.SourceHistoricalSeries,
			ObservedOn: point.Date,
		}
	}
	return r.Fallback(target)
}

// Fallback returns the heuristic resolution for target
func (r *Resolver) Fallback(target civil.Date) Resolution {
	return Resolution{
		Rate:              r.heuristics.Rate(target),
		Source:            model.SourceHeuristic,
		HeuristicsVersion: r.heuristics.Version(),
	}
}

// LatestAtOrBefore returns the most recent observation dated on or before target.
// Among observations sharing a date the last one in the series wins.
func LatestAtOrBefore(series []model.RatePoint, target civil.Date) (model.RatePoint, bool) {
	var (
		best  model.RatePoint
		found bool
	)
	for _, p := range series {
		if p.Date.After(target) {
			continue
		}
		if !found || !p.Date.Before(best.Date) {
			best = p
			found = true
		}
	}
	return best, found
}

// SeriesResolver resolves against a series already held in memory
type SeriesResolver struct {
	resolver *Resolver
	series   []model.RatePoint
}

// NewSeriesResolver binds a resolver to a fixed series
func NewSeriesResolver(resolver *Resolver, series []model.RatePoint) *SeriesResolver {
	return &SeriesResolver{resolver: resolver, series: series}
}

// ResolveAt implements the reconstructor's rate lookup without any I/O
func (s *SeriesResolver) ResolveAt(_ context.Context, target civil.Date) Resolution {
	return s.resolver.Resolve(target, s.series)
}
