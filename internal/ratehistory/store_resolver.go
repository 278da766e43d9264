package ratehistory

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/mortgage-refi-engine/internal/circuitbreaker"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/otel"
)

// Lookup answers "given an index name and a date, return the most recent
// observation at or before that date, or none".
type Lookup interface {
	LatestAtOrBefore(ctx context.Context, index string, date civil.Date) (model.RatePoint, bool, error)
}

// Observer is notified of every resolution made by a StoreResolver.
// lookupErr is the reason the store was not used, if any.
type Observer func(index string, res Resolution, lookupErr error)

// errNoObservation is reported to observers when the store had nothing on or before the date
var errNoObservation = errors.New("no observation on or before date")

// StoreResolver resolves rates against an external store. Any failure of the
// store degrades to the heuristic table; ResolveAt never fails and never
// outlives the caller's context.
type StoreResolver struct {
	lookup   Lookup
	index    string
	resolver *Resolver
	breaker  *circuitbreaker.CircuitBreaker
	observer Observer
	timeout  time.Duration
}

// NewStoreResolver creates a resolver reading the given index from lookup
func NewStoreResolver(lookup Lookup, index string, resolver *Resolver) *StoreResolver {
	if index == "" {
		index = model.DefaultRateIndex
	}
	return &StoreResolver{
		lookup:   lookup,
		index:    index,
		resolver: resolver,
	}
}

// WithBreaker guards the store with a circuit breaker
func (s *StoreResolver) WithBreaker(cb *circuitbreaker.CircuitBreaker) *StoreResolver {
	s.breaker = cb
	return s
}

// WithTimeout bounds each store lookup; zero leaves it to the caller's context
func (s *StoreResolver) WithTimeout(d time.Duration) *StoreResolver {
	s.timeout = d
	return s
}

// WithObserver registers a callback invoked after each resolution
func (s *StoreResolver) WithObserver(o Observer) *StoreResolver {
	s.observer = o
	return s
}

// Index returns the rate index the resolver reads
func (s *StoreResolver) Index() string {
	return s.index
}

// ResolveAt returns the rate in effect on target
func (s *StoreResolver) ResolveAt(ctx context.Context, target civil.Date) Resolution {
	ctx, span := otel.StartSpan(ctx, "ratehistory.resolve",
		attribute.String("rate.index", s.index),
		attribute.String("rate.date", target.String()),
	)
	defer span.End()

	res, err := s.resolve(ctx, target)
	span.SetAttributes(
		attribute.String("rate.source", string(res.Source)),
		attribute.Float64("rate.value", res.Rate),
	)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"index":  s.index,
			"date":   target.String(),
			"reason": err.Error(),
			"rate":   res.Rate,
		}).Warn("Rate history unavailable, using heuristic rate")
	}

	if s.observer != nil {
		s.observer(s.index, res, err)
	}
	return res
}

func (s *StoreResolver) resolve(ctx context.Context, target civil.Date) (Resolution, error) {
	if s.lookup == nil {
		return s.resolver.Fallback(target), errors.New("no rate history store configured")
	}

	if s.breaker != nil {
		if err := s.breaker.Allow(); err != nil {
			return s.resolver.Fallback(target), err
		}
	}

	lookupCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	point, found, err := s.lookup.LatestAtOrBefore(lookupCtx, s.index, target)
	if err == nil {
		err = lookupCtx.Err()
	}
	if err != nil {
		otel.RecordError(ctx, err)
		if s.breaker != nil {
			s.breaker.RecordFailure(err)
		}
		return s.resolver.Fallback(target), err
	}

	if !found {
		if s.breaker != nil {
			s.breaker.RecordSuccess()
		}
		return s.resolver.Fallback(target), errNoObservation
	}

	// Stores must honour the on-or-before contract; reuse the pure resolver to enforce it.
	res := s.resolver.Resolve(target, []model.RatePoint{point})
	if res.Source != model.SourceHistoricalSeries {
		return res, errors.New("store returned an observation after the requested date")
	}

	if s.breaker != nil {
		if err := s.breaker.Check(point); err != nil {
			return s.resolver.Fallback(target), err
		}
	}

	logrus.WithFields(logrus.Fields{
		"index":    s.index,
		"date":     target.String(),
		"observed": point.Date.String(),
		"rate":     point.Value,
	}).Debug("Resolved rate from history store")
	return res, nil
}
