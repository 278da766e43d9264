package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/mortgage-refi-engine/internal/circuitbreaker"
	"github.com/yourorg/mortgage-refi-engine/internal/ratehistory"
)

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateSources     *prometheus.CounterVec
	lookupErrors    prometheus.Counter
	circuitBreaker  prometheus.Gauge
	breakerTrips    prometheus.Counter
	adjustedRate    prometheus.Histogram
	noSavings       prometheus.Counter
}

// registerMetrics sets up Prometheus metrics collection on a dedicated registry
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortgage_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mortgage_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		rateSources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortgage_rate_resolutions_total",
				Help: "Historical rate resolutions by source",
			},
			[]string{"source"},
		),
		lookupErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mortgage_rate_lookup_errors_total",
				Help: "Rate history lookups that fell back to the heuristic table",
			},
		),
		circuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mortgage_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		breakerTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mortgage_circuit_breaker_trips_total",
				Help: "Times the rate history circuit breaker opened",
			},
		),
		adjustedRate: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mortgage_quoted_rate_percent",
				Help:    "Adjusted rates returned by rate estimates",
				Buckets: prometheus.LinearBuckets(2, 0.5, 20),
			},
		),
		noSavings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mortgage_refinance_no_savings_total",
				Help: "Refinance evaluations that produced no monthly savings",
			},
		),
	}

	m.registry.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.rateSources,
		m.lookupErrors,
		m.circuitBreaker,
		m.breakerTrips,
		m.adjustedRate,
		m.noSavings,
	)

	return m
}

// observeResolution is installed as the StoreResolver observer
func (m *serverMetrics) observeResolution(breaker *circuitbreaker.CircuitBreaker) ratehistory.Observer {
	return func(_ string, res ratehistory.Resolution, lookupErr error) {
		m.rateSources.WithLabelValues(string(res.Source)).Inc()
		if lookupErr != nil {
			m.lookupErrors.Inc()
		}
		if breaker != nil {
			m.circuitBreaker.Set(float64(breaker.GetState()))
		}
	}
}

// breakerTripped is installed as the circuit breaker trip callback
func (m *serverMetrics) breakerTripped(string) {
	m.circuitBreaker.Set(float64(circuitbreaker.StateOpen))
	m.breakerTrips.Inc()
}
