package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/yourorg/mortgage-refi-engine/internal/audit"
	"github.com/yourorg/mortgage-refi-engine/internal/circuitbreaker"
	"github.com/yourorg/mortgage-refi-engine/internal/config"
	"github.com/yourorg/mortgage-refi-engine/internal/estimator"
	"github.com/yourorg/mortgage-refi-engine/internal/fetch"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/otel"
	"github.com/yourorg/mortgage-refi-engine/internal/pricing"
	"github.com/yourorg/mortgage-refi-engine/internal/ratehistory"
	"github.com/yourorg/mortgage-refi-engine/internal/reconstruct"
	"github.com/yourorg/mortgage-refi-engine/internal/refinance"
	"github.com/yourorg/mortgage-refi-engine/internal/security"
	"github.com/yourorg/mortgage-refi-engine/internal/validation"
)

const (
	serviceVersion = "1.0.0"

	// maxRequestBytes bounds request bodies on the engine endpoints
	maxRequestBytes = 1 << 20
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

var errPropertyDataDisabled = errors.New("property lookups are not configured")

// saleFactsSource supplies last-sale facts for a property
type saleFactsSource interface {
	SaleFacts(ctx context.Context, propertyID string) (model.SaleFacts, error)
}

// Server exposes the engine over HTTP
type Server struct {
	config config.Config

	engine   *estimator.Engine
	resolver *ratehistory.StoreResolver
	breaker  *circuitbreaker.CircuitBreaker

	// Optional property-data provider for reconstruct-by-id
	properties saleFactsSource

	// Nil when metrics are disabled
	metrics *serverMetrics

	rateLimit *rate.Limiter
	signer    *security.QuoteSigner
	exporter  *audit.Exporter

	server *http.Server
	today  func() civil.Date
}

// NewServer wires the engine around a rate history lookup. lookup may be nil,
// in which case every historical rate comes from the heuristic table.
func NewServer(cfg config.Config, lookup ratehistory.Lookup, properties saleFactsSource) (*Server, error) {
	s := &Server{
		config:     cfg,
		properties: properties,
		today:      func() civil.Date { return civil.DateOf(time.Now().UTC()) },
	}

	s.breaker = circuitbreaker.New(circuitbreaker.Thresholds{
		MinRate:                cfg.BreakerMinRate,
		MaxRate:                cfg.BreakerMaxRate,
		MaxConsecutiveFailures: cfg.BreakerMaxFailures,
	}).WithResetDelay(cfg.CircuitResetDelay)

	s.resolver = ratehistory.NewStoreResolver(lookup, cfg.RateIndex, ratehistory.NewResolver(ratehistory.DefaultHeuristics())).
		WithBreaker(s.breaker).
		WithTimeout(cfg.LookupTimeout)

	if cfg.EnableMetrics {
		s.metrics = registerMetrics()
		s.breaker.WithTripCallback(s.metrics.breakerTripped)
		s.resolver.WithObserver(s.metrics.observeResolution(s.breaker))
	}

	s.engine = estimator.New(s.resolver, cfg.ClosingCosts)
	if cfg.RateRulesFile != "" {
		rules, err := pricing.LoadRules(cfg.RateRulesFile)
		if err != nil {
			return nil, err
		}
		s.engine.WithRules(rules)
	}

	if cfg.RateLimitRPS > 0 {
		s.rateLimit = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	if cfg.SignQuotes {
		var err error
		if cfg.QuoteSigningKey != "" {
			s.signer, err = security.NewQuoteSignerFromHex(cfg.QuoteSigningKey)
		} else {
			s.signer, err = security.NewQuoteSigner()
		}
		if err != nil {
			return nil, err
		}
	}

	s.exporter = audit.NewExporter(audit.ConfigFrom(cfg))

	logrus.WithFields(logrus.Fields{
		"port":          cfg.Port,
		"rate_index":    s.resolver.Index(),
		"rules_version": s.engine.RulesVersion(),
		"closing_costs": fmt.Sprintf("%.3g%% + %.0f", cfg.ClosingCosts.Percent, cfg.ClosingCosts.Flat),
		"metrics":       cfg.EnableMetrics,
		"signing":       s.signer != nil,
		"audit":         s.exporter.Enabled(),
		"property_data": properties != nil,
	}).Info("Server initialized")

	return s, nil
}

// Handler returns the HTTP routes of the service
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/rates/estimate", s.engineHandler("rates_estimate", audit.KindRateEstimate, s.estimateRate))
	mux.HandleFunc("POST /v1/mortgages/reconstruct", s.engineHandler("mortgages_reconstruct", audit.KindMortgageEstimate, s.reconstructMortgage))
	mux.HandleFunc("POST /v1/refinance/evaluate", s.engineHandler("refinance_evaluate", audit.KindRefinance, s.evaluateRefinance))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("/circuit", s.handleCircuitStatus)

	return mux
}

// Start begins the HTTP server and blocks until quit is closed, then shuts
// down gracefully and flushes pending audit records.
func (s *Server) Start(quit <-chan struct{}) error {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("error starting server: %w", err)
		}
	case <-quit:
	}

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.exporter.Stop(ctx)
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logrus.Info("Server stopped")
	return nil
}

// apiResponse is the envelope of every engine endpoint
type apiResponse struct {
	Status  string            `json:"status"`
	Data    any               `json:"data,omitempty"`
	Receipt *security.Receipt `json:"receipt,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// engineCall decodes a request body and runs one engine operation. It returns
// the decoded request for the audit trail alongside the result.
type engineCall func(ctx context.Context, body []byte) (request any, result any, err error)

// requestError marks a body the server could not decode
type requestError struct {
	err error
}

func (e *requestError) Error() string {
	return "invalid request body: " + e.err.Error()
}

func (e *requestError) Unwrap() error {
	return e.err
}

func decodeBody(body []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return &requestError{err: err}
	}
	return nil
}

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), validation.IsInvalidScenario(err):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrPropertyNotFound):
		return http.StatusNotFound
	case errors.Is(err, errPropertyDataDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// engineHandler applies rate limiting, tracing, metrics, signing and audit
// export around an engine call.
func (s *Server) engineHandler(endpoint string, kind audit.Kind, call engineCall) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if s.rateLimit != nil && !s.rateLimit.Allow() {
			s.errorResponse(w, endpoint, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		ctx, span := otel.StartSpan(r.Context(), "http."+endpoint, attribute.String("http.route", r.URL.Path))
		defer span.End()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			s.errorResponse(w, endpoint, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}

		request, result, err := call(ctx, body)
		if err != nil {
			otel.RecordError(ctx, err)
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				logrus.WithError(err).WithField("endpoint", endpoint).Error("Engine call failed")
			}
			s.errorResponse(w, endpoint, status, err.Error())
			return
		}

		response := apiResponse{Status: "success", Data: result}
		if s.signer != nil {
			receipt, err := s.signer.Sign(result)
			if err != nil {
				logrus.Warnf("Failed to sign %s result: %v", endpoint, err)
			} else {
				response.Receipt = &receipt
			}
		}

		s.exporter.Record(kind, request, result)

		if s.metrics != nil {
			s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			s.metrics.requestCounter.WithLabelValues(endpoint, "success").Inc()
		}

		writeJSON(w, http.StatusOK, response)
	}
}

type estimateRequest struct {
	BaseRate float64            `json:"base_rate"`
	Scenario model.LoanScenario `json:"scenario"`
}

func (s *Server) estimateRate(_ context.Context, body []byte) (any, any, error) {
	var req estimateRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, nil, err
	}

	estimate, err := s.engine.EstimateRate(req.BaseRate, req.Scenario)
	if err != nil {
		return req, nil, err
	}
	if s.metrics != nil {
		s.metrics.adjustedRate.Observe(estimate.AdjustedRate)
	}
	return req, estimate, nil
}

// reconstructRequest selects one of three inputs: a property id resolved
// through the property-data provider, a known loan amount, or a sale.
type reconstructRequest struct {
	PropertyID string  `json:"property_id,omitempty"`
	LoanAmount float64 `json:"loan_amount,omitempty"`
	reconstruct.SaleInput
}

func (s *Server) reconstructMortgage(ctx context.Context, body []byte) (any, any, error) {
	var req reconstructRequest
	if err := decodeBody(body, &req); err != nil {
		return nil, nil, err
	}
	if !req.Now.IsValid() {
		req.Now = s.today()
	}

	var (
		estimate model.MortgageEstimate
		err      error
	)
	switch {
	case req.PropertyID != "":
		if s.properties == nil {
			return req, nil, errPropertyDataDisabled
		}
		facts, factsErr := s.properties.SaleFacts(ctx, req.PropertyID)
		if factsErr != nil {
			return req, nil, factsErr
		}
		estimate, err = s.engine.FromSaleFacts(ctx, facts, req.Now)
	case req.LoanAmount > 0:
		estimate, err = s.engine.Reconstruct(ctx, reconstruct.Input{
			LoanAmount:           req.LoanAmount,
			OriginationDate:      req.SaleDate,
			RecordedRate:         req.RecordedRate,
			CurrentPropertyValue: req.CurrentValue,
			TermYears:            req.TermYears,
			Now:                  req.Now,
		})
	default:
		estimate, err = s.engine.ReconstructFromSale(ctx, req.SaleInput)
	}
	if err != nil {
		return req, nil, err
	}
	return req, estimate, nil
}

// refinanceResponse carries the offer policy verdict next to the savings
type refinanceResponse struct {
	model.RefinanceSavings
	ShouldOffer bool `json:"should_offer"`
}

func (s *Server) evaluateRefinance(_ context.Context, body []byte) (any, any, error) {
	var req refinance.Input
	if err := decodeBody(body, &req); err != nil {
		return nil, nil, err
	}

	savings, err := s.engine.EvaluateRefinance(req)
	if err != nil {
		return req, nil, err
	}
	if s.metrics != nil && !savings.BreakEvenMonths.IsFinite() {
		s.metrics.noSavings.Inc()
	}
	return req, refinanceResponse{
		RefinanceSavings: savings,
		ShouldOffer:      refinance.ShouldOffer(req.CurrentRate, req.NewRate, refinance.DefaultMinRateSpread),
	}, nil
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   serviceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": serviceVersion,
		"configuration": map[string]any{
			"rate_history_backend": s.config.RateHistoryBackend,
			"rate_index":           s.resolver.Index(),
			"rules_version":        s.engine.RulesVersion(),
			"heuristics_version":   ratehistory.DefaultHeuristics().Version(),
			"closing_costs":        s.engine.ClosingCosts(),
			"property_data":        s.properties != nil,
		},
		"circuit_state": s.breaker.GetState(),
		"audit":         s.exporter.Status(),
	}
	if s.signer != nil {
		status["signing_public_key"] = s.signer.PublicKey()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and controlling the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if r.URL.Query().Get("action") != "reset" {
			http.Error(w, "Unknown action", http.StatusBadRequest)
			return
		}
		s.breaker.Reset()
		response["message"] = "Circuit breaker reset"
		if s.metrics != nil {
			s.metrics.circuitBreaker.Set(float64(s.breaker.GetState()))
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response["state"] = s.breaker.GetState()
	if point, ok := s.breaker.LastGood(); ok {
		response["last_good"] = point
	}

	writeJSON(w, http.StatusOK, response)
}

// errorResponse returns a formatted error response
func (s *Server) errorResponse(w http.ResponseWriter, endpoint string, statusCode int, errorMsg string) {
	logrus.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"status":   statusCode,
	}).Warn(errorMsg)

	if s.metrics != nil {
		s.metrics.requestCounter.WithLabelValues(endpoint, "error").Inc()
	}

	writeJSON(w, statusCode, apiResponse{Status: "error", Error: errorMsg})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("Failed to write response: %v", err)
	}
}
