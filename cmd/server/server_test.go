package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/mortgage-refi-engine/internal/circuitbreaker"
	"github.com/yourorg/mortgage-refi-engine/internal/config"
	"github.com/yourorg/mortgage-refi-engine/internal/fetch"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/ratehistory"
	"github.com/yourorg/mortgage-refi-engine/internal/security"
	"github.com/yourorg/mortgage-refi-engine/internal/store"
)

const testSigningKey = "289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"

func testConfig() config.Config {
	return config.Config{
		Port:               "0",
		RateHistoryBackend: config.BackendMemory,
		RateIndex:          model.DefaultRateIndex,
		ClosingCosts:       model.DefaultClosingCostPolicy(),
		LookupTimeout:      time.Second,
		BreakerMinRate:     0.5,
		BreakerMaxRate:     25,
		BreakerMaxFailures: 5,
		CircuitResetDelay:  time.Minute,
		EnableMetrics:      true,
	}
}

func newTestServer(t *testing.T, cfg config.Config, lookup ratehistory.Lookup, properties saleFactsSource) *Server {
	t.Helper()
	s, err := NewServer(cfg, lookup, properties)
	require.NoError(t, err)
	s.today = func() civil.Date { return civil.Date{Year: 2024, Month: 3, Day: 15} }
	t.Cleanup(func() { s.exporter.Stop(context.Background()) })
	return s
}

type envelope struct {
	Status  string            `json:"status"`
	Data    json.RawMessage   `json:"data"`
	Receipt *security.Receipt `json:"receipt"`
	Error   string            `json:"error"`
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

const baselineQuote = `{
	"base_rate": 6.5,
	"scenario": {
		"loan_amount": 400000,
		"property_value": 560000,
		"loan_type": "conventional",
		"property_type": "single_family",
		"occupancy": "primary",
		"credit_score": 740
	}
}`

func TestEstimateRate(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	rec, env := do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", env.Status)
	assert.Nil(t, env.Receipt)

	var estimate model.RateEstimate
	require.NoError(t, json.Unmarshal(env.Data, &estimate))
	assert.Equal(t, 6.5, estimate.AdjustedRate)
	assert.Empty(t, estimate.Adjustments)
	assert.InDelta(t, 2528, estimate.MonthlyPayment, 1)
	assert.Equal(t, 12000.0, estimate.ClosingCosts)
	assert.Equal(t, "2025.1", estimate.RulesVersion)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.requestCounter.WithLabelValues("rates_estimate", "success")))
}

func TestEstimateRate_IsDeterministic(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	first, _ := do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)
	second, _ := do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestEngineEndpoints_BadRequests(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		body      string
		wantError string
	}{
		{name: "invalid scenario", path: "/v1/rates/estimate", body: `{"base_rate":6.5,"scenario":{"loan_amount":-1,"property_value":500000}}`, wantError: "loan_amount"},
		{name: "negative base rate", path: "/v1/rates/estimate", body: `{"base_rate":-1,"scenario":{"loan_amount":1,"property_value":2}}`, wantError: "base_rate"},
		{name: "unknown field", path: "/v1/rates/estimate", body: `{"base":6.5}`, wantError: "invalid request body"},
		{name: "malformed json", path: "/v1/refinance/evaluate", body: `{"current_balance":`, wantError: "invalid request body"},
		{name: "zero term", path: "/v1/refinance/evaluate", body: `{"current_balance":1000,"current_rate":5,"new_rate":4,"remaining_term_years":0}`, wantError: "remaining_term_years"},
		{name: "ltv above 100", path: "/v1/mortgages/reconstruct", body: `{"sale_price":500000,"sale_date":"2021-03-15","current_value":600000,"assumed_origination_ltv":120}`, wantError: "assumed_origination_ltv"},
		{name: "missing sale date", path: "/v1/mortgages/reconstruct", body: `{"sale_price":500000,"current_value":600000}`, wantError: "origination_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testConfig(), nil, nil)

			rec, env := do(t, s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "error", env.Status)
			assert.Contains(t, env.Error, tt.wantError)
		})
	}
}

func TestEngineEndpoints_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	for _, path := range []string{"/v1/rates/estimate", "/v1/mortgages/reconstruct", "/v1/refinance/evaluate"} {
		rec, _ := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestReconstruct_FromSaleUsesRateHistory(t *testing.T) {
	memory := store.NewMemoryStore()
	memory.Put(model.DefaultRateIndex, []model.RatePoint{
		{Date: civil.Date{Year: 2021, Month: 3, Day: 11}, Value: 3.05},
		{Date: civil.Date{Year: 2021, Month: 3, Day: 18}, Value: 3.09},
	})
	s := newTestServer(t, testConfig(), memory, nil)

	rec, env := do(t, s, http.MethodPost, "/v1/mortgages/reconstruct", `{
		"sale_price": 500000,
		"sale_date": "2021-03-15",
		"current_value": 650000
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var estimate model.MortgageEstimate
	require.NoError(t, json.Unmarshal(env.Data, &estimate))
	assert.Equal(t, 400000.0, estimate.OriginalAmount)
	assert.Equal(t, 3.05, estimate.OriginalRate)
	assert.Equal(t, model.SourceHistoricalSeries, estimate.RateSource)
	assert.Equal(t, 36, estimate.MonthsElapsed)
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 15}, estimate.AsOf, "now defaults to the server clock")

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.rateSources.WithLabelValues(string(model.SourceHistoricalSeries))))
}

func TestReconstruct_HeuristicFallbackIsCounted(t *testing.T) {
	s := newTestServer(t, testConfig(), store.NewMemoryStore(), nil)

	rec, env := do(t, s, http.MethodPost, "/v1/mortgages/reconstruct", `{
		"sale_price": 500000,
		"sale_date": "2021-03-15",
		"current_value": 650000,
		"now": "2024-03-15"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var estimate model.MortgageEstimate
	require.NoError(t, json.Unmarshal(env.Data, &estimate))
	assert.Equal(t, 3.0, estimate.OriginalRate)
	assert.Equal(t, model.SourceHeuristic, estimate.RateSource)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.rateSources.WithLabelValues(string(model.SourceHeuristic))))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.lookupErrors))
}

func TestReconstruct_KnownLoanAmount(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	rec, env := do(t, s, http.MethodPost, "/v1/mortgages/reconstruct", `{
		"loan_amount": 300000,
		"sale_date": "2019-06-01",
		"recorded_rate": 4.125,
		"current_value": 450000,
		"now": "2024-06-01"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var estimate model.MortgageEstimate
	require.NoError(t, json.Unmarshal(env.Data, &estimate))
	assert.Equal(t, 300000.0, estimate.OriginalAmount)
	assert.Equal(t, 4.125, estimate.OriginalRate)
	assert.Equal(t, model.SourceRecorded, estimate.RateSource)
}

type fakeProperties struct {
	facts map[string]model.SaleFacts
}

func (f *fakeProperties) SaleFacts(_ context.Context, id string) (model.SaleFacts, error) {
	facts, ok := f.facts[id]
	if !ok {
		return model.SaleFacts{}, fmt.Errorf("%w: %s", fetch.ErrPropertyNotFound, id)
	}
	return facts, nil
}

func TestReconstruct_ByPropertyID(t *testing.T) {
	properties := &fakeProperties{facts: map[string]model.SaleFacts{
		"prop-1": {
			PropertyID:            "prop-1",
			SalePrice:             500000,
			SaleDate:              civil.Date{Year: 2021, Month: 3, Day: 15},
			CurrentEstimatedValue: 650000,
			RecordedRate:          2.875,
		},
	}}
	s := newTestServer(t, testConfig(), nil, properties)

	rec, env := do(t, s, http.MethodPost, "/v1/mortgages/reconstruct", `{"property_id":"prop-1","now":"2024-03-15"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var estimate model.MortgageEstimate
	require.NoError(t, json.Unmarshal(env.Data, &estimate))
	assert.Equal(t, 400000.0, estimate.OriginalAmount)
	assert.Equal(t, 2.875, estimate.OriginalRate)
	assert.Equal(t, model.SourceRecorded, estimate.RateSource)

	rec, env = do(t, s, http.MethodPost, "/v1/mortgages/reconstruct", `{"property_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, env.Error, "property not found")
}

func TestReconstruct_ByPropertyIDWithoutProvider(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	rec, env := do(t, s, http.MethodPost, "/v1/mortgages/reconstruct", `{"property_id":"prop-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, errPropertyDataDisabled.Error(), env.Error)
}

func TestEvaluateRefinance(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantBreakEven string
		wantOffer     bool
	}{
		{
			name:          "savings with policy closing costs",
			body:          `{"current_balance":500000,"current_rate":7,"new_rate":6,"remaining_term_years":25}`,
			wantBreakEven: `49`,
			wantOffer:     true,
		},
		{
			name:          "savings with explicit closing costs",
			body:          `{"current_balance":500000,"current_rate":7,"new_rate":6,"remaining_term_years":25,"closing_costs":3000}`,
			wantBreakEven: `10`,
			wantOffer:     true,
		},
		{
			name:          "higher rate never breaks even",
			body:          `{"current_balance":500000,"current_rate":7,"new_rate":7.5,"remaining_term_years":25}`,
			wantBreakEven: `"no_savings"`,
			wantOffer:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testConfig(), nil, nil)

			rec, env := do(t, s, http.MethodPost, "/v1/refinance/evaluate", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var result map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(env.Data, &result))
			assert.JSONEq(t, tt.wantBreakEven, string(result["break_even_months"]))
			assert.JSONEq(t, fmt.Sprintf("%t", tt.wantOffer), string(result["should_offer"]))
		})
	}
}

func TestEvaluateRefinance_CountsNoSavings(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	do(t, s, http.MethodPost, "/v1/refinance/evaluate", `{"current_balance":500000,"current_rate":7,"new_rate":7.5,"remaining_term_years":25}`)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.noSavings))
}

func TestSignedQuotes(t *testing.T) {
	cfg := testConfig()
	cfg.SignQuotes = true
	cfg.QuoteSigningKey = testSigningKey
	s := newTestServer(t, cfg, nil, nil)

	rec, env := do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, env.Receipt)

	assert.NoError(t, security.VerifyFrom(*env.Receipt, s.signer.PublicKey()))
	assert.JSONEq(t, string(env.Data), string(env.Receipt.Payload))
}

func TestNewServer_InvalidSigningKey(t *testing.T) {
	cfg := testConfig()
	cfg.SignQuotes = true
	cfg.QuoteSigningKey = "not-a-key"

	_, err := NewServer(cfg, nil, nil)
	assert.Error(t, err)
}

func TestNewServer_RulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "test-1"
rules:
  - factor: ARM
    field: arm
    equals: true
    delta: -0.25
    reason: "Introductory ARM pricing"
`), 0o600))

	cfg := testConfig()
	cfg.RateRulesFile = path
	s := newTestServer(t, cfg, nil, nil)
	assert.Equal(t, "test-1", s.engine.RulesVersion())

	cfg.RateRulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewServer(cfg, nil, nil)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	s := newTestServer(t, cfg, nil, nil)

	rec, _ := do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded", env.Error)
}

func TestAuditExport(t *testing.T) {
	var (
		mu    sync.Mutex
		kinds []string
	)
	webhook := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var payload struct {
			Records []struct {
				Kind string `json:"kind"`
			} `json:"records"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		mu.Lock()
		defer mu.Unlock()
		for _, record := range payload.Records {
			kinds = append(kinds, record.Kind)
		}
	}))
	defer webhook.Close()

	cfg := testConfig()
	cfg.AuditWebhookURL = webhook.URL
	cfg.AuditBatchSize = 10
	cfg.AuditInterval = time.Hour
	s, err := NewServer(cfg, nil, nil)
	require.NoError(t, err)

	do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)
	do(t, s, http.MethodPost, "/v1/refinance/evaluate", `{"current_balance":500000,"current_rate":7,"new_rate":6,"remaining_term_years":25}`)
	do(t, s, http.MethodPost, "/v1/rates/estimate", `{"base_rate":-1}`)

	s.exporter.Stop(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"rate_estimate", "refinance_evaluation"}, kinds, "failed calls are not audited")
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	rec, _ := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"OK"`)

	rec, _ = do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		CircuitState  string         `json:"circuit_state"`
		Configuration map[string]any `json:"configuration"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "closed", status.CircuitState)
	assert.Equal(t, "2025.1", status.Configuration["rules_version"])
	assert.Equal(t, model.DefaultRateIndex, status.Configuration["rate_index"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)
	do(t, s, http.MethodPost, "/v1/rates/estimate", baselineQuote)

	rec, _ := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mortgage_requests_total{endpoint="rates_estimate",status="success"} 1`)
	assert.Contains(t, rec.Body.String(), "mortgage_quoted_rate_percent")

	cfg := testConfig()
	cfg.EnableMetrics = false
	disabled := newTestServer(t, cfg, nil, nil)
	rec, _ = do(t, disabled, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCircuitEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil, nil)

	rec, _ := do(t, s, http.MethodGet, "/circuit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"closed"`)

	rec, _ = do(t, s, http.MethodPost, "/circuit?action=reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Circuit breaker reset")

	rec, _ = do(t, s, http.MethodPost, "/circuit?action=explode", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s, http.MethodDelete, "/circuit", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCircuitBreakerTripIsCounted(t *testing.T) {
	rates := store.NewMemoryStore()
	rates.Put(model.DefaultRateIndex, []model.RatePoint{{Date: civil.Date{Year: 2021, Month: 3, Day: 11}, Value: 0.3}})
	s := newTestServer(t, testConfig(), rates, nil)

	rec, env := do(t, s, http.MethodPost, "/v1/mortgages/reconstruct", `{
		"sale_price": 500000,
		"sale_date": "2021-03-15",
		"current_value": 650000,
		"now": "2024-03-15"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var estimate model.MortgageEstimate
	require.NoError(t, json.Unmarshal(env.Data, &estimate))
	assert.Equal(t, model.SourceHeuristic, estimate.RateSource)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.breakerTrips) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(s.metrics.circuitBreaker))

	rec, _ = do(t, s, http.MethodPost, "/circuit?action=reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(circuitbreaker.StateClosed), testutil.ToFloat64(s.metrics.circuitBreaker))
}

func TestNewRateLookup(t *testing.T) {
	ctx := context.Background()

	lookup, closeFn, err := newRateLookup(ctx, testConfig())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &store.MemoryStore{}, lookup)

	path := filepath.Join(t.TempDir(), "rates.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"series":[{"index":"30-year fixed","points":[{"date":"2021-03-11","value":3.05}]}]}`), 0o600))
	cfg := testConfig()
	cfg.RateHistoryFile = path
	lookup, _, err = newRateLookup(ctx, cfg)
	require.NoError(t, err)
	point, found, err := lookup.LatestAtOrBefore(ctx, model.DefaultRateIndex, civil.Date{Year: 2021, Month: 3, Day: 15})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3.05, point.Value)

	cfg = testConfig()
	cfg.RateHistoryBackend = config.BackendHTTP
	_, _, err = newRateLookup(ctx, cfg)
	assert.Error(t, err, "http backend needs a URL")

	cfg.RateHistoryURL = "http://rates.internal"
	lookup, closeFn, err = newRateLookup(ctx, cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &store.CachedLookup{}, lookup)

	cfg = testConfig()
	cfg.RateHistoryBackend = "ftp"
	_, _, err = newRateLookup(ctx, cfg)
	assert.Error(t, err)
}
