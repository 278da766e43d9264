// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

// Rate history backends
const (
	BackendMemory    = "memory"
	BackendHTTP      = "http"
	BackendFirestore = "firestore"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	LogFormat string
	LogLevel  string

	// Where historical rate observations come from: memory, http or firestore
	RateHistoryBackend string
	RateHistoryURL     string
	RateHistoryFile    string
	RateIndex          string
	FirestoreProject   string

	// Property-data provider supplying sale facts
	PropertyDataURL string

	// API keys for upstream services, keyed by service name
	APIKeys map[string]string

	// Lookup caching; RedisAddr empty disables the shared tier
	RedisAddr string
	CacheSize int
	CacheTTL  time.Duration

	// LookupTimeout bounds a single rate history lookup
	LookupTimeout time.Duration

	// Closing cost assumption shared by quotes and refinance evaluations
	ClosingCosts model.ClosingCostPolicy

	// Optional YAML file replacing the built-in rate adjustment rules
	RateRulesFile string

	// Circuit breaker settings
	BreakerMinRate     float64
	BreakerMaxRate     float64
	BreakerMaxFailures int
	CircuitResetDelay  time.Duration

	// Request limiting
	RateLimitRPS   float64
	RateLimitBurst int

	EnableMetrics bool

	// Signed quote receipts; an empty key generates one at startup
	SignQuotes      bool
	QuoteSigningKey string

	// Audit export
	AuditWebhookURL    string
	AuditWebhookAPIKey string
	AuditBatchSize     int
	AuditInterval      time.Duration

	// OpenTelemetry endpoint for observability
	OtelEndpoint string
}

// Load creates a new Config from environment variables
func Load() Config {
	apiKeys := map[string]string{}
	if raw := os.Getenv("API_KEYS"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &apiKeys)
	}

	return Config{
		Port:               GetEnvOrDefault("PORT", "8080"),
		LogFormat:          strings.ToLower(GetEnvOrDefault("LOG_FORMAT", "text")),
		LogLevel:           strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
		RateHistoryBackend: strings.ToLower(GetEnvOrDefault("RATE_HISTORY_BACKEND", BackendMemory)),
		RateHistoryURL:     GetEnvOrDefault("RATE_HISTORY_URL", ""),
		RateHistoryFile:    GetEnvOrDefault("RATE_HISTORY_FILE", ""),
		RateIndex:          GetEnvOrDefault("RATE_INDEX", model.DefaultRateIndex),
		FirestoreProject:   GetEnvOrDefault("FIRESTORE_PROJECT_ID", ""),
		PropertyDataURL:    GetEnvOrDefault("PROPERTY_DATA_URL", ""),
		APIKeys:            apiKeys,
		RedisAddr:          GetEnvOrDefault("REDIS_ADDR", ""),
		CacheSize:          GetEnvAsInt("CACHE_SIZE", 4096),
		CacheTTL:           GetEnvAsDuration("CACHE_TTL", 24*time.Hour),
		LookupTimeout:      GetEnvAsDuration("LOOKUP_TIMEOUT", 2*time.Second),
		ClosingCosts: model.ClosingCostPolicy{
			Percent: GetEnvAsFloat("CLOSING_COST_PERCENT", 3),
			Flat:    GetEnvAsFloat("CLOSING_COST_FLAT", 0),
		},
		RateRulesFile:      GetEnvOrDefault("RATE_RULES_FILE", ""),
		BreakerMinRate:     GetEnvAsFloat("BREAKER_MIN_RATE", 0.5),
		BreakerMaxRate:     GetEnvAsFloat("BREAKER_MAX_RATE", 25),
		BreakerMaxFailures: GetEnvAsInt("BREAKER_MAX_FAILURES", 5),
		CircuitResetDelay:  GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		RateLimitRPS:       GetEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:     GetEnvAsInt("RATE_LIMIT_BURST", 20),
		EnableMetrics:      GetEnvAsBool("ENABLE_METRICS", true),
		SignQuotes:         GetEnvAsBool("SIGN_QUOTES", false),
		QuoteSigningKey:    GetEnvOrDefault("QUOTE_SIGNING_KEY", ""),
		AuditWebhookURL:    GetEnvOrDefault("AUDIT_WEBHOOK_URL", ""),
		AuditWebhookAPIKey: GetEnvOrDefault("AUDIT_WEBHOOK_API_KEY", ""),
		AuditBatchSize:     GetEnvAsInt("AUDIT_BATCH_SIZE", 100),
		AuditInterval:      GetEnvAsDuration("AUDIT_INTERVAL", time.Minute),
		OtelEndpoint:       GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// APIKey returns the configured key for a service, or an empty string
func (c Config) APIKey(service string) string {
	return c.APIKeys[service]
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
