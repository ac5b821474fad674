// Package config provides configuration loading and management for the application.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrMissingCredentials is returned by Validate when the options data provider cannot be
// authenticated.
var ErrMissingCredentials = errors.New("missing Alpaca API credentials: set ALPACA_API_KEY_ID and ALPACA_API_SECRET_KEY")

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Alpaca credentials and endpoints
	AlpacaKeyID      string
	AlpacaSecretKey  string
	AlpacaTradingURL string
	AlpacaDataURL    string
	AlpacaFeed       string

	// Market data and discovery endpoints
	YahooURL  string
	FinvizURL string

	// Reddit app-only OAuth; discovery skips Reddit when either is empty
	RedditClientID     string
	RedditClientSecret string
	RedditSubreddits   []string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Inbound rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Outbound request behaviour
	RequestTimeout      time.Duration
	RetryMax            int
	RetryWaitMin        time.Duration
	RetryWaitMax        time.Duration
	UpstreamConcurrency int
	UpstreamRPS         float64

	// Circuit breaker settings shared by every upstream
	CircuitFailureThreshold int
	CircuitResetDelay       time.Duration

	// Cache and pipeline behaviour
	CacheSweepInterval time.Duration
	CacheCoalesce      bool
	BatchDelay         time.Duration
	DiscoveryLimit     int
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:               GetEnvOrDefault("PORT", "3000"),
		AlpacaKeyID:        firstEnv("ALPACA_API_KEY_ID", "APCA_API_KEY_ID"),
		AlpacaSecretKey:    firstEnv("ALPACA_API_SECRET_KEY", "APCA_API_SECRET_KEY"),
		AlpacaTradingURL:   strings.TrimRight(GetEnvOrDefault("ALPACA_TRADING_URL", "https://api.alpaca.markets"), "/"),
		AlpacaDataURL:      strings.TrimRight(GetEnvOrDefault("ALPACA_DATA_URL", "https://data.alpaca.markets"), "/"),
		AlpacaFeed:         GetEnvOrDefault("ALPACA_FEED", "indicative"),
		YahooURL:           strings.TrimRight(GetEnvOrDefault("YAHOO_URL", "https://query1.finance.yahoo.com"), "/"),
		FinvizURL:          GetEnvOrDefault("FINVIZ_URL", "https://finviz.com/screener.ashx?v=111&s=ta_topgainers"),
		RedditClientID:     GetEnvOrDefault("REDDIT_CLIENT_ID", ""),
		RedditClientSecret: GetEnvOrDefault("REDDIT_CLIENT_SECRET", ""),
		RedditSubreddits:   GetEnvAsList("REDDIT_SUBREDDITS", []string{"wallstreetbets", "stocks", "options"}),
		OtelEndpoint:       GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		RateLimitEnabled: GetEnvAsBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     GetEnvAsFloat("RATE_LIMIT_RPS", 1.0), // 60 requests per minute
		RateLimitBurst:   GetEnvAsInt("RATE_LIMIT_BURST", 10),

		RequestTimeout:      GetEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		RetryMax:            GetEnvAsInt("RETRY_MAX", 3),
		RetryWaitMin:        GetEnvAsDuration("RETRY_WAIT_MIN", 500*time.Millisecond),
		RetryWaitMax:        GetEnvAsDuration("RETRY_WAIT_MAX", 5*time.Second),
		UpstreamConcurrency: GetEnvAsInt("UPSTREAM_CONCURRENCY", 16),
		UpstreamRPS:         GetEnvAsFloat("UPSTREAM_RPS", 10),

		CircuitFailureThreshold: GetEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitResetDelay:       GetEnvAsDuration("CIRCUIT_RESET_DELAY", time.Minute),

		CacheSweepInterval: GetEnvAsDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute),
		CacheCoalesce:      GetEnvAsBool("CACHE_COALESCE", false),
		BatchDelay:         GetEnvAsDuration("BATCH_DELAY", 100*time.Millisecond),
		DiscoveryLimit:     GetEnvAsInt("DISCOVERY_LIMIT", 20),
	}
}

// Validate reports configuration that prevents the options endpoints from working.
func (c Config) Validate() error {
	if c.AlpacaKeyID == "" || c.AlpacaSecretKey == "" {
		return ErrMissingCredentials
	}
	return nil
}

// RedditEnabled reports whether Reddit discovery credentials are present.
func (c Config) RedditEnabled() bool {
	return c.RedditClientID != "" && c.RedditClientSecret != ""
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists && value != "" {
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
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsList splits a comma-separated environment variable, dropping empty items
func GetEnvAsList(key string, defaultValue []string) []string {
	value, exists := GetEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v, ok := GetEnv(k); ok && v != "" {
			return v
		}
	}
	return ""
}
