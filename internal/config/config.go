// Package config provides configuration loading and management for the application.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Marketplace API settings
	MarketAPIURL string
	MarketAPIKey string
	MarketOrigin string
	TokenAddress string

	// Price oracle endpoint (batch USD/ETH conversion by coin id)
	OracleURL string

	// Newline-delimited host:port:user:pass proxy list
	ProxyFile string

	// Outbound pacing and retry budget
	RequestDelay time.Duration
	MaxRetries   int
	MaxWorkers   int

	// Per-call timeouts
	MarketTimeout       time.Duration
	NotificationTimeout time.Duration
	OracleTimeout       time.Duration

	// Whole-snapshot lifetime of the oracle cache
	PriceCacheTTL time.Duration

	// Consecutive oracle failures that suspend refreshes, and for how long
	OracleBreakerThreshold int
	OracleBreakerReset     time.Duration

	// Ceiling on notification pages walked per sales report
	MaxNotificationPages int

	// Optional YAML file replacing the built-in token registry
	TokenRegistryFile string

	// Inbound API throttling
	RateLimitRPS   float64
	RateLimitBurst int

	// Optional redis backing for valuation snapshots
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SnapshotTTL   time.Duration

	// Response signing
	SigningEnabled bool
	SigningKey     string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	EnableMetrics bool
	WriteTimeout  time.Duration
}

// Load creates a new Config from environment variables, reading a .env file
// from the working directory first when one exists.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Failed to read .env file: %v", err)
	}

	return Config{
		Port:                   GetEnvOrDefault("PORT", "8080"),
		MarketAPIURL:           strings.TrimRight(GetEnvOrDefault("MARKET_API_URL", "https://api.tokentrove.com"), "/"),
		MarketAPIKey:           GetEnvOrDefault("MARKET_API_KEY", ""),
		MarketOrigin:           GetEnvOrDefault("MARKET_ORIGIN", "https://tokentrove.com"),
		TokenAddress:           strings.ToLower(GetEnvOrDefault("TOKEN_ADDRESS", "0x06d92b637dfcdf95a2faba04ef22b2a096029b69")),
		OracleURL:              GetEnvOrDefault("ORACLE_URL", "https://checkout-api.immutable.com/v1/fiat/conversion"),
		ProxyFile:              GetEnvOrDefault("PROXY_FILE", "proxies.txt"),
		RequestDelay:           GetEnvAsDuration("REQUEST_DELAY", 500*time.Microsecond),
		MaxRetries:             GetEnvAsInt("MAX_RETRIES", 15),
		MaxWorkers:             GetEnvAsInt("MAX_WORKERS", 50),
		MarketTimeout:          GetEnvAsDuration("MARKET_TIMEOUT", 15*time.Second),
		NotificationTimeout:    GetEnvAsDuration("NOTIFICATION_TIMEOUT", 30*time.Second),
		OracleTimeout:          GetEnvAsDuration("ORACLE_TIMEOUT", 10*time.Second),
		PriceCacheTTL:          GetEnvAsDuration("PRICE_CACHE_TTL", 60*time.Second),
		OracleBreakerThreshold: GetEnvAsInt("ORACLE_BREAKER_THRESHOLD", 3),
		OracleBreakerReset:     GetEnvAsDuration("ORACLE_BREAKER_RESET", 2*time.Minute),
		MaxNotificationPages:   GetEnvAsInt("MAX_NOTIFICATION_PAGES", 500),
		TokenRegistryFile:      GetEnvOrDefault("TOKEN_REGISTRY_FILE", ""),
		RateLimitRPS:           GetEnvAsFloat("RATE_LIMIT_RPS", 10.0),
		RateLimitBurst:         GetEnvAsInt("RATE_LIMIT_BURST", 20),
		RedisAddr:              GetEnvOrDefault("REDIS_ADDR", ""),
		RedisPassword:          GetEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:                GetEnvAsInt("REDIS_DB", 0),
		SnapshotTTL:            GetEnvAsDuration("SNAPSHOT_TTL", 30*24*time.Hour),
		SigningEnabled:         GetEnvAsBool("ENABLE_SIGNING", false),
		SigningKey:             GetEnvOrDefault("SIGNING_KEY", ""),
		OtelEndpoint:           GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		EnableMetrics:          GetEnvAsBool("ENABLE_METRICS", true),
		WriteTimeout:           GetEnvAsDuration("WRITE_TIMEOUT", 15*time.Minute),
	}
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
		logrus.Warnf("Invalid integer in %s, using default: %d", key, defaultValue)
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
