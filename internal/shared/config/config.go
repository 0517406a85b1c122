package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process-level configuration for the gateway.
// Model bindings and API keys live in the routing file (see routing.go).
type Config struct {
	// Server
	Port           string
	Env            string
	RequestTimeout time.Duration

	// Routing file
	RoutingFile string

	// Storage
	DatabaseURL     string
	TelemetryDriver string
	SQLitePath      string

	// Redis
	RedisURL string

	// Caching
	CacheBackend    string
	CacheMaxEntries int
	CacheTTL        time.Duration
	CacheHitFeeUSD  float64

	// Ledger
	RateLimitBackend           string
	DefaultCompletionAllowance int

	// Upstream
	UpstreamTimeout time.Duration

	// Telemetry recorder
	TelemetryWorkers    int
	TelemetryQueueSize  int
	TelemetryMaxRetries int

	// Admin
	AdminToken string

	// Observability
	LogLevel    string
	LogFormat   string
	OTelEnabled bool

	// Legacy single-upstream settings of the /chat backend
	LegacyAPIBase   string
	LegacyAPIKey    string
	LegacyModel     string
	LegacyChatKeyID string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                       getEnv("PORT", "8080"),
		Env:                        getEnv("ENV", "development"),
		RequestTimeout:             getEnvSeconds("REQUEST_TIMEOUT_SECONDS", 120),
		RoutingFile:                getEnv("GATEWAY_CONFIG", "gateway.yaml"),
		DatabaseURL:                getEnv("DATABASE_URL", ""),
		TelemetryDriver:            strings.ToLower(getEnv("TELEMETRY_DRIVER", "")),
		SQLitePath:                 getEnv("SQLITE_PATH", "gateway.db"),
		RedisURL:                   getEnv("REDIS_URL", ""),
		CacheBackend:               strings.ToLower(getEnv("CACHE_BACKEND", "memory")),
		CacheMaxEntries:            getEnvInt("CACHE_MAX_ENTRIES", 10000),
		CacheTTL:                   getEnvSeconds("CACHE_TTL_SECONDS", 3600),
		CacheHitFeeUSD:             getEnvFloat("CACHE_HIT_FEE_USD", 0),
		RateLimitBackend:           strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory")),
		DefaultCompletionAllowance: getEnvInt("DEFAULT_COMPLETION_ALLOWANCE", 256),
		UpstreamTimeout:            getEnvSeconds("UPSTREAM_TIMEOUT_SECONDS", 30),
		TelemetryWorkers:           getEnvInt("TELEMETRY_WORKERS", 2),
		TelemetryQueueSize:         getEnvInt("TELEMETRY_QUEUE_SIZE", 1024),
		TelemetryMaxRetries:        getEnvInt("TELEMETRY_MAX_RETRIES", 5),
		AdminToken:                 getEnv("ADMIN_TOKEN", ""),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
		LogFormat:                  getEnv("LOG_FORMAT", "text"),
		OTelEnabled:                getEnvBool("OTEL_ENABLED", false),
		LegacyAPIBase:              getEnv("LLM_API_BASE", ""),
		LegacyAPIKey:               getEnv("LLM_API_KEY", ""),
		LegacyModel:                getEnv("LLM_MODEL", "gpt-3.5-turbo"),
		LegacyChatKeyID:            getEnv("LEGACY_CHAT_KEY_ID", ""),
	}

	if cfg.TelemetryDriver == "" {
		cfg.TelemetryDriver = "memory"
		if cfg.DatabaseURL != "" {
			cfg.TelemetryDriver = "postgres"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.TelemetryDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when TELEMETRY_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported TELEMETRY_DRIVER %q (memory, postgres, sqlite)", c.TelemetryDriver)
	}

	switch c.CacheBackend {
	case "memory", "none":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND %q (memory, redis, none)", c.CacheBackend)
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND %q (memory, redis)", c.RateLimitBackend)
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
