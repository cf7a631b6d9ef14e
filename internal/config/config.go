// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Policy engine
	PolicyDir           string  // directory of policy JSON files loaded at boot (optional)
	DailyOverspendLimit float64 // hard daily USDC cap on top of loaded policies (0 disables)

	// Facilitator
	FacilitatorMode   string // "sandbox", "remote", or "card"
	FacilitatorURL    string // remote facilitator base URL
	FacilitatorAPIKey string
	FacilitatorKey    string // circuit-breaker key prefix
	Network           string // network tag for sandbox/remote settlement
	StripeAPIKey      string // card mode
	StripeCurrency    string // card mode charge currency

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerRecoveryMs       int64
	BreakerHalfOpenMax      int

	// Recovery engine
	RecoveryMaxRetries   int
	RecoveryRetryDelayMs int64

	// Alerts
	AlertWebhookURL string
	WebhookSecret   string // HMAC secret for webhook signatures (optional)

	// Security
	RateLimitRPS int

	// Telemetry
	OTLPEndpoint string // OTLP trace collector (optional)
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultFacilitatorMode      = "sandbox"
	DefaultFacilitatorKey       = "x402"
	DefaultNetwork              = "base-sepolia"
	DefaultStripeCurrency       = "usd"
	DefaultBreakerThreshold     = 5
	DefaultBreakerRecoveryMs    = 30000
	DefaultBreakerHalfOpenMax   = 1
	DefaultRecoveryMaxRetries   = 3
	DefaultRecoveryRetryDelayMs = 1000
	DefaultRateLimit            = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PolicyDir:               os.Getenv("POLICY_DIR"),
		DailyOverspendLimit:     getEnvFloat("DAILY_OVERSPEND_LIMIT", 0),
		FacilitatorMode:         getEnv("FACILITATOR_MODE", DefaultFacilitatorMode),
		FacilitatorURL:          os.Getenv("FACILITATOR_URL"),
		FacilitatorAPIKey:       os.Getenv("FACILITATOR_API_KEY"),
		FacilitatorKey:          getEnv("FACILITATOR_KEY", DefaultFacilitatorKey),
		Network:                 getEnv("NETWORK", DefaultNetwork),
		StripeAPIKey:            os.Getenv("STRIPE_API_KEY"),
		StripeCurrency:          getEnv("STRIPE_CURRENCY", DefaultStripeCurrency),
		BreakerFailureThreshold: int(getEnvInt64("BREAKER_FAILURE_THRESHOLD", DefaultBreakerThreshold)),
		BreakerRecoveryMs:       getEnvInt64("BREAKER_RECOVERY_MS", DefaultBreakerRecoveryMs),
		BreakerHalfOpenMax:      int(getEnvInt64("BREAKER_HALF_OPEN_MAX", DefaultBreakerHalfOpenMax)),
		RecoveryMaxRetries:      int(getEnvInt64("RECOVERY_MAX_RETRIES", DefaultRecoveryMaxRetries)),
		RecoveryRetryDelayMs:    getEnvInt64("RECOVERY_RETRY_DELAY_MS", DefaultRecoveryRetryDelayMs),
		AlertWebhookURL:         os.Getenv("ALERT_WEBHOOK_URL"),
		WebhookSecret:           os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:            int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	switch c.FacilitatorMode {
	case "sandbox":
	case "remote":
		if c.FacilitatorURL == "" {
			return fmt.Errorf("FACILITATOR_URL is required when FACILITATOR_MODE=remote")
		}
	case "card":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required when FACILITATOR_MODE=card")
		}
	default:
		return fmt.Errorf("FACILITATOR_MODE must be sandbox, remote, or card (got %q)", c.FacilitatorMode)
	}

	if c.DailyOverspendLimit < 0 {
		return fmt.Errorf("DAILY_OVERSPEND_LIMIT must not be negative")
	}

	return nil
}

// BreakerRecovery returns the breaker recovery timeout as a duration
func (c *Config) BreakerRecovery() time.Duration {
	return time.Duration(c.BreakerRecoveryMs) * time.Millisecond
}

// RecoveryRetryDelay returns the recovery retry delay as a duration
func (c *Config) RecoveryRetryDelay() time.Duration {
	return time.Duration(c.RecoveryRetryDelayMs) * time.Millisecond
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
