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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis (optional; enables the shared rate-limit store for multi-instance deploys)
	RedisURL string

	// OpenAI completion settings
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Stripe billing
	StripeSecretKey     string
	StripeWebhookSecret string
	PriceIDFree         string
	PriceIDPro          string
	PriceIDEnterprise   string
	PriceIDLifetime     string
	AppURL              string // base URL for checkout redirect targets

	// ProtectManualTiers keeps lifetime/admin users from being downgraded
	// by billing events (those tiers are assigned by admins, not Stripe).
	ProtectManualTiers bool

	// Rate limiting
	RateLimitPerMinute int           // global per-IP limit
	OptimizeLimit      int           // per-user limit on the optimize endpoint
	OptimizeWindow     time.Duration // window for the per-user optimize limit

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultOpenAIBaseURL  = "https://api.openai.com/v1"
	DefaultOpenAIModel    = "gpt-4-turbo-preview"
	DefaultAppURL         = "http://localhost:3000"
	DefaultRateLimitRPM   = 60
	DefaultOptimizeLimit  = 10
	DefaultOptimizeWindow = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:            os.Getenv("REDIS_URL"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", DefaultOpenAIBaseURL),
		OpenAIModel:         getEnv("OPENAI_MODEL", DefaultOpenAIModel),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PriceIDFree:         os.Getenv("STRIPE_PRICE_ID_FREE"),
		PriceIDPro:          os.Getenv("STRIPE_PRICE_ID_PRO"),
		PriceIDEnterprise:   os.Getenv("STRIPE_PRICE_ID_ENTERPRISE"),
		PriceIDLifetime:     os.Getenv("STRIPE_PRICE_ID_LIFETIME"),
		AppURL:              getEnv("APP_URL", DefaultAppURL),
		ProtectManualTiers:  getEnvBool("PROTECT_MANUAL_TIERS", true),
		RateLimitPerMinute:  int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OptimizeLimit:       int(getEnvInt64("OPTIMIZE_RATE_LIMIT", DefaultOptimizeLimit)),
		OptimizeWindow:      getEnvDuration("OPTIMIZE_RATE_WINDOW", DefaultOptimizeWindow),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration is internally consistent.
// Stripe and OpenAI are optional (the server degrades to 500s on the
// endpoints that need them), but a partially configured Stripe setup is
// rejected outright rather than failing at webhook time.
func (c *Config) Validate() error {
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.StripeSecretKey != "" && c.PriceIDPro == "" && c.PriceIDEnterprise == "" && c.PriceIDLifetime == "" {
		return fmt.Errorf("at least one STRIPE_PRICE_ID_* must be set when Stripe is configured")
	}
	if c.OptimizeLimit <= 0 {
		return fmt.Errorf("OPTIMIZE_RATE_LIMIT must be positive")
	}
	if c.OptimizeWindow <= 0 {
		return fmt.Errorf("OPTIMIZE_RATE_WINDOW must be positive")
	}
	return nil
}

// StripeEnabled reports whether billing endpoints can operate.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
