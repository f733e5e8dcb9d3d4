// Package config handles application configuration from environment variables
// and the optional YAML policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. In-memory stores are used when DatabaseURL is empty.
	DatabaseURL string

	// RedisURL enables the distributed sweep lease (optional).
	RedisURL string

	// OTLPEndpoint enables tracing export (optional).
	OTLPEndpoint string

	// StripeSecretKey selects the Stripe custody rail. Empty uses the in-memory rail.
	StripeSecretKey string
	Currency        string

	// Background workers
	SweepInterval    time.Duration
	SweepConcurrency int
	RailTimeout      time.Duration

	// PolicyFile points at a YAML file overriding the default Policy.
	PolicyFile string
	Policy     Policy
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultCurrency         = "usd"
	DefaultSweepInterval    = 30 * time.Second
	DefaultSweepConcurrency = 4
	DefaultRailTimeout      = 10 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", ""),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		StripeSecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
		Currency:         getEnv("CURRENCY", DefaultCurrency),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepConcurrency: int(getEnvInt64("SWEEP_CONCURRENCY", DefaultSweepConcurrency)),
		RailTimeout:      getEnvDuration("RAIL_TIMEOUT", DefaultRailTimeout),
		PolicyFile:       os.Getenv("POLICY_FILE"),
		Policy:           DefaultPolicy(),
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	if cfg.PolicyFile != "" {
		p, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration ranges.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	if c.RailTimeout <= 0 {
		return fmt.Errorf("RAIL_TIMEOUT must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	return c.Policy.Validate()
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
