// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
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

	// Storage. At most one of DatabaseURL and BoltPath may be set;
	// with neither, orders live in memory.
	DatabaseURL string
	BoltPath    string

	// Payment provider
	BitnobAPIKey           string // empty selects the in-process sandbox gateway
	BitnobBaseURL          string
	GatewayTimeout         time.Duration
	LightningInvoiceExpiry time.Duration

	// Public URLs handed to the provider for callbacks and redirects
	BackendURL  string
	FrontendURL string

	// Security
	WebhookSecret string
	RateLimitRPM  int

	// Background work
	JourneySteps      int
	JourneyInterval   time.Duration
	ReconcileSchedule string // cron schedule, empty disables

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                   = "5000"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultBitnobBaseURL          = "https://sandboxapi.bitnob.co/api/v1"
	DefaultGatewayTimeout         = 15 * time.Second
	DefaultLightningInvoiceExpiry = time.Hour
	DefaultBackendURL             = "http://localhost:5000"
	DefaultFrontendURL            = "http://localhost:3000"
	DefaultRateLimitRPM           = 600
	DefaultJourneySteps           = 15
	DefaultJourneyInterval        = 2 * time.Second
	DefaultReconcileSchedule      = "@every 1m"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		BoltPath:               os.Getenv("BOLT_PATH"),
		BitnobAPIKey:           os.Getenv("BITNOB_API_KEY"),
		BitnobBaseURL:          getEnv("BITNOB_BASE_URL", DefaultBitnobBaseURL),
		GatewayTimeout:         getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		LightningInvoiceExpiry: getEnvDuration("LIGHTNING_INVOICE_EXPIRY", DefaultLightningInvoiceExpiry),
		BackendURL:             getEnv("BACKEND_URL", DefaultBackendURL),
		FrontendURL:            getEnv("FRONTEND_URL", DefaultFrontendURL),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:           getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		JourneySteps:           getEnvInt("JOURNEY_STEPS", DefaultJourneySteps),
		JourneyInterval:        getEnvDuration("JOURNEY_INTERVAL", DefaultJourneyInterval),
		ReconcileSchedule:      getEnvAllowEmpty("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535")
	}

	if c.DatabaseURL != "" && c.BoltPath != "" {
		return fmt.Errorf("DATABASE_URL and BOLT_PATH are mutually exclusive")
	}

	if c.IsProduction() {
		if c.BitnobAPIKey == "" {
			return fmt.Errorf("BITNOB_API_KEY is required in production")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
	}

	if u, err := url.Parse(c.BitnobBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BITNOB_BASE_URL must be an absolute URL")
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.LightningInvoiceExpiry < time.Minute {
		return fmt.Errorf("LIGHTNING_INVOICE_EXPIRY must be at least 1m")
	}
	if c.JourneySteps < 2 {
		return fmt.Errorf("JOURNEY_STEPS must be at least 2")
	}
	if c.JourneyInterval <= 0 {
		return fmt.Errorf("JOURNEY_INTERVAL must be positive")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	return nil
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

// getEnvAllowEmpty distinguishes unset (default) from explicitly empty.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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
