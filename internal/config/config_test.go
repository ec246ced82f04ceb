package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Port:                   "5000",
		Env:                    "development",
		LogFormat:              "text",
		BitnobBaseURL:          DefaultBitnobBaseURL,
		GatewayTimeout:         DefaultGatewayTimeout,
		LightningInvoiceExpiry: DefaultLightningInvoiceExpiry,
		JourneySteps:           DefaultJourneySteps,
		JourneyInterval:        DefaultJourneyInterval,
		RateLimitRPM:           DefaultRateLimitRPM,
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "BOLT_PATH", "BITNOB_API_KEY", "BITNOB_BASE_URL",
		"GATEWAY_TIMEOUT", "JOURNEY_STEPS", "JOURNEY_INTERVAL", "LOG_FORMAT", "WEBHOOK_SECRET",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultBitnobBaseURL, cfg.BitnobBaseURL)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
	assert.Equal(t, DefaultJourneySteps, cfg.JourneySteps)
	assert.Equal(t, DefaultJourneyInterval, cfg.JourneyInterval)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("JOURNEY_STEPS", "20")
	t.Setenv("JOURNEY_INTERVAL", "500ms")
	t.Setenv("BOLT_PATH", "/tmp/holdpay.db")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 20, cfg.JourneySteps)
	assert.Equal(t, 500*time.Millisecond, cfg.JourneyInterval)
	assert.Equal(t, "/tmp/holdpay.db", cfg.BoltPath)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_ReconcileScheduleCanBeDisabled(t *testing.T) {
	t.Setenv("RECONCILE_SCHEDULE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BOLT_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ReconcileSchedule)
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("GATEWAY_TIMEOUT", "soon")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BOLT_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Port = "http" }, "PORT must be"},
		{"both stores", func(c *Config) {
			c.DatabaseURL = "postgres://localhost/holdpay"
			c.BoltPath = "holdpay.db"
		}, "mutually exclusive"},
		{"production without api key", func(c *Config) {
			c.Env = "production"
			c.WebhookSecret = "s3cret"
		}, "BITNOB_API_KEY is required"},
		{"production without webhook secret", func(c *Config) {
			c.Env = "production"
			c.BitnobAPIKey = "sk_live"
		}, "WEBHOOK_SECRET is required"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.BitnobAPIKey = "sk_live"
			c.WebhookSecret = "s3cret"
		}, ""},
		{"relative base url", func(c *Config) { c.BitnobBaseURL = "/api/v1" }, "BITNOB_BASE_URL"},
		{"zero timeout", func(c *Config) { c.GatewayTimeout = 0 }, "GATEWAY_TIMEOUT"},
		{"short invoice expiry", func(c *Config) { c.LightningInvoiceExpiry = time.Second }, "LIGHTNING_INVOICE_EXPIRY"},
		{"one step journey", func(c *Config) { c.JourneySteps = 1 }, "JOURNEY_STEPS"},
		{"zero interval", func(c *Config) { c.JourneyInterval = 0 }, "JOURNEY_INTERVAL"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
