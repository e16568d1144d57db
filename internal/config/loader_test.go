package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/core"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolateEnv(t)

		cfg, err := Load(ctx, "")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, BrokerSimulator, cfg.Broker.Mode)
		assert.Equal(t, 30*time.Second, cfg.Broker.HTTP.Timeout)

		assert.Equal(t, 60, cfg.RateLimit.MaxCallsPerWindow)
		assert.Equal(t, time.Minute, cfg.RateLimit.Window())
		assert.Equal(t, BackendMemory, cfg.RateLimit.Backend)

		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
		assert.Equal(t, time.Second, cfg.Retry.BaseDelay())
		assert.Equal(t, time.Minute, cfg.Retry.MaxDelay())

		assert.Equal(t, 500*time.Millisecond, cfg.Pacer.MinDelay())
		assert.Equal(t, 2*time.Second, cfg.Pacer.MaxDelay())

		assert.Equal(t, 30*time.Minute, cfg.Session.InactivityTimeout())
		assert.Equal(t, 2, cfg.Session.ConnectRetries)
		assert.Equal(t, 5*time.Minute, cfg.Session.ReconnectBackoffMax())
		assert.Equal(t, 30*time.Second, cfg.Call.Timeout())

		assert.Equal(t, 5*time.Minute, cfg.Monitor.Window())
		assert.Equal(t, 15*time.Second, cfg.Monitor.EvaluationInterval())
		assert.Equal(t, 24*time.Hour, cfg.Monitor.Retention)

		require.Len(t, cfg.Alerts, 5)
		assert.InDelta(t, 0.10, cfg.Alerts["error_rate"].Threshold, 1e-9)
		assert.Equal(t, "critical", cfg.Alerts["session_instability"].Severity)
		assert.Equal(t, 5*time.Minute, cfg.Alerts["network_errors"].Cooldown())

		assert.Equal(t, "libsql", cfg.Store.Driver)
		assert.Equal(t, "brokerguard.db", filepath.Base(cfg.Store.Path))

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)

		require.NoError(t, Validate(cfg))
		assert.Same(t, cfg, GetConfig())
		assert.Empty(t, ConfigFileUsed())
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolateEnv(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"retry": map[string]any{
				"max_attempts": 5,
			},
		}

		cfg, err := Load(ctx, "", overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
		// Untouched siblings keep their defaults.
		assert.Equal(t, time.Second, cfg.Retry.BaseDelay())
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		isolateEnv(t)
		t.Setenv("BROKERGUARD_PORT", "9191")
		t.Setenv("BROKERGUARD_RETRY_MAX_ATTEMPTS", "4")
		t.Setenv("BROKERGUARD_PACER_MAX_DELAY_SECONDS", "3.5")
		t.Setenv("BROKERGUARD_CREDENTIALS_ENV_FILES", ".env,.env.local")
		t.Setenv("BROKERGUARD_MONITOR_RETENTION", "6h")

		cfg, err := Load(ctx, "")
		require.NoError(t, err)

		assert.Equal(t, 9191, cfg.Server.Port)
		assert.Equal(t, 4, cfg.Retry.MaxAttempts)
		assert.Equal(t, 3500*time.Millisecond, cfg.Pacer.MaxDelay())
		assert.Equal(t, []string{".env", ".env.local"}, cfg.Credentials.EnvFiles)
		assert.Equal(t, 6*time.Hour, cfg.Monitor.Retention)
		assert.Contains(t, EnvironmentOverrides(), "BROKERGUARD_PORT")
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		isolateEnv(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
broker:
  mode: http
  http:
    base_url: https://broker.example.com/api
rate_limit:
  classes:
    orders:
      max_calls_per_window: 10
      window_seconds: 1
alerts:
  error_rate:
    threshold: 0.25
`), 0o600))

		cfg, err := Load(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, BrokerHTTP, cfg.Broker.Mode)
		assert.Equal(t, "https://broker.example.com/api", cfg.Broker.HTTP.BaseURL)
		assert.Equal(t, "/session/login", cfg.Broker.HTTP.LoginPath)
		require.Contains(t, cfg.RateLimit.Classes, "orders")
		assert.Equal(t, time.Second, cfg.RateLimit.Classes["orders"].Window())
		assert.InDelta(t, 0.25, cfg.Alerts["error_rate"].Threshold, 1e-9)
		assert.True(t, cfg.Alerts["error_rate"].Enabled)
		assert.Equal(t, path, ConfigFileUsed())
		require.NoError(t, Validate(cfg))
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		isolateEnv(t)
		_, err := Load(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	isolateEnv(t)
	base, err := Load(context.Background(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http needs url", func(c *Config) { c.Broker.Mode = BrokerHTTP }, "broker.http.base_url"},
		{"unknown mode", func(c *Config) { c.Broker.Mode = "fix" }, "broker.mode"},
		{"vault path", func(c *Config) { c.Credentials.Source = CredentialsVault }, "credentials.vault.path"},
		{"window", func(c *Config) { c.RateLimit.WindowSeconds = 0 }, "rate_limit.window_seconds"},
		{"margin", func(c *Config) { c.RateLimit.SafetyMargin = 1.5 }, "rate_limit.safety_margin"},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"pacer order", func(c *Config) { c.Pacer.MaxDelaySeconds = 0.1 }, "pacer.max_delay_seconds"},
		{"time zone", func(c *Config) { c.Pacer.TimeZone = "Mars/Olympus" }, "pacer.time_zone"},
		{"quiet clock", func(c *Config) {
			c.Pacer.Quiet.Enabled = true
			c.Pacer.Quiet.Start = "25:00"
		}, "pacer.quiet.start"},
		{"alert severity", func(c *Config) {
			rule := c.Alerts["rate_limit"]
			rule.Severity = "loud"
			c.Alerts["rate_limit"] = rule
		}, "alerts.rate_limit.severity"},
		{"webhook url", func(c *Config) {
			c.Notify.Webhooks = []WebhookConfig{{URL: "ftp://hooks"}}
		}, "notify.webhooks[0].url"},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			cfg.Alerts = make(map[string]AlertRuleConfig, len(base.Alerts))
			for k, v := range base.Alerts {
				cfg.Alerts[k] = v
			}
			tt.mutate(&cfg)

			err := Validate(&cfg)
			require.Error(t, err)
			require.Equal(t, core.KindConfiguration, core.KindOf(err))
			require.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("joins problems", func(t *testing.T) {
		cfg := *base
		cfg.Retry.MaxAttempts = 0
		cfg.Call.TimeoutSeconds = 0
		err := Validate(&cfg)
		require.Error(t, err)
		require.Contains(t, err.Error(), "retry.max_attempts")
		require.Contains(t, err.Error(), "call.timeout_seconds")
	})
}
