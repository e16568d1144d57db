package config

import "time"

// Config represents the complete application configuration, layered as:
// Layer 1: embedded defaults (defaults.yaml)
// Layer 2: user overrides (--config or ~/.config/brokerguard/config.yaml)
// Layer 3: BROKERGUARD_* environment variables and runtime overrides
type Config struct {
	Broker      BrokerConfig               `mapstructure:"broker" yaml:"broker"`
	Credentials CredentialsConfig          `mapstructure:"credentials" yaml:"credentials"`
	RateLimit   RateLimitConfig            `mapstructure:"rate_limit" yaml:"rate_limit"`
	Retry       RetryConfig                `mapstructure:"retry" yaml:"retry"`
	Pacer       PacerConfig                `mapstructure:"pacer" yaml:"pacer"`
	Session     SessionConfig              `mapstructure:"session" yaml:"session"`
	Call        CallConfig                 `mapstructure:"call" yaml:"call"`
	Monitor     MonitorConfig              `mapstructure:"monitor" yaml:"monitor"`
	Alerts      map[string]AlertRuleConfig `mapstructure:"alerts" yaml:"alerts"`
	Notify      NotifyConfig               `mapstructure:"notify" yaml:"notify"`
	Store       StoreConfig                `mapstructure:"store" yaml:"store"`
	Redis       RedisConfig                `mapstructure:"redis" yaml:"redis"`
	Server      ServerConfig               `mapstructure:"server" yaml:"server"`
	Logging     LoggingConfig              `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig              `mapstructure:"metrics" yaml:"metrics"`
	Health      HealthConfig               `mapstructure:"health" yaml:"health"`
	Tracing     TracingConfig              `mapstructure:"tracing" yaml:"tracing"`
	Debug       DebugConfig                `mapstructure:"debug" yaml:"debug"`
}

// Broker modes.
const (
	BrokerSimulator = "simulator"
	BrokerHTTP      = "http"
)

// BrokerConfig selects and configures the remote broker adapter.
type BrokerConfig struct {
	// Mode is "simulator" (paper trading) or "http".
	Mode      string          `mapstructure:"mode" yaml:"mode"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Simulator SimulatorConfig `mapstructure:"simulator" yaml:"simulator"`
}

// HTTPConfig configures the JSON-over-HTTP broker adapter.
type HTTPConfig struct {
	BaseURL       string            `mapstructure:"base_url" yaml:"base_url"`
	LoginPath     string            `mapstructure:"login_path" yaml:"login_path"`
	LogoutPath    string            `mapstructure:"logout_path" yaml:"logout_path"`
	PingPath      string            `mapstructure:"ping_path" yaml:"ping_path"`
	SessionHeader string            `mapstructure:"session_header" yaml:"session_header"`
	UserAgent     string            `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Endpoints     map[string]string `mapstructure:"endpoints" yaml:"endpoints"`
}

// SimulatorConfig tunes the paper-mode broker.
type SimulatorConfig struct {
	Seed          uint64        `mapstructure:"seed" yaml:"seed"`
	Account       string        `mapstructure:"account" yaml:"account"`
	Latency       time.Duration `mapstructure:"latency" yaml:"latency"`
	LatencyJitter time.Duration `mapstructure:"latency_jitter" yaml:"latency_jitter"`
	FailureRate   float64       `mapstructure:"failure_rate" yaml:"failure_rate"`
	RateLimitRate float64       `mapstructure:"rate_limit_rate" yaml:"rate_limit_rate"`
	ExpiryRate    float64       `mapstructure:"expiry_rate" yaml:"expiry_rate"`
	RetryAfter    time.Duration `mapstructure:"retry_after" yaml:"retry_after"`
	RejectLogin   bool          `mapstructure:"reject_login" yaml:"reject_login"`
}

// Credential sources.
const (
	CredentialsAuto  = ""
	CredentialsEnv   = "env"
	CredentialsVault = "vault"
)

// CredentialsConfig selects where broker login material comes from.
// Secrets themselves never live in the config file.
type CredentialsConfig struct {
	// Source is "env", "vault", or empty for env with a paper fallback in simulator mode.
	Source string `mapstructure:"source" yaml:"source"`
	// EnvPrefix prefixes USERNAME, PASSWORD, TOTP_SECRET and ACCOUNT.
	EnvPrefix string      `mapstructure:"env_prefix" yaml:"env_prefix"`
	EnvFiles  []string    `mapstructure:"env_files" yaml:"env_files"`
	Vault     VaultConfig `mapstructure:"vault" yaml:"vault"`
}

// VaultConfig locates the broker secret in a KV v2 mount.
type VaultConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Token   string `mapstructure:"token" yaml:"-"`
	Mount   string `mapstructure:"mount" yaml:"mount"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Window store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// RateLimitConfig configures the client-side sliding-window limiter.
type RateLimitConfig struct {
	MaxCallsPerWindow int     `mapstructure:"max_calls_per_window" yaml:"max_calls_per_window"`
	WindowSeconds     float64 `mapstructure:"window_seconds" yaml:"window_seconds"`
	// SafetyMargin scales every budget down, e.g. 0.9 uses 90% of the quota.
	SafetyMargin float64 `mapstructure:"safety_margin" yaml:"safety_margin"`
	// NonBlocking rejects over-budget calls instead of waiting.
	NonBlocking bool                      `mapstructure:"non_blocking" yaml:"non_blocking"`
	Backend     string                    `mapstructure:"backend" yaml:"backend"`
	Classes     map[string]RateLimitClass `mapstructure:"classes" yaml:"classes"`
}

// RateLimitClass is the budget of one named endpoint class.
type RateLimitClass struct {
	MaxCallsPerWindow int     `mapstructure:"max_calls_per_window" yaml:"max_calls_per_window"`
	WindowSeconds     float64 `mapstructure:"window_seconds" yaml:"window_seconds"`
}

// Window returns the default class window.
func (c RateLimitConfig) Window() time.Duration { return seconds(c.WindowSeconds) }

// Window returns the class window.
func (c RateLimitClass) Window() time.Duration { return seconds(c.WindowSeconds) }

// RetryConfig configures the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelaySeconds float64 `mapstructure:"base_delay_seconds" yaml:"base_delay_seconds"`
	MaxDelaySeconds  float64 `mapstructure:"max_delay_seconds" yaml:"max_delay_seconds"`
}

func (c RetryConfig) BaseDelay() time.Duration { return seconds(c.BaseDelaySeconds) }
func (c RetryConfig) MaxDelay() time.Duration  { return seconds(c.MaxDelaySeconds) }

// PacerConfig configures human-like request spacing.
type PacerConfig struct {
	Enabled         bool                 `mapstructure:"enabled" yaml:"enabled"`
	MinDelaySeconds float64              `mapstructure:"min_delay_seconds" yaml:"min_delay_seconds"`
	MaxDelaySeconds float64              `mapstructure:"max_delay_seconds" yaml:"max_delay_seconds"`
	TimeZone        string               `mapstructure:"time_zone" yaml:"time_zone"`
	Quiet           QuietHoursConfig     `mapstructure:"quiet" yaml:"quiet"`
	Active          []ActiveWindowConfig `mapstructure:"active" yaml:"active"`
}

func (c PacerConfig) MinDelay() time.Duration { return seconds(c.MinDelaySeconds) }
func (c PacerConfig) MaxDelay() time.Duration { return seconds(c.MaxDelaySeconds) }

// QuietHoursConfig shapes traffic outside normal activity. Start and End are HH:MM.
type QuietHoursConfig struct {
	Enabled  bool    `mapstructure:"enabled" yaml:"enabled"`
	Start    string  `mapstructure:"start" yaml:"start"`
	End      string  `mapstructure:"end" yaml:"end"`
	Weekends bool    `mapstructure:"weekends" yaml:"weekends"`
	Mode     string  `mapstructure:"mode" yaml:"mode"`
	Factor   float64 `mapstructure:"factor" yaml:"factor"`
}

// ActiveWindowConfig shortens gaps between Start and End by Factor.
type ActiveWindowConfig struct {
	Start  string  `mapstructure:"start" yaml:"start"`
	End    string  `mapstructure:"end" yaml:"end"`
	Factor float64 `mapstructure:"factor" yaml:"factor"`
}

// SessionConfig configures the authenticated session lifecycle.
type SessionConfig struct {
	InactivityTimeoutMinutes   float64 `mapstructure:"inactivity_timeout_minutes" yaml:"inactivity_timeout_minutes"`
	ConnectRetries             int     `mapstructure:"connect_retries" yaml:"connect_retries"`
	ConnectBackoffSeconds      float64 `mapstructure:"connect_backoff_seconds" yaml:"connect_backoff_seconds"`
	ReconnectBackoffSeconds    float64 `mapstructure:"reconnect_backoff_seconds" yaml:"reconnect_backoff_seconds"`
	ReconnectBackoffMaxSeconds float64 `mapstructure:"reconnect_backoff_max_seconds" yaml:"reconnect_backoff_max_seconds"`
	ConnectTimeoutSeconds      float64 `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	// KeepAlive runs the background keep-alive loop in serve mode.
	KeepAlive bool `mapstructure:"keep_alive" yaml:"keep_alive"`
}

func (c SessionConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMinutes * float64(time.Minute))
}
func (c SessionConfig) ConnectBackoff() time.Duration   { return seconds(c.ConnectBackoffSeconds) }
func (c SessionConfig) ReconnectBackoff() time.Duration { return seconds(c.ReconnectBackoffSeconds) }
func (c SessionConfig) ReconnectBackoffMax() time.Duration {
	return seconds(c.ReconnectBackoffMaxSeconds)
}
func (c SessionConfig) ConnectTimeout() time.Duration { return seconds(c.ConnectTimeoutSeconds) }

// CallConfig configures per-call behaviour of the client façade.
type CallConfig struct {
	TimeoutSeconds float64 `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

func (c CallConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// MonitorConfig configures the health monitor.
type MonitorConfig struct {
	WindowMinutes             float64       `mapstructure:"window_minutes" yaml:"window_minutes"`
	EvaluationIntervalSeconds float64       `mapstructure:"evaluation_interval_seconds" yaml:"evaluation_interval_seconds"`
	Retention                 time.Duration `mapstructure:"retention" yaml:"retention"`
	MaxRecords                int           `mapstructure:"max_records" yaml:"max_records"`
	QueueSize                 int           `mapstructure:"queue_size" yaml:"queue_size"`
	// SnapshotInterval persists statistics periodically; zero disables snapshots.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
	MaxAlerts        int           `mapstructure:"max_alerts" yaml:"max_alerts"`
}

func (c MonitorConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes * float64(time.Minute))
}
func (c MonitorConfig) EvaluationInterval() time.Duration {
	return seconds(c.EvaluationIntervalSeconds)
}

// AlertRuleConfig overrides one built-in alert rule.
type AlertRuleConfig struct {
	Enabled         bool    `mapstructure:"enabled" yaml:"enabled"`
	Threshold       float64 `mapstructure:"threshold" yaml:"threshold"`
	WindowMinutes   float64 `mapstructure:"window_minutes" yaml:"window_minutes"`
	CooldownMinutes float64 `mapstructure:"cooldown_minutes" yaml:"cooldown_minutes"`
	Severity        string  `mapstructure:"severity" yaml:"severity"`
}

func (c AlertRuleConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes * float64(time.Minute))
}
func (c AlertRuleConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes * float64(time.Minute))
}

// NotifyConfig configures alert notification channels.
type NotifyConfig struct {
	Log      bool            `mapstructure:"log" yaml:"log"`
	Store    bool            `mapstructure:"store" yaml:"store"`
	Timeout  time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Webhooks []WebhookConfig `mapstructure:"webhooks" yaml:"webhooks"`
	Email    EmailConfig     `mapstructure:"email" yaml:"email"`
}

// WebhookConfig configures one webhook channel.
type WebhookConfig struct {
	Name         string            `mapstructure:"name" yaml:"name"`
	URL          string            `mapstructure:"url" yaml:"url"`
	Format       string            `mapstructure:"format" yaml:"format"`
	Headers      map[string]string `mapstructure:"headers" yaml:"-"`
	Timeout      time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	MaxPerMinute int               `mapstructure:"max_per_minute" yaml:"max_per_minute"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     string   `mapstructure:"port" yaml:"port"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"-"`
	From     string   `mapstructure:"from" yaml:"from"`
	FromName string   `mapstructure:"from_name" yaml:"from_name"`
	To       []string `mapstructure:"to" yaml:"to"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"-"`
	// HistoryRetention prunes persisted events, snapshots and alerts; zero keeps everything.
	HistoryRetention time.Duration `mapstructure:"history_retention" yaml:"history_retention"`
}

// RedisConfig configures the shared sliding-window backend.
type RedisConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"-"`
	DB        int    `mapstructure:"db" yaml:"db"`
	PoolSize  int    `mapstructure:"pool_size" yaml:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// File receives spans as JSON lines; empty writes to stderr.
	File        string  `mapstructure:"file" yaml:"file"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
