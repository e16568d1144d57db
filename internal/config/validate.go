package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/engine"
)

var logLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks cfg and returns every problem as one KindConfiguration error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return core.NewError(core.KindConfiguration, "config", ErrNotLoaded.Error())
	}

	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch cfg.Broker.Mode {
	case BrokerSimulator:
		sim := cfg.Broker.Simulator
		for name, p := range map[string]float64{
			"failure_rate":    sim.FailureRate,
			"rate_limit_rate": sim.RateLimitRate,
			"expiry_rate":     sim.ExpiryRate,
		} {
			if p < 0 || p > 1 {
				add("broker.simulator.%s must be within [0, 1]", name)
			}
		}
	case BrokerHTTP:
		if err := validateURL(cfg.Broker.HTTP.BaseURL); err != nil {
			add("broker.http.base_url: %v", err)
		}
	default:
		add("broker.mode must be %q or %q, got %q", BrokerSimulator, BrokerHTTP, cfg.Broker.Mode)
	}

	switch cfg.Credentials.Source {
	case CredentialsAuto, CredentialsEnv:
	case CredentialsVault:
		if strings.TrimSpace(cfg.Credentials.Vault.Path) == "" {
			add("credentials.vault.path is required when credentials.source is vault")
		}
	default:
		add("credentials.source must be env or vault, got %q", cfg.Credentials.Source)
	}

	rl := cfg.RateLimit
	if rl.MaxCallsPerWindow <= 0 {
		add("rate_limit.max_calls_per_window must be positive")
	}
	if rl.WindowSeconds <= 0 {
		add("rate_limit.window_seconds must be positive")
	}
	if rl.SafetyMargin <= 0 || rl.SafetyMargin > 1 {
		add("rate_limit.safety_margin must be within (0, 1]")
	}
	for name, class := range rl.Classes {
		if class.MaxCallsPerWindow <= 0 || class.WindowSeconds <= 0 {
			add("rate_limit.classes.%s needs a positive max_calls_per_window and window_seconds", name)
		}
	}
	switch rl.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" && strings.TrimSpace(cfg.Redis.Addr) == "" {
			add("redis.url or redis.addr is required when rate_limit.backend is redis")
		}
	default:
		add("rate_limit.backend must be %q or %q, got %q", BackendMemory, BackendRedis, rl.Backend)
	}

	if cfg.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if cfg.Retry.BaseDelaySeconds <= 0 {
		add("retry.base_delay_seconds must be positive")
	}
	if cfg.Retry.MaxDelaySeconds < cfg.Retry.BaseDelaySeconds {
		add("retry.max_delay_seconds must not be below retry.base_delay_seconds")
	}

	errs = append(errs, validatePacer(cfg.Pacer)...)

	s := cfg.Session
	if s.InactivityTimeoutMinutes <= 0 {
		add("session.inactivity_timeout_minutes must be positive")
	}
	if s.ConnectRetries < 0 {
		add("session.connect_retries must not be negative")
	}
	if s.ReconnectBackoffMaxSeconds < s.ReconnectBackoffSeconds {
		add("session.reconnect_backoff_max_seconds must not be below session.reconnect_backoff_seconds")
	}
	if s.ConnectTimeoutSeconds <= 0 {
		add("session.connect_timeout_seconds must be positive")
	}

	if cfg.Call.TimeoutSeconds <= 0 {
		add("call.timeout_seconds must be positive")
	}

	m := cfg.Monitor
	if m.WindowMinutes <= 0 {
		add("monitor.window_minutes must be positive")
	}
	if m.EvaluationIntervalSeconds <= 0 {
		add("monitor.evaluation_interval_seconds must be positive")
	}
	if m.Retention < 0 || m.SnapshotInterval < 0 {
		add("monitor.retention and monitor.snapshot_interval must not be negative")
	}

	for name, rule := range cfg.Alerts {
		if rule.Enabled && rule.Threshold <= 0 {
			add("alerts.%s.threshold must be positive", name)
		}
		if rule.WindowMinutes < 0 || rule.CooldownMinutes < 0 {
			add("alerts.%s window and cooldown must not be negative", name)
		}
		switch core.Severity(rule.Severity) {
		case "", core.SeverityInfo, core.SeverityWarning, core.SeverityCritical:
		default:
			add("alerts.%s.severity must be info, warning or critical", name)
		}
	}

	for i, hook := range cfg.Notify.Webhooks {
		if err := validateURL(hook.URL); err != nil {
			add("notify.webhooks[%d].url: %v", i, err)
		}
		switch hook.Format {
		case "", "json", "slack":
		default:
			add("notify.webhooks[%d].format must be json or slack", i)
		}
	}
	if email := cfg.Notify.Email; email.Enabled {
		if email.Host == "" || email.From == "" || len(email.To) == 0 {
			add("notify.email needs host, from and to when enabled")
		}
	}

	if cfg.Store.Enabled && cfg.Store.Driver != "" && cfg.Store.Driver != "libsql" {
		add("store.driver %q is not supported", cfg.Store.Driver)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port must be within 1-65535")
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		add("metrics.port must be within 1-65535")
	}
	if !logLevels[strings.ToLower(cfg.Logging.Level)] {
		add("logging.level %q is not one of trace, debug, info, warn, error", cfg.Logging.Level)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio must be within [0, 1]")
	}

	if len(errs) == 0 {
		return nil
	}
	return core.WrapError(core.KindConfiguration, "config", errors.Join(errs...))
}

func validatePacer(p PacerConfig) []error {
	var errs []error
	if p.MinDelaySeconds < 0 {
		errs = append(errs, errors.New("pacer.min_delay_seconds must not be negative"))
	}
	if p.MaxDelaySeconds < p.MinDelaySeconds {
		errs = append(errs, errors.New("pacer.max_delay_seconds must not be below pacer.min_delay_seconds"))
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("pacer.time_zone: %w", err))
	}
	if p.Quiet.Enabled {
		if _, err := engine.ParseClock(p.Quiet.Start); err != nil {
			errs = append(errs, fmt.Errorf("pacer.quiet.start: %w", err))
		}
		if _, err := engine.ParseClock(p.Quiet.End); err != nil {
			errs = append(errs, fmt.Errorf("pacer.quiet.end: %w", err))
		}
		switch engine.QuietMode(p.Quiet.Mode) {
		case engine.QuietStretch, engine.QuietSuppress:
		default:
			errs = append(errs, fmt.Errorf("pacer.quiet.mode must be stretch or suppress, got %q", p.Quiet.Mode))
		}
		if engine.QuietMode(p.Quiet.Mode) == engine.QuietStretch && p.Quiet.Factor < 1 {
			errs = append(errs, errors.New("pacer.quiet.factor must be at least 1"))
		}
	}
	for i, w := range p.Active {
		_, startErr := engine.ParseClock(w.Start)
		_, endErr := engine.ParseClock(w.End)
		if startErr != nil || endErr != nil {
			errs = append(errs, fmt.Errorf("pacer.active[%d] needs HH:MM start and end", i))
		}
		if w.Factor <= 0 || w.Factor > 1 {
			errs = append(errs, fmt.Errorf("pacer.active[%d].factor must be within (0, 1]", i))
		}
	}
	return errs
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("host is missing")
	}
	return nil
}
