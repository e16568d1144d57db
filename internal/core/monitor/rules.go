package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
)

// Built-in rule names.
const (
	RuleErrorRate          = "error_rate"
	RuleRateLimit          = "rate_limit"
	RuleSlowResponse       = "slow_response"
	RuleSessionInstability = "session_instability"
	RuleNetworkErrors      = "network_errors"
)

const (
	DefaultRuleWindow   = 5 * time.Minute
	DefaultRuleCooldown = 5 * time.Minute
)

// AlertRule fires when Predicate holds for the statistics of its window.
// A rule fires at most once per Cooldown.
type AlertRule struct {
	Name     string
	Severity core.Severity
	Window   time.Duration
	Cooldown time.Duration
	// MinSamples is the minimum record count before Predicate is consulted.
	MinSamples int
	// Predicate reports whether the rule holds and describes why.
	Predicate func(core.Statistics) (bool, string)
}

func (r AlertRule) normalize() (AlertRule, error) {
	if r.Name == "" {
		return r, core.NewError(core.KindConfiguration, "monitor.rule", "rule name is required")
	}
	if r.Predicate == nil {
		return r, core.NewError(core.KindConfiguration, "monitor.rule", fmt.Sprintf("rule %q has no predicate", r.Name))
	}
	if r.Window <= 0 {
		r.Window = DefaultRuleWindow
	}
	if r.Cooldown <= 0 {
		r.Cooldown = DefaultRuleCooldown
	}
	if r.Severity == "" {
		r.Severity = core.SeverityWarning
	}
	return r, nil
}

// RuleConfig parameterises a built-in rule.
type RuleConfig struct {
	Enabled   bool          `json:"enabled"`
	Threshold float64       `json:"threshold"`
	Window    time.Duration `json:"window"`
	Cooldown  time.Duration `json:"cooldown"`
	Severity  core.Severity `json:"severity"`
}

// DefaultRuleConfigs returns the built-in rule parameters.
func DefaultRuleConfigs() map[string]RuleConfig {
	return map[string]RuleConfig{
		RuleErrorRate:          {Enabled: true, Threshold: 0.10, Window: DefaultRuleWindow, Cooldown: DefaultRuleCooldown, Severity: core.SeverityWarning},
		RuleRateLimit:          {Enabled: true, Threshold: 5, Window: DefaultRuleWindow, Cooldown: DefaultRuleCooldown, Severity: core.SeverityWarning},
		RuleSlowResponse:       {Enabled: true, Threshold: 5, Window: DefaultRuleWindow, Cooldown: DefaultRuleCooldown, Severity: core.SeverityWarning},
		RuleSessionInstability: {Enabled: true, Threshold: 3, Window: DefaultRuleWindow, Cooldown: DefaultRuleCooldown, Severity: core.SeverityCritical},
		RuleNetworkErrors:      {Enabled: true, Threshold: 5, Window: DefaultRuleWindow, Cooldown: DefaultRuleCooldown, Severity: core.SeverityWarning},
	}
}

// BuiltinRule builds the named built-in rule. Thresholds are a ratio for
// error_rate, seconds for slow_response and counts for the rest.
func BuiltinRule(name string, cfg RuleConfig) (AlertRule, error) {
	rule := AlertRule{
		Name:     name,
		Severity: cfg.Severity,
		Window:   cfg.Window,
		Cooldown: cfg.Cooldown,
	}
	threshold := cfg.Threshold

	switch name {
	case RuleErrorRate:
		rule.MinSamples = 5
		rule.Predicate = func(s core.Statistics) (bool, string) {
			return s.ErrorRate > threshold, fmt.Sprintf("error rate %.1f%% over %s exceeds %.1f%% (%d of %d calls failed)",
				s.ErrorRate*100, s.Window, threshold*100, s.Failures, s.Count)
		}
	case RuleRateLimit:
		rule.Predicate = func(s core.Statistics) (bool, string) {
			return float64(s.RateLimited) >= threshold, fmt.Sprintf("%d rate-limit rejections in %s", s.RateLimited, s.Window)
		}
	case RuleSlowResponse:
		limit := time.Duration(threshold * float64(time.Second))
		rule.MinSamples = 1
		rule.Predicate = func(s core.Statistics) (bool, string) {
			return s.AvgLatency > limit, fmt.Sprintf("average latency %s over %s exceeds %s",
				s.AvgLatency.Round(time.Millisecond), s.Window, limit)
		}
	case RuleSessionInstability:
		rule.Predicate = func(s core.Statistics) (bool, string) {
			return float64(s.Reconnects) >= threshold, fmt.Sprintf("%d session reconnects in %s", s.Reconnects, s.Window)
		}
	case RuleNetworkErrors:
		rule.Predicate = func(s core.Statistics) (bool, string) {
			n := TransientFailures(s)
			return float64(n) >= threshold, fmt.Sprintf("%d transient network errors in %s", n, s.Window)
		}
	default:
		return AlertRule{}, core.NewError(core.KindConfiguration, "monitor.rule", fmt.Sprintf("unknown built-in rule %q", name))
	}

	if threshold <= 0 {
		return AlertRule{}, core.NewError(core.KindConfiguration, "monitor.rule", fmt.Sprintf("rule %q needs a positive threshold", name))
	}
	return rule.normalize()
}

// BuiltinRules builds the enabled built-in rules, applying overrides by name.
func BuiltinRules(overrides map[string]RuleConfig) ([]AlertRule, error) {
	configs := DefaultRuleConfigs()
	for name, cfg := range overrides {
		if _, ok := configs[name]; !ok {
			return nil, core.NewError(core.KindConfiguration, "monitor.rule", fmt.Sprintf("unknown built-in rule %q", name))
		}
		configs[name] = cfg
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	rules := make([]AlertRule, 0, len(names))
	for _, name := range names {
		cfg := configs[name]
		if !cfg.Enabled {
			continue
		}
		rule, err := BuiltinRule(name, cfg)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
