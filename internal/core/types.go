package core

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of the broker session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *SessionState) UnmarshalText(text []byte) error {
	for _, candidate := range []SessionState{StateDisconnected, StateConnecting, StateConnected, StateExpired} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Session is a point-in-time copy of the authenticated session.
type Session struct {
	State          SessionState `json:"state"`
	EstablishedAt  time.Time    `json:"established_at,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at,omitempty"`
	Account        string       `json:"account,omitempty"`
}

// SessionEventType classifies session notifications.
type SessionEventType string

const (
	EventConnected        SessionEventType = "connected"
	EventReconnected      SessionEventType = "reconnected"
	EventDisconnected     SessionEventType = "disconnected"
	EventExpired          SessionEventType = "expired"
	EventConnectFailed    SessionEventType = "connect_failed"
	// EventConnectRetry is one failed login attempt that will be retried.
	EventConnectRetry     SessionEventType = "connect_retry"
	EventAuthFailed       SessionEventType = "auth_failed"
	EventAuthFailureReset SessionEventType = "auth_failure_reset"
)

// SessionEvent describes a session state transition.
type SessionEvent struct {
	Type    SessionEventType `json:"type"`
	From    SessionState     `json:"from"`
	To      SessionState     `json:"to"`
	At      time.Time        `json:"at"`
	Account string           `json:"account,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Err     error            `json:"-"`
}

// CallRecord is the outcome of one remote attempt or of a whole call.
//
// Attempt is the 1-based remote attempt index, zero when the call failed
// before reaching the remote. Final marks the one terminal record of a call.
type CallRecord struct {
	CallID    string        `json:"call_id"`
	Endpoint  string        `json:"endpoint"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Attempt   int           `json:"attempt"`
	Final     bool          `json:"final"`
}

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a configuration string to a Severity, defaulting to warning.
func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityInfo, SeverityCritical:
		return Severity(raw)
	default:
		return SeverityWarning
	}
}

// Statistics summarises the call records inside one window.
type Statistics struct {
	Window      time.Duration       `json:"window"`
	From        time.Time           `json:"from"`
	To          time.Time           `json:"to"`
	Count       int                 `json:"count"`
	Failures    int                 `json:"failures"`
	ErrorRate   float64             `json:"error_rate"`
	AvgLatency  time.Duration       `json:"avg_latency"`
	P95Latency  time.Duration       `json:"p95_latency"`
	MaxLatency  time.Duration       `json:"max_latency"`
	RateLimited int                 `json:"rate_limited"`
	Reconnects  int                 `json:"reconnects"`
	ByKind      map[ErrorKind]int   `json:"by_kind,omitempty"`
	ByEndpoint  map[string]Endpoint `json:"by_endpoint,omitempty"`
}

// Endpoint aggregates per-endpoint counters inside a Statistics window.
type Endpoint struct {
	Count    int `json:"count"`
	Failures int `json:"failures"`
}

// Alert is a fired alert rule.
type Alert struct {
	ID         string     `json:"id"`
	Rule       string     `json:"rule"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Statistics Statistics `json:"statistics"`
	FiredAt    time.Time  `json:"fired_at"`
}
