package metrics

import (
	"time"

	"github.com/brokerguard/brokerguard/internal/observability"
)

// Application-level metrics following Prometheus conventions
var (
	// Broker call metrics
	CallsTotal       = "broker_calls_total"
	CallDuration     = "broker_call_duration_ms"
	CallAttemptTotal = "broker_call_attempts_total"
	RetriesTotal     = "broker_retries_total"

	// Throttling metrics
	ThrottleWaitDuration = "broker_throttle_wait_ms"
	ThrottleRejected     = "broker_throttle_rejected_total"
	RemoteBackoffTotal   = "broker_remote_backoff_total"

	// Session metrics
	SessionState    = "broker_session_state"
	ReconnectsTotal = "broker_reconnects_total"
	ConnectFailures = "broker_connect_failures_total"
	KeepAliveTotal  = "broker_keepalive_total"

	// Monitor metrics
	AlertsTotal         = "broker_alerts_total"
	RecordsDroppedTotal = "broker_monitor_records_dropped_total"
	NotifyFailures      = "broker_notify_failures_total"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordCall records the terminal outcome of a broker call
func RecordCall(endpoint string, kind string, duration time.Duration) {
	status := "success"
	if kind != "" {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CallsTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"status":   status,
				"kind":     kind,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			CallDuration,
			duration,
			map[string]string{
				"endpoint": endpoint,
			},
		)
	}
}

// RecordAttempt records one remote attempt
func RecordAttempt(endpoint string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CallAttemptTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"status":   status,
			},
		)
	}
}

// RecordRetry records a scheduled retry
func RecordRetry(endpoint string, kind string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RetriesTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"kind":     kind,
			},
		)
	}
}

// RecordThrottleWait records time spent waiting for a rate limit slot
func RecordThrottleWait(class string, wait time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			ThrottleWaitDuration,
			wait,
			map[string]string{
				"class": class,
			},
		)
	}
}

// RecordThrottleReject records a call rejected by a non-blocking limiter
func RecordThrottleReject(class string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ThrottleRejected,
			1,
			map[string]string{
				"class": class,
			},
		)
	}
}

// RecordRemoteBackoff records a remote rate-limit response
func RecordRemoteBackoff(class string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RemoteBackoffTotal,
			1,
			map[string]string{
				"class": class,
			},
		)
	}
}

// SetSessionState publishes the numeric session state
func SetSessionState(state int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			SessionState,
			float64(state),
			nil,
		)
	}
}

// RecordReconnect records a successful re-authentication
func RecordReconnect() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(ReconnectsTotal, 1, nil)
	}
}

// RecordConnectFailure records a failed connect by error kind
func RecordConnectFailure(kind string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ConnectFailures,
			1,
			map[string]string{
				"kind": kind,
			},
		)
	}
}

// RecordKeepAlive records a keep-alive probe
func RecordKeepAlive(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			KeepAliveTotal,
			1,
			map[string]string{
				"status": status,
			},
		)
	}
}

// RecordAlert records a fired alert
func RecordAlert(rule string, severity string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			AlertsTotal,
			1,
			map[string]string{
				"rule":     rule,
				"severity": severity,
			},
		)
	}
}

// RecordDroppedRecord records a call record dropped because the monitor queue was full
func RecordDroppedRecord() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(RecordsDroppedTotal, 1, nil)
	}
}

// RecordNotifyFailure records a notifier delivery failure
func RecordNotifyFailure(notifier string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			NotifyFailures,
			1,
			map[string]string{
				"notifier": notifier,
			},
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}
