package metrics

import (
	"strconv"

	"github.com/brokerguard/brokerguard/internal/observability"
)

// Status API error metrics. Broker call failures are counted by RecordCall;
// these count the error responses the HTTP surface returns.
const (
	APIErrorsTotal   = "api_errors_total"
	APIErrorsByRoute = "api_errors_by_route"
	APIPanicsTotal   = "api_panics_total"
)

// RecordAPIError counts one error response on route. kind is the broker error
// kind behind the response, empty when the API layer raised the error itself.
func RecordAPIError(route, code, kind string, status int) {
	if observability.TelemetrySystem == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	_ = observability.TelemetrySystem.Counter(
		APIErrorsTotal,
		1,
		map[string]string{
			"error_code":  code,
			"kind":        kind,
			"http_status": strconv.Itoa(status),
		},
	)
	if route == "" {
		return
	}
	_ = observability.TelemetrySystem.Counter(
		APIErrorsByRoute,
		1,
		map[string]string{
			"route":      route,
			"error_code": code,
		},
	)
}

// RecordPanic counts a handler panic recovered on route.
func RecordPanic(route string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			APIPanicsTotal,
			1,
			map[string]string{"route": route},
		)
	}
}
