package remote

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/brokerguard/brokerguard/internal/core"
)

// Phase distinguishes login responses from operation responses; a 401 means
// bad credentials at login but an expired session afterwards.
type Phase int

const (
	PhaseOperation Phase = iota
	PhaseConnect
)

// maxDetails bounds the response body quoted in an error message, in bytes.
const maxDetails = 200

// ClassifyStatus maps a non-2xx broker response to a domain error.
func ClassifyStatus(op string, phase Phase, resp *http.Response, body string) *core.Error {
	if resp == nil {
		return core.NewError(core.KindUnknown, op, "no response")
	}
	status := resp.StatusCode
	details := truncate(strings.TrimSpace(body), maxDetails)
	message := fmt.Sprintf("status %d", status)
	if details != "" {
		message += ": " + details
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if phase == PhaseConnect {
			return core.NewError(core.KindAuthentication, op, message)
		}
		return core.NewError(core.KindSessionExpired, op, message)
	case status == http.StatusBadRequest && phase == PhaseConnect:
		return core.NewError(core.KindAuthentication, op, message)
	case status == http.StatusTooManyRequests:
		err := core.NewError(core.KindRateLimited, op, message)
		err.RetryAfter = RetryAfter(resp, time.Now())
		return err
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return core.NewError(core.KindTimeout, op, message)
	case status == http.StatusNotFound:
		return core.NewError(core.KindNotFound, op, message)
	case status >= 500 && status <= 599:
		err := core.NewError(core.KindNetwork, op, message)
		err.RetryAfter = RetryAfter(resp, time.Now())
		return err
	case status >= 400 && status <= 499:
		return core.NewError(core.KindInvalidRequest, op, message)
	default:
		return core.NewError(core.KindUnknown, op, message)
	}
}

// RetryAfter parses a Retry-After header given as seconds or an HTTP date.
func RetryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}

	retry := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retry == "" {
		return 0
	}

	if seconds, err := time.ParseDuration(retry + "s"); err == nil {
		if seconds < 0 {
			return 0
		}
		return seconds
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if d := parsed.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
