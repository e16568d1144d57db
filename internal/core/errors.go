package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the closed set of failure classes crossing the client boundary.
type ErrorKind string

const (
	KindUnknown           ErrorKind = "unknown"
	KindAuthentication    ErrorKind = "authentication"
	KindSessionExpired    ErrorKind = "session_expired"
	KindRateLimited       ErrorKind = "rate_limited"
	KindTimeout           ErrorKind = "timeout"
	KindNetwork           ErrorKind = "network"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindConfiguration     ErrorKind = "configuration"
	KindCanceled          ErrorKind = "canceled"
	KindSuppressed        ErrorKind = "suppressed"
)

// Kinds lists every ErrorKind in display order.
var Kinds = []ErrorKind{
	KindAuthentication,
	KindSessionExpired,
	KindRateLimited,
	KindTimeout,
	KindNetwork,
	KindMalformedResponse,
	KindNotFound,
	KindInvalidRequest,
	KindConfiguration,
	KindCanceled,
	KindSuppressed,
	KindUnknown,
}

// Transient reports whether failures of this kind may succeed on retry.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is the domain error returned by every client operation.
type Error struct {
	Kind       ErrorKind
	Op         string
	Message    string
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError classifies err under kind.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited builds a rate-limit error carrying the retry hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Op:         op,
		Message:    fmt.Sprintf("retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// RetryAfterOf returns the remote retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// AsError normalises any error into an *Error. Context errors map to
// timeout or canceled; unclassified errors become KindUnknown.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return WrapError(KindCanceled, op, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return WrapError(KindTimeout, op, err)
		}
		return WrapError(KindNetwork, op, err)
	}
	return WrapError(KindUnknown, op, err)
}
