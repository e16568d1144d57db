package core

import "time"

// RateLimitState captures the persisted remote backoff for a limiter class.
type RateLimitState struct {
	Rejections   int        `json:"rejections"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
	Last429At    *time.Time `json:"last_429_at,omitempty"`
}
