package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/metrics"
)

// DefaultClass is the limiter class used when an endpoint matches no configured class.
const DefaultClass = "default"

// RateLimiter enforces a sliding-window budget per endpoint class.
type RateLimiter struct {
	// Window holds the call log. Defaults to an in-process MemoryWindow.
	Window WindowStore
	// Store persists remote backoff windows across restarts. Optional.
	Store   RateLimitStore
	Limits  map[string]RateLimit
	Default RateLimit
	Clock   func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
	Margin  float64
	// NonBlocking rejects with a rate-limit error instead of waiting.
	NonBlocking bool
	Logger      core.Logger

	mu      sync.Mutex
	backoff map[string]time.Time
	loaded  map[string]bool
}

// RateLimit represents a rate limit window.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RateLimitStore stores remote backoff state per limiter class.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, class string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, class string, state *core.RateLimitState) error
}

// DefaultLimit is the budget applied when no class limit is configured.
var DefaultLimit = RateLimit{RequestsPerWindow: 60, WindowDuration: time.Minute}

// ClassUsage reports the live state of one limiter class.
type ClassUsage struct {
	Class        string        `json:"class"`
	Used         int           `json:"used"`
	Limit        int           `json:"limit"`
	Window       time.Duration `json:"window"`
	BackoffUntil *time.Time    `json:"backoff_until,omitempty"`
}

// Acquire waits until weight calls against endpoint's class are admitted.
// In non-blocking mode it returns a KindRateLimited error carrying the wait instead.
func (r *RateLimiter) Acquire(ctx context.Context, endpoint string, weight int) error {
	if r == nil {
		return nil
	}
	class := r.ClassFor(endpoint)
	var waited time.Duration
	for {
		wait, err := r.reserve(ctx, class, weight)
		if err != nil {
			return err
		}
		if wait <= 0 {
			if waited > 0 {
				metrics.RecordThrottleWait(class, waited)
			}
			return nil
		}
		if r.NonBlocking {
			metrics.RecordThrottleReject(class)
			return core.RateLimited("ratelimit."+class, wait)
		}

		r.logger().Debug("Rate limit reached, waiting",
			zap.String("class", class),
			zap.Duration("wait", wait))
		if err := r.sleep(ctx, wait); err != nil {
			return core.AsError("ratelimit."+class, err)
		}
		waited += wait
	}
}

// TryAcquire admits weight calls or fails fast with a KindRateLimited error.
func (r *RateLimiter) TryAcquire(ctx context.Context, endpoint string, weight int) error {
	if r == nil {
		return nil
	}
	class := r.ClassFor(endpoint)
	wait, err := r.reserve(ctx, class, weight)
	if err != nil {
		return err
	}
	if wait > 0 {
		metrics.RecordThrottleReject(class)
		return core.RateLimited("ratelimit."+class, wait)
	}
	return nil
}

// Backoff pauses endpoint's class for retryAfter after a remote rate-limit response.
// The pause holds in memory even when the store cannot be read or written; the
// returned error only reports that persisting it failed.
func (r *RateLimiter) Backoff(ctx context.Context, endpoint string, retryAfter time.Duration) error {
	if r == nil {
		return nil
	}
	class := r.ClassFor(endpoint)
	now := r.now()

	state := &core.RateLimitState{Last429At: &now}
	r.mu.Lock()
	if r.backoff == nil {
		r.backoff = make(map[string]time.Time)
	}
	if retryAfter > 0 {
		until := now.Add(retryAfter)
		if current, ok := r.backoff[class]; !ok || until.After(current) {
			r.backoff[class] = until
		}
		until = r.backoff[class]
		state.BackoffUntil = &until
	}
	r.mu.Unlock()

	metrics.RecordRemoteBackoff(class)
	r.logger().Warn("Remote rate limit, backing off",
		zap.String("class", class),
		zap.Duration("retry_after", retryAfter))

	if r.Store == nil {
		return nil
	}
	prev, err := r.Store.GetRateLimit(ctx, class)
	if err != nil {
		r.logger().Warn("Failed to load persisted rate limit", zap.String("class", class), zap.Error(err))
	} else if prev != nil {
		state.Rejections = prev.Rejections
	}
	state.Rejections++
	return r.Store.UpdateRateLimit(ctx, class, state)
}

// ApplyOverrides merges per-class limits over the configured ones.
func (r *RateLimiter) ApplyOverrides(overrides map[string]RateLimit) {
	if r == nil || len(overrides) == 0 {
		return
	}

	if r.Limits == nil {
		r.Limits = make(map[string]RateLimit, len(overrides))
	}

	for class, limit := range overrides {
		class = strings.TrimSpace(class)
		if class == "" || limit.RequestsPerWindow <= 0 || limit.WindowDuration <= 0 {
			continue
		}
		r.Limits[class] = limit
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

// ClassFor resolves the limiter class of an endpoint: the exact class name,
// then the prefix before the first dot, then the default class.
func (r *RateLimiter) ClassFor(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if r == nil || len(r.Limits) == 0 {
		return DefaultClass
	}
	if _, ok := r.Limits[endpoint]; ok {
		return endpoint
	}
	if prefix, _, found := strings.Cut(endpoint, "."); found {
		if _, ok := r.Limits[prefix]; ok {
			return prefix
		}
	}
	return DefaultClass
}

// Usage reports every configured class plus the default class.
func (r *RateLimiter) Usage(ctx context.Context) ([]ClassUsage, error) {
	if r == nil {
		return nil, nil
	}
	classes := []string{DefaultClass}
	for class := range r.Limits {
		if class != DefaultClass {
			classes = append(classes, class)
		}
	}
	sort.Strings(classes[1:])

	now := r.now()
	out := make([]ClassUsage, 0, len(classes))
	for _, class := range classes {
		limit := r.getLimit(class)
		used, err := r.window().Usage(ctx, class, limit, now)
		if err != nil {
			return nil, fmt.Errorf("rate limit usage %s: %w", class, err)
		}
		usage := ClassUsage{Class: class, Used: used, Limit: limit.RequestsPerWindow, Window: limit.WindowDuration}
		if until, ok := r.backoffUntil(ctx, class); ok && now.Before(until) {
			usage.BackoffUntil = &until
		}
		out = append(out, usage)
	}
	return out, nil
}

func (r *RateLimiter) reserve(ctx context.Context, class string, weight int) (time.Duration, error) {
	if weight <= 0 {
		weight = 1
	}
	now := r.now()

	if until, ok := r.backoffUntil(ctx, class); ok && now.Before(until) {
		return until.Sub(now), nil
	}

	limit := r.getLimit(class)
	if weight > limit.RequestsPerWindow {
		return 0, core.NewError(core.KindConfiguration, "ratelimit."+class,
			fmt.Sprintf("weight %d exceeds class capacity %d", weight, limit.RequestsPerWindow))
	}

	admission, err := r.window().Take(ctx, class, limit, weight, now)
	if err != nil {
		return 0, core.WrapError(core.KindNetwork, "ratelimit."+class, err)
	}
	if admission.Admitted {
		return 0, nil
	}

	wait := admission.RetryAt.Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, nil
}

func (r *RateLimiter) backoffUntil(ctx context.Context, class string) (time.Time, bool) {
	r.mu.Lock()
	until, ok := r.backoff[class]
	needLoad := r.Store != nil && !r.loaded[class]
	r.mu.Unlock()

	if ok || !needLoad {
		return until, ok
	}

	state, err := r.Store.GetRateLimit(ctx, class)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded == nil {
		r.loaded = make(map[string]bool)
	}
	if err != nil {
		r.logger().Warn("Failed to load persisted rate limit", zap.String("class", class), zap.Error(err))
		return time.Time{}, false
	}
	r.loaded[class] = true
	if state == nil || state.BackoffUntil == nil {
		return time.Time{}, false
	}
	if r.backoff == nil {
		r.backoff = make(map[string]time.Time)
	}
	if current, exists := r.backoff[class]; !exists || state.BackoffUntil.After(current) {
		r.backoff[class] = *state.BackoffUntil
	}
	return r.backoff[class], true
}

func (r *RateLimiter) getLimit(class string) RateLimit {
	if limit, ok := r.Limits[class]; ok {
		return r.applyMargin(limit)
	}
	if r.Default.RequestsPerWindow > 0 && r.Default.WindowDuration > 0 {
		return r.applyMargin(r.Default)
	}
	return r.applyMargin(DefaultLimit)
}

func (r *RateLimiter) window() WindowStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Window == nil {
		r.Window = NewMemoryWindow()
	}
	return r.Window
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (r *RateLimiter) logger() core.Logger {
	return core.LoggerOr(r.Logger)
}

func (r *RateLimiter) applyMargin(limit RateLimit) RateLimit {
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	return limit
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
