package engine

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// RetryPolicy retries one operation with capped exponential backoff and jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether a failure is retried. Defaults to core.IsTransient.
	Retryable func(error) bool
	// Jitter returns a random duration in [0, base).
	Jitter func(base time.Duration) time.Duration
	// Timer replaces the wall-clock timer between attempts.
	Timer backoff.Timer
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
	Logger  core.Logger
}

// Operation is one attempt of a retried call. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Execute runs op until it succeeds, fails with a non-retryable error or
// exhausts MaxAttempts. Failures are returned as *core.Error with Attempts set.
func (p *RetryPolicy) Execute(ctx context.Context, op Operation) error {
	if ctx == nil {
		ctx = context.Background()
	}

	schedule := &retrySchedule{
		base:        p.baseDelay(),
		max:         p.maxDelay(),
		maxAttempts: p.maxAttempts(),
		jitter:      p.jitter,
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.retryable(err) {
			return backoff.Permanent(err)
		}
		schedule.hint = core.RetryAfterOf(err)
		return err
	}

	notify := func(err error, delay time.Duration) {
		core.LoggerOr(p.Logger).Debug("Retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.String("kind", string(core.KindOf(err))),
			zap.Duration("delay", delay),
			zap.Error(err))
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(schedule, ctx), notify, p.Timer)
	if err == nil {
		return nil
	}

	domainErr := *core.AsError("retry", err)
	domainErr.Attempts = attempt
	return &domainErr
}

// Delay returns the backoff before retry index i (0-based), without jitter.
func (p *RetryPolicy) Delay(i int) time.Duration {
	return exponentialDelay(p.baseDelay(), p.maxDelay(), i)
}

func (p *RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return core.IsTransient(err)
}

func (p *RetryPolicy) jitter(base time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(base)
	}
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

func (p *RetryPolicy) maxAttempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p *RetryPolicy) baseDelay() time.Duration {
	if p == nil || p.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return p.BaseDelay
}

func (p *RetryPolicy) maxDelay() time.Duration {
	if p == nil || p.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return p.MaxDelay
}

// retrySchedule implements backoff.BackOff: min(max, base*2^i) + jitter[0, base),
// replaced by a larger remote retry-after hint.
type retrySchedule struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	jitter      func(time.Duration) time.Duration
	hint        time.Duration
	retries     int
}

func (s *retrySchedule) NextBackOff() time.Duration {
	if s.retries+1 >= s.maxAttempts {
		return backoff.Stop
	}
	delay := exponentialDelay(s.base, s.max, s.retries) + s.jitter(s.base)
	if s.hint > delay {
		delay = s.hint
	}
	s.hint = 0
	s.retries++
	return delay
}

func (s *retrySchedule) Reset() {
	s.retries = 0
	s.hint = 0
}

func exponentialDelay(base, max time.Duration, i int) time.Duration {
	if i < 0 {
		i = 0
	}
	if i > 30 {
		return max
	}
	delay := base << uint(i)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
