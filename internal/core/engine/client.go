package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/remote"
	"github.com/brokerguard/brokerguard/internal/metrics"
)

// DefaultCallTimeout bounds each remote attempt when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

const tracerName = "github.com/brokerguard/brokerguard/internal/core/engine"

// Recorder receives call outcomes. Record must not block.
type Recorder interface {
	Record(core.CallRecord)
}

// SessionRecorder receives session events alongside call records.
type SessionRecorder interface {
	RecordSessionEvent(core.SessionEvent)
}

// ClientConfig assembles a Client.
type ClientConfig struct {
	Session  *SessionManager
	Limiter  *RateLimiter
	Pacer    *HumanPacer
	Retry    *RetryPolicy
	Recorder Recorder
	// Invoker serves Client.Invoke for opaque named operations.
	Invoker remote.Invoker
	Timeout time.Duration
	Tracer  trace.Tracer
	Clock   func() time.Time
	Logger  core.Logger
}

// Client is the single entry point for broker calls. It paces, connects,
// throttles and retries each call and reports every outcome.
type Client struct {
	session  *SessionManager
	limiter  *RateLimiter
	pacer    *HumanPacer
	retry    *RetryPolicy
	recorder Recorder
	invoker  remote.Invoker
	timeout  time.Duration
	tracer   trace.Tracer
	clock    func() time.Time
	log      core.Logger

	unsubscribe func()
}

// NewClient wires a Client and subscribes it to session events.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Session == nil {
		return nil, core.NewError(core.KindConfiguration, "client", "session manager is required")
	}
	if cfg.Retry == nil {
		cfg.Retry = &RetryPolicy{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	c := &Client{
		session:  cfg.Session,
		limiter:  cfg.Limiter,
		pacer:    cfg.Pacer,
		retry:    cfg.Retry,
		recorder: cfg.Recorder,
		invoker:  cfg.Invoker,
		timeout:  cfg.Timeout,
		tracer:   cfg.Tracer,
		clock:    cfg.Clock,
		log:      core.LoggerOr(cfg.Logger),
	}
	c.unsubscribe = cfg.Session.Subscribe(c.onSessionEvent)
	return c, nil
}

// Close detaches the client from session events.
func (c *Client) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Session returns the client's session manager.
func (c *Client) Session() *SessionManager { return c.session }

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *RateLimiter { return c.limiter }

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	weight  int
}

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithWeight charges the call as weight requests against its limiter class.
func WithWeight(weight int) CallOption {
	return func(o *callOptions) {
		if weight > 0 {
			o.weight = weight
		}
	}
}

// Call runs op through c and returns its result.
func Call[T any](ctx context.Context, c *Client, endpoint string, op func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := c.Do(ctx, endpoint, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Invoke calls the named endpoint on the configured invoker.
func (c *Client) Invoke(ctx context.Context, endpoint string, opts ...CallOption) (json.RawMessage, error) {
	if c.invoker == nil {
		return nil, core.NewError(core.KindConfiguration, endpoint, "no invoker configured")
	}
	return Call(ctx, c, endpoint, func(ctx context.Context) (json.RawMessage, error) {
		return c.invoker.Invoke(ctx, endpoint)
	}, opts...)
}

// Do runs op through c. The returned error, if any, is a *core.Error.
func (c *Client) Do(ctx context.Context, endpoint string, op func(ctx context.Context) error, opts ...CallOption) error {
	if ctx == nil {
		ctx = context.Background()
	}
	options := callOptions{timeout: c.timeout, weight: 1}
	for _, opt := range opts {
		opt(&options)
	}

	call := &callState{
		client:   c,
		id:       uuid.NewString(),
		endpoint: endpoint,
		start:    c.clock(),
		options:  options,
	}

	ctx, span := c.tracer.Start(ctx, "brokerguard.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("broker.endpoint", endpoint),
			attribute.String("broker.call_id", call.id),
		))
	defer span.End()

	err := call.run(ctx, op)
	call.finish(err)

	span.SetAttributes(attribute.Int("broker.attempts", call.attempts))
	if err != nil {
		kind := core.KindOf(err)
		span.SetAttributes(attribute.String("broker.error_kind", string(kind)))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Client) onSessionEvent(ev core.SessionEvent) {
	if ev.Type == core.EventReconnected {
		c.pacer.Reset()
	}
	if sr, ok := c.recorder.(SessionRecorder); ok {
		sr.RecordSessionEvent(ev)
	}
}

func (c *Client) emit(rec core.CallRecord) {
	if c.recorder != nil {
		c.recorder.Record(rec)
	}
}

// callState tracks one façade call across its attempts.
type callState struct {
	client   *Client
	id       string
	endpoint string
	start    time.Time
	options  callOptions

	attempts int
	// pending is the latest failed or completed attempt; it becomes the
	// terminal record unless another attempt follows.
	pending *core.CallRecord
}

func (s *callState) run(ctx context.Context, op func(ctx context.Context) error) error {
	c := s.client

	if err := c.pacer.Delay(ctx); err != nil {
		return core.AsError(s.endpoint, err)
	}

	policy := *c.retry
	policy.Retryable = func(err error) bool {
		kind := core.KindOf(err)
		return kind.Transient() || kind == core.KindSessionExpired
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RecordRetry(s.endpoint, string(core.KindOf(err)))
		trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
			attribute.Int("broker.attempt", attempt),
			attribute.String("broker.error_kind", string(core.KindOf(err))),
			attribute.Int64("broker.delay_ms", delay.Milliseconds()),
		))
		if c.retry.OnRetry != nil {
			c.retry.OnRetry(attempt, err, delay)
		}
	}

	return policy.Execute(ctx, func(ctx context.Context, _ int) error {
		s.flushPending()

		started := c.clock()
		if err := c.session.EnsureConnected(ctx); err != nil {
			return s.local(started, err)
		}
		if err := c.limiter.Acquire(ctx, s.endpoint, s.options.weight); err != nil {
			return s.local(started, err)
		}
		return s.attempt(ctx, op)
	})
}

// local holds a failure raised before the request reached the remote as the
// pending record, so a retried rejection is reported like a remote attempt.
func (s *callState) local(started time.Time, err error) error {
	rec := core.CallRecord{
		CallID:    s.id,
		Endpoint:  s.endpoint,
		StartTime: started,
		Duration:  s.client.clock().Sub(started),
		ErrorKind: core.KindOf(err),
	}
	s.pending = &rec
	return err
}

// attempt performs one remote request under the per-attempt timeout.
func (s *callState) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	c := s.client
	s.attempts++

	attemptCtx, cancel := context.WithTimeout(ctx, s.options.timeout)
	started := c.clock()
	err := op(attemptCtx)
	attemptErr := attemptCtx.Err()
	cancel()
	elapsed := c.clock().Sub(started)

	var domainErr *core.Error
	if err != nil {
		domainErr = s.classify(ctx, attemptErr, err)
	}

	rec := core.CallRecord{
		CallID:    s.id,
		Endpoint:  s.endpoint,
		StartTime: started,
		Duration:  elapsed,
		Success:   err == nil,
		Attempt:   s.attempts,
	}
	if domainErr != nil {
		rec.ErrorKind = domainErr.Kind
	}
	s.pending = &rec
	metrics.RecordAttempt(s.endpoint, err == nil)

	if domainErr == nil {
		c.session.Touch()
		return nil
	}

	switch domainErr.Kind {
	case core.KindSessionExpired:
		c.session.Invalidate("remote reported expired session")
	case core.KindRateLimited:
		if berr := c.limiter.Backoff(ctx, s.endpoint, domainErr.RetryAfter); berr != nil {
			c.log.Warn("Failed to persist rate limit backoff",
				zap.String("endpoint", s.endpoint),
				zap.Error(berr))
		}
	}
	return domainErr
}

// classify maps an attempt failure onto the error taxonomy. The attempt's own
// deadline is a timeout; cancellation of the caller's context is not retried.
func (s *callState) classify(ctx context.Context, attemptErr error, err error) *core.Error {
	if parentErr := ctx.Err(); parentErr != nil {
		return core.WrapError(core.KindOf(core.AsError(s.endpoint, parentErr)), s.endpoint, err)
	}
	domainErr := core.AsError(s.endpoint, err)
	if errors.Is(attemptErr, context.DeadlineExceeded) && domainErr.Kind != core.KindTimeout {
		return &core.Error{
			Kind:    core.KindTimeout,
			Op:      s.endpoint,
			Message: "attempt deadline exceeded",
			Err:     err,
		}
	}
	return domainErr
}

func (s *callState) flushPending() {
	if s.pending == nil {
		return
	}
	s.client.emit(*s.pending)
	s.pending = nil
}

// finish emits the terminal record for the call.
func (s *callState) finish(err error) {
	c := s.client
	kind := core.KindOf(err)
	total := c.clock().Sub(s.start)

	if s.pending != nil && s.pending.ErrorKind == kind {
		rec := *s.pending
		rec.Final = true
		s.pending = nil
		c.emit(rec)
	} else {
		s.flushPending()
		c.emit(core.CallRecord{
			CallID:    s.id,
			Endpoint:  s.endpoint,
			StartTime: s.start,
			Duration:  total,
			Success:   err == nil,
			ErrorKind: kind,
			Final:     true,
		})
	}

	metrics.RecordCall(s.endpoint, string(kind), total)
	if err != nil {
		c.log.Warn("Broker call failed",
			zap.String("endpoint", s.endpoint),
			zap.String("call_id", s.id),
			zap.String("kind", string(kind)),
			zap.Int("attempts", s.attempts),
			zap.Error(err))
		return
	}
	c.log.Debug("Broker call succeeded",
		zap.String("endpoint", s.endpoint),
		zap.Int("attempts", s.attempts),
		zap.Duration("duration", total))
}
