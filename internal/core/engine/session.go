package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/credentials"
	"github.com/brokerguard/brokerguard/internal/core/remote"
	"github.com/brokerguard/brokerguard/internal/metrics"
)

const (
	DefaultInactivityTimeout   = 30 * time.Minute
	DefaultConnectRetries      = 2
	DefaultConnectBackoff      = time.Second
	DefaultReconnectBackoff    = 10 * time.Second
	DefaultReconnectBackoffMax = 5 * time.Minute
	DefaultConnectTimeout      = 30 * time.Second
)

// SessionStatus reports session health counters.
type SessionStatus struct {
	Session             core.Session `json:"session"`
	Reconnects          int          `json:"reconnects"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CooldownUntil       *time.Time   `json:"cooldown_until,omitempty"`
	AuthFailure         string       `json:"auth_failure,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	LastKeepAlive       *time.Time   `json:"last_keepalive,omitempty"`
}

// SessionManager owns the one authenticated broker session.
type SessionManager struct {
	Connector   remote.Connector
	Credentials credentials.Provider

	InactivityTimeout time.Duration
	// ConnectRetries is the number of extra attempts after a transient connect failure.
	ConnectRetries int
	ConnectBackoff time.Duration
	// ReconnectBackoff is the base of the cooldown after a failed connect:
	// min(ReconnectBackoffMax, ReconnectBackoff*2^(failures-1)).
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration
	ConnectTimeout      time.Duration
	// KeepAliveInterval defaults to 80% of InactivityTimeout.
	KeepAliveInterval time.Duration

	Clock  func() time.Time
	Timer  backoff.Timer
	Logger core.Logger

	group singleflight.Group

	mu            sync.Mutex
	session       core.Session
	generation    int
	everConnected bool
	authErr       *core.Error
	failures      int
	cooldownUntil time.Time
	reconnects    int
	lastErr       error
	lastKeepAlive time.Time
	subscribers   map[int]func(core.SessionEvent)
	nextSub       int
}

// EnsureConnected returns once the session is Connected, authenticating if needed.
// Concurrent callers share a single authentication attempt.
func (m *SessionManager) EnsureConnected(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.authErr != nil {
		err := m.authErr
		m.mu.Unlock()
		return err
	}
	now := m.now()
	var events []core.SessionEvent
	if ev, ok := m.expireIdleLocked(now); ok {
		events = append(events, ev)
	}
	if m.session.State == core.StateConnected {
		m.mu.Unlock()
		return nil
	}
	if now.Before(m.cooldownUntil) {
		wait := m.cooldownUntil.Sub(now)
		m.mu.Unlock()
		m.publish(events)
		return &core.Error{
			Kind:       core.KindNetwork,
			Op:         "session.connect",
			Message:    "reconnect backoff in effect",
			RetryAfter: wait,
			Err:        m.lastErrSnapshot(),
		}
	}
	m.mu.Unlock()
	m.publish(events)

	ch := m.group.DoChan("connect", func() (any, error) {
		return nil, m.connect(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return core.AsError("session.connect", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return nil
	}
}

// Touch marks the session as used now.
func (m *SessionManager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.State == core.StateConnected {
		m.session.LastActivityAt = m.now()
	}
}

// Invalidate marks a Connected session Expired after the remote rejected it.
func (m *SessionManager) Invalidate(reason string) {
	m.mu.Lock()
	if m.session.State != core.StateConnected {
		m.mu.Unlock()
		return
	}
	ev := m.transitionLocked(core.EventExpired, core.StateExpired, reason, nil)
	m.mu.Unlock()

	m.logger().Warn("Session invalidated", zap.String("reason", reason))
	m.publish([]core.SessionEvent{ev})
}

// Disconnect logs out and clears any latched authentication failure.
func (m *SessionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	m.authErr = nil
	m.failures = 0
	m.cooldownUntil = time.Time{}
	wasLive := m.session.State == core.StateConnected || m.session.State == core.StateExpired
	if m.session.State == core.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	ev := m.transitionLocked(core.EventDisconnected, core.StateDisconnected, "disconnect requested", nil)
	m.session.EstablishedAt = time.Time{}
	m.everConnected = false
	m.mu.Unlock()

	var err error
	if wasLive && m.Connector != nil {
		err = m.Connector.Disconnect(ctx)
		if err != nil {
			err = core.AsError("session.disconnect", err)
		}
	}
	m.publish([]core.SessionEvent{ev})
	return err
}

// ClearAuthFailure lifts the authentication latch so the next EnsureConnected may log in again.
func (m *SessionManager) ClearAuthFailure() {
	m.mu.Lock()
	if m.authErr == nil {
		m.mu.Unlock()
		return
	}
	m.authErr = nil
	ev := core.SessionEvent{
		Type:    core.EventAuthFailureReset,
		From:    m.session.State,
		To:      m.session.State,
		At:      m.now(),
		Account: m.session.Account,
	}
	m.mu.Unlock()
	m.publish([]core.SessionEvent{ev})
}

// ForceReconnect expires the session and authenticates again immediately.
func (m *SessionManager) ForceReconnect(ctx context.Context) error {
	m.Invalidate("forced reconnect")
	m.mu.Lock()
	m.cooldownUntil = time.Time{}
	m.mu.Unlock()
	return m.EnsureConnected(ctx)
}

// Subscribe registers fn for session events and returns a function that removes it.
// fn is called synchronously, outside the manager's lock, in event order.
func (m *SessionManager) Subscribe(fn func(core.SessionEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers == nil {
		m.subscribers = make(map[int]func(core.SessionEvent))
	}
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// Session returns a copy of the current session.
func (m *SessionManager) Session() core.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Status returns the session with its health counters.
func (m *SessionManager) Status() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := SessionStatus{
		Session:             m.session,
		Reconnects:          m.reconnects,
		ConsecutiveFailures: m.failures,
	}
	if !m.cooldownUntil.IsZero() && m.now().Before(m.cooldownUntil) {
		until := m.cooldownUntil
		status.CooldownUntil = &until
	}
	if m.authErr != nil {
		status.AuthFailure = m.authErr.Error()
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	if !m.lastKeepAlive.IsZero() {
		at := m.lastKeepAlive
		status.LastKeepAlive = &at
	}
	return status
}

// Run keeps the session alive until ctx is done: it pings when the session has
// been idle past the keep-alive interval and reconnects expired sessions.
func (m *SessionManager) Run(ctx context.Context) {
	interval := m.keepAliveInterval()
	check := interval / 4
	if check < time.Second {
		check = time.Second
	}
	if check > time.Minute {
		check = time.Minute
	}

	ticker := time.NewTicker(check)
	defer ticker.Stop()

	m.logger().Info("Session keep-alive started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger().Info("Session keep-alive stopped")
			return
		case <-ticker.C:
			m.KeepAlive(ctx)
		}
	}
}

// KeepAlive runs one keep-alive step.
func (m *SessionManager) KeepAlive(ctx context.Context) {
	m.mu.Lock()
	state := m.session.State
	idle := m.now().Sub(m.session.LastActivityAt)
	latched := m.authErr != nil
	m.mu.Unlock()

	switch {
	case latched:
		return
	case state == core.StateExpired:
		if err := m.EnsureConnected(ctx); err != nil {
			m.logger().Warn("Background reconnect failed", zap.Error(err))
		}
		return
	case state != core.StateConnected:
		return
	case idle < m.keepAliveInterval():
		return
	}

	pinger, ok := m.Connector.(remote.Pinger)
	if !ok {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.connectTimeout())
	err := pinger.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	m.lastKeepAlive = m.now()
	m.mu.Unlock()
	metrics.RecordKeepAlive(err == nil)

	if err == nil {
		m.Touch()
		m.logger().Debug("Keep-alive successful")
		return
	}

	kind := core.KindOf(core.AsError("session.ping", err))
	m.logger().Warn("Keep-alive failed", zap.String("kind", string(kind)), zap.Error(err))
	if kind == core.KindSessionExpired || kind == core.KindAuthentication {
		m.Invalidate("keep-alive rejected")
		if err := m.EnsureConnected(ctx); err != nil {
			m.logger().Warn("Background reconnect failed", zap.Error(err))
		}
	}
}

func (m *SessionManager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.session.State == core.StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.authErr != nil {
		err := m.authErr
		m.mu.Unlock()
		return err
	}
	prev := m.session.State
	gen := m.generation
	m.session.State = core.StateConnecting
	metrics.SetSessionState(int(core.StateConnecting))
	m.mu.Unlock()

	m.logger().Info("Connecting to broker")

	conn, err := m.authenticate(ctx)

	m.mu.Lock()
	now := m.now()
	// A Disconnect during the login wins whatever the login's outcome, and
	// its reset of failures and cooldown stands.
	if gen != m.generation {
		m.session.State = core.StateDisconnected
		metrics.SetSessionState(int(core.StateDisconnected))
		m.mu.Unlock()
		if err == nil && m.Connector != nil {
			_ = m.Connector.Disconnect(ctx)
		}
		return &core.Error{
			Kind:    core.KindCanceled,
			Op:      "session.connect",
			Message: "session closed while connecting",
			Err:     err,
		}
	}

	if err != nil {
		domainErr := core.AsError("session.connect", err)
		m.session.State = prev
		m.lastErr = domainErr
		var ev core.SessionEvent
		if domainErr.Kind == core.KindAuthentication {
			m.authErr = domainErr
			ev = m.eventLocked(core.EventAuthFailed, prev, prev, "authentication rejected", domainErr, now)
		} else {
			m.failures++
			cooldown := exponentialDelay(m.reconnectBackoff(), m.reconnectBackoffMax(), m.failures-1)
			m.cooldownUntil = now.Add(cooldown)
			ev = m.eventLocked(core.EventConnectFailed, prev, prev, "connect failed", domainErr, now)
		}
		metrics.SetSessionState(int(prev))
		m.mu.Unlock()

		metrics.RecordConnectFailure(string(domainErr.Kind))
		m.logger().Error("Broker connect failed",
			zap.String("kind", string(domainErr.Kind)),
			zap.Error(domainErr))
		m.publish([]core.SessionEvent{ev})
		return domainErr
	}

	eventType := core.EventConnected
	if m.everConnected {
		eventType = core.EventReconnected
		m.reconnects++
	}
	m.everConnected = true
	m.failures = 0
	m.cooldownUntil = time.Time{}
	m.lastErr = nil
	m.session = core.Session{
		State:          core.StateConnected,
		EstablishedAt:  now,
		LastActivityAt: now,
		Account:        conn.Account,
	}
	ev := m.eventLocked(eventType, prev, core.StateConnected, "", nil, now)
	metrics.SetSessionState(int(core.StateConnected))
	m.mu.Unlock()

	if eventType == core.EventReconnected {
		metrics.RecordReconnect()
	}
	m.logger().Info("Broker session established",
		zap.String("account", conn.Account),
		zap.String("event", string(eventType)))
	m.publish([]core.SessionEvent{ev})
	return nil
}

// authenticate performs the login with bounded retries for transient failures.
func (m *SessionManager) authenticate(ctx context.Context) (remote.Connection, error) {
	if m.Connector == nil {
		return remote.Connection{}, core.NewError(core.KindConfiguration, "session.connect", "no broker connector configured")
	}
	if m.Credentials == nil {
		return remote.Connection{}, core.NewError(core.KindConfiguration, "session.connect", "no credentials provider configured")
	}

	policy := &RetryPolicy{
		MaxAttempts: m.connectRetries() + 1,
		BaseDelay:   m.connectBackoff(),
		MaxDelay:    m.reconnectBackoffMax(),
		Timer:       m.Timer,
		Logger:      m.Logger,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			domainErr := core.AsError("session.connect", err)
			metrics.RecordConnectFailure(string(domainErr.Kind))
			m.mu.Lock()
			ev := m.eventLocked(core.EventConnectRetry, core.StateConnecting, core.StateConnecting,
				"connect attempt "+strconv.Itoa(attempt)+" failed", domainErr, m.now())
			m.mu.Unlock()
			m.publish([]core.SessionEvent{ev})
		},
	}

	var conn remote.Connection
	err := policy.Execute(ctx, func(ctx context.Context, attempt int) error {
		creds, err := m.Credentials.Credentials(ctx)
		if err != nil {
			return core.AsError("session.credentials", err)
		}
		login, err := creds.Login(m.now())
		if err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.connectTimeout())
		defer cancel()
		c, err := m.Connector.Connect(attemptCtx, login)
		if err != nil {
			return core.AsError("session.connect", err)
		}
		conn = c
		return nil
	})
	return conn, err
}

// expireIdleLocked moves an idle Connected session to Expired.
func (m *SessionManager) expireIdleLocked(now time.Time) (core.SessionEvent, bool) {
	if m.session.State != core.StateConnected {
		return core.SessionEvent{}, false
	}
	if now.Sub(m.session.LastActivityAt) < m.inactivityTimeout() {
		return core.SessionEvent{}, false
	}
	return m.transitionLocked(core.EventExpired, core.StateExpired, "inactivity timeout", nil), true
}

func (m *SessionManager) transitionLocked(t core.SessionEventType, to core.SessionState, reason string, err error) core.SessionEvent {
	from := m.session.State
	m.session.State = to
	metrics.SetSessionState(int(to))
	return m.eventLocked(t, from, to, reason, err, m.now())
}

func (m *SessionManager) eventLocked(t core.SessionEventType, from, to core.SessionState, reason string, err error, at time.Time) core.SessionEvent {
	return core.SessionEvent{
		Type:    t,
		From:    from,
		To:      to,
		At:      at,
		Account: m.session.Account,
		Reason:  reason,
		Err:     err,
	}
}

func (m *SessionManager) publish(events []core.SessionEvent) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	subs := make([]func(core.SessionEvent), 0, len(m.subscribers))
	for id := 0; id < m.nextSub; id++ {
		if fn, ok := m.subscribers[id]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (m *SessionManager) lastErrSnapshot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *SessionManager) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

func (m *SessionManager) logger() core.Logger {
	return core.LoggerOr(m.Logger)
}

func (m *SessionManager) inactivityTimeout() time.Duration {
	if m.InactivityTimeout > 0 {
		return m.InactivityTimeout
	}
	return DefaultInactivityTimeout
}

func (m *SessionManager) keepAliveInterval() time.Duration {
	if m.KeepAliveInterval > 0 {
		return m.KeepAliveInterval
	}
	return m.inactivityTimeout() * 8 / 10
}

func (m *SessionManager) connectRetries() int {
	if m.ConnectRetries < 0 {
		return 0
	}
	if m.ConnectRetries == 0 {
		return DefaultConnectRetries
	}
	return m.ConnectRetries
}

func (m *SessionManager) connectBackoff() time.Duration {
	if m.ConnectBackoff > 0 {
		return m.ConnectBackoff
	}
	return DefaultConnectBackoff
}

func (m *SessionManager) reconnectBackoff() time.Duration {
	if m.ReconnectBackoff > 0 {
		return m.ReconnectBackoff
	}
	return DefaultReconnectBackoff
}

func (m *SessionManager) reconnectBackoffMax() time.Duration {
	if m.ReconnectBackoffMax > 0 {
		return m.ReconnectBackoffMax
	}
	return DefaultReconnectBackoffMax
}

func (m *SessionManager) connectTimeout() time.Duration {
	if m.ConnectTimeout > 0 {
		return m.ConnectTimeout
	}
	return DefaultConnectTimeout
}
