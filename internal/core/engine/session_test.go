package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/credentials"
	"github.com/brokerguard/brokerguard/internal/core/remote"
)

// fakeConnector counts logins and returns queued errors before succeeding.
type fakeConnector struct {
	mu          sync.Mutex
	connects    int32
	disconnects int32
	errs        []error
	release     chan struct{}
	pingErr     error
	pings       int32
	lastLogin   credentials.Login
}

func (f *fakeConnector) Connect(ctx context.Context, login credentials.Login) (remote.Connection, error) {
	atomic.AddInt32(&f.connects, 1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return remote.Connection{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLogin = login
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return remote.Connection{}, err
	}
	return remote.Connection{Account: "acc-1", SessionID: "s"}, nil
}

func (f *fakeConnector) Disconnect(ctx context.Context) error {
	atomic.AddInt32(&f.disconnects, 1)
	return nil
}

func (f *fakeConnector) Ping(ctx context.Context) error {
	atomic.AddInt32(&f.pings, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConnector) Connects() int {
	return int(atomic.LoadInt32(&f.connects))
}

type eventLog struct {
	mu     sync.Mutex
	events []core.SessionEvent
}

func (l *eventLog) add(ev core.SessionEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []core.SessionEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.SessionEventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestSession(conn *fakeConnector, clock *fakeClock) (*SessionManager, *eventLog) {
	m := &SessionManager{
		Connector: conn,
		Credentials: credentials.StaticProvider{Value: credentials.Credentials{
			Username: "trader",
			Password: "secret",
		}},
		InactivityTimeout: 30 * time.Minute,
		Clock:             clock.Now,
		Timer:             &instantTimer{},
	}
	log := &eventLog{}
	m.Subscribe(log.add)
	return m, log
}

func TestSessionConcurrentEnsureConnectedAuthenticatesOnce(t *testing.T) {
	conn := &fakeConnector{release: make(chan struct{})}
	m, log := newTestSession(conn, newFakeClock())

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureConnected(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return conn.Connects() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(conn.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, conn.Connects())
	require.Equal(t, core.StateConnected, m.Session().State)
	require.Equal(t, "acc-1", m.Session().Account)
	require.Equal(t, []core.SessionEventType{core.EventConnected}, log.types())
}

func TestSessionEnsureConnectedIsIdempotent(t *testing.T) {
	conn := &fakeConnector{}
	m, log := newTestSession(conn, newFakeClock())
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))
	require.NoError(t, m.EnsureConnected(ctx))
	require.NoError(t, m.EnsureConnected(ctx))

	require.Equal(t, 1, conn.Connects())
	require.Len(t, log.types(), 1)
}

func TestSessionSendsOneTimeCode(t *testing.T) {
	conn := &fakeConnector{}
	clock := newFakeClock()
	m, _ := newTestSession(conn, clock)
	m.Credentials = credentials.StaticProvider{Value: credentials.Credentials{
		Username:   "trader",
		Password:   "secret",
		TOTPSecret: "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
	}}

	require.NoError(t, m.EnsureConnected(context.Background()))
	want, err := credentials.TOTP("GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", clock.Now())
	require.NoError(t, err)
	require.Equal(t, want, conn.lastLogin.OneTimeCode)
}

func TestSessionAuthFailureLatches(t *testing.T) {
	authErr := core.NewError(core.KindAuthentication, "remote.connect", "invalid credentials")
	conn := &fakeConnector{errs: []error{authErr}}
	m, log := newTestSession(conn, newFakeClock())
	ctx := context.Background()

	err := m.EnsureConnected(ctx)
	require.Equal(t, core.KindAuthentication, core.KindOf(err))
	require.Equal(t, 1, conn.Connects(), "authentication failures are not retried")
	require.Equal(t, core.StateDisconnected, m.Session().State)

	err = m.EnsureConnected(ctx)
	require.Equal(t, core.KindAuthentication, core.KindOf(err))
	require.Equal(t, 1, conn.Connects(), "latched failure short-circuits")
	require.NotEmpty(t, m.Status().AuthFailure)

	m.ClearAuthFailure()
	require.NoError(t, m.EnsureConnected(ctx))
	require.Equal(t, 2, conn.Connects())
	require.Equal(t, []core.SessionEventType{
		core.EventAuthFailed,
		core.EventAuthFailureReset,
		core.EventConnected,
	}, log.types())
}

func TestSessionRetriesTransientConnectFailures(t *testing.T) {
	netErr := core.NewError(core.KindNetwork, "remote.connect", "connection reset")
	conn := &fakeConnector{errs: []error{netErr, netErr}}
	m, log := newTestSession(conn, newFakeClock())
	m.ConnectRetries = 2

	require.NoError(t, m.EnsureConnected(context.Background()))
	require.Equal(t, 3, conn.Connects())
	require.Zero(t, m.Status().ConsecutiveFailures)

	require.Equal(t, []core.SessionEventType{
		core.EventConnectRetry,
		core.EventConnectRetry,
		core.EventConnected,
	}, log.types())
	for _, ev := range log.events[:2] {
		assert.Equal(t, core.KindNetwork, core.KindOf(ev.Err))
	}
}

func TestSessionDisconnectDuringFailedConnect(t *testing.T) {
	netErr := core.NewError(core.KindNetwork, "remote.connect", "connection reset")
	conn := &fakeConnector{errs: []error{netErr}, release: make(chan struct{})}
	m, log := newTestSession(conn, newFakeClock())
	m.ConnectRetries = -1
	m.ReconnectBackoff = 10 * time.Second
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.EnsureConnected(ctx) }()
	require.Eventually(t, func() bool { return conn.Connects() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
	close(conn.release)
	err := <-done
	require.Equal(t, core.KindCanceled, core.KindOf(err))

	status := m.Status()
	assert.Equal(t, core.StateDisconnected, status.Session.State)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.Nil(t, status.CooldownUntil)
	assert.Equal(t, []core.SessionEventType{core.EventDisconnected}, log.types())

	conn.release = nil
	require.NoError(t, m.EnsureConnected(ctx), "no cooldown survives the disconnect")
	require.Equal(t, 2, conn.Connects())
}

func TestSessionCooldownAfterFailedConnect(t *testing.T) {
	netErr := core.NewError(core.KindNetwork, "remote.connect", "connection reset")
	conn := &fakeConnector{errs: []error{netErr, netErr, netErr, netErr}}
	clock := newFakeClock()
	m, log := newTestSession(conn, clock)
	m.ConnectRetries = -1
	m.ReconnectBackoff = 10 * time.Second
	m.ReconnectBackoffMax = 300 * time.Second
	ctx := context.Background()

	err := m.EnsureConnected(ctx)
	require.Equal(t, core.KindNetwork, core.KindOf(err))
	require.Equal(t, 1, conn.Connects())

	err = m.EnsureConnected(ctx)
	require.Equal(t, core.KindNetwork, core.KindOf(err))
	require.Equal(t, 10*time.Second, core.RetryAfterOf(err))
	require.Equal(t, 1, conn.Connects(), "no login attempt during cooldown")

	clock.Advance(10 * time.Second)
	err = m.EnsureConnected(ctx)
	require.Error(t, err)
	require.Equal(t, 2, conn.Connects())
	require.Equal(t, 2, m.Status().ConsecutiveFailures)
	require.NotNil(t, m.Status().CooldownUntil)
	require.Equal(t, clock.Now().Add(20*time.Second), *m.Status().CooldownUntil)

	require.Equal(t, []core.SessionEventType{core.EventConnectFailed, core.EventConnectFailed}, log.types())
}

func TestSessionInactivityExpiryReconnects(t *testing.T) {
	conn := &fakeConnector{}
	clock := newFakeClock()
	m, log := newTestSession(conn, clock)
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))
	clock.Advance(10 * time.Minute)
	m.Touch()
	clock.Advance(25 * time.Minute)
	require.NoError(t, m.EnsureConnected(ctx))
	require.Equal(t, 1, conn.Connects(), "touch keeps the session alive")

	clock.Advance(31 * time.Minute)
	require.NoError(t, m.EnsureConnected(ctx))
	require.Equal(t, 2, conn.Connects())
	require.Equal(t, 1, m.Status().Reconnects)

	require.Equal(t, []core.SessionEventType{
		core.EventConnected,
		core.EventExpired,
		core.EventReconnected,
	}, log.types())
}

func TestSessionInvalidateAndForceReconnect(t *testing.T) {
	conn := &fakeConnector{}
	m, log := newTestSession(conn, newFakeClock())
	ctx := context.Background()

	m.Invalidate("not connected yet")
	require.Empty(t, log.types())

	require.NoError(t, m.EnsureConnected(ctx))
	m.Invalidate("remote rejected session")
	require.Equal(t, core.StateExpired, m.Session().State)

	require.NoError(t, m.ForceReconnect(ctx))
	require.Equal(t, core.StateConnected, m.Session().State)
	require.Equal(t, 2, conn.Connects())
	require.Equal(t, []core.SessionEventType{
		core.EventConnected,
		core.EventExpired,
		core.EventReconnected,
	}, log.types())
}

func TestSessionDisconnect(t *testing.T) {
	conn := &fakeConnector{}
	m, log := newTestSession(conn, newFakeClock())
	ctx := context.Background()

	require.NoError(t, m.Disconnect(ctx))
	require.Empty(t, log.types(), "disconnecting an idle manager is a no-op")

	require.NoError(t, m.EnsureConnected(ctx))
	require.NoError(t, m.Disconnect(ctx))
	require.Equal(t, core.StateDisconnected, m.Session().State)
	require.Equal(t, int32(1), atomic.LoadInt32(&conn.disconnects))

	require.NoError(t, m.EnsureConnected(ctx))
	require.Equal(t, []core.SessionEventType{
		core.EventConnected,
		core.EventDisconnected,
		core.EventConnected,
	}, log.types())
	require.Zero(t, m.Status().Reconnects)
}

func TestSessionDisconnectClearsAuthLatch(t *testing.T) {
	conn := &fakeConnector{errs: []error{core.NewError(core.KindAuthentication, "remote.connect", "bad otp")}}
	m, _ := newTestSession(conn, newFakeClock())
	ctx := context.Background()

	require.Error(t, m.EnsureConnected(ctx))
	require.NoError(t, m.Disconnect(ctx))
	require.NoError(t, m.EnsureConnected(ctx))
}

func TestSessionEnsureConnectedHonoursCallerContext(t *testing.T) {
	conn := &fakeConnector{release: make(chan struct{})}
	m, _ := newTestSession(conn, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.EnsureConnected(ctx) }()

	require.Eventually(t, func() bool { return conn.Connects() == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	require.Equal(t, core.KindCanceled, core.KindOf(err))

	close(conn.release)
	require.Eventually(t, func() bool {
		return m.Session().State == core.StateConnected
	}, time.Second, time.Millisecond, "shared login completes for later callers")
}

func TestSessionKeepAlive(t *testing.T) {
	conn := &fakeConnector{}
	clock := newFakeClock()
	m, log := newTestSession(conn, clock)
	ctx := context.Background()

	require.NoError(t, m.EnsureConnected(ctx))

	m.KeepAlive(ctx)
	require.Zero(t, atomic.LoadInt32(&conn.pings), "recent activity needs no ping")

	clock.Advance(25 * time.Minute)
	m.KeepAlive(ctx)
	require.Equal(t, int32(1), atomic.LoadInt32(&conn.pings))
	require.NotNil(t, m.Status().LastKeepAlive)
	require.Equal(t, clock.Now(), m.Session().LastActivityAt)

	conn.mu.Lock()
	conn.pingErr = core.NewError(core.KindSessionExpired, "remote.ping", "session gone")
	conn.mu.Unlock()
	clock.Advance(25 * time.Minute)
	m.KeepAlive(ctx)

	require.Equal(t, core.StateConnected, m.Session().State)
	require.Equal(t, 2, conn.Connects())
	require.Equal(t, []core.SessionEventType{
		core.EventConnected,
		core.EventExpired,
		core.EventReconnected,
	}, log.types())
}

func TestSessionUnsubscribe(t *testing.T) {
	conn := &fakeConnector{}
	m, _ := newTestSession(conn, newFakeClock())

	var count int32
	unsubscribe := m.Subscribe(func(core.SessionEvent) { atomic.AddInt32(&count, 1) })
	require.NoError(t, m.EnsureConnected(context.Background()))
	unsubscribe()
	m.Invalidate("test")

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestSessionMissingConnectorIsConfigurationError(t *testing.T) {
	m := &SessionManager{Credentials: credentials.StaticProvider{}}
	err := m.EnsureConnected(context.Background())
	require.Equal(t, core.KindConfiguration, core.KindOf(err))
}
