package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/core"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// record builds an outcome that completes at the clock's current time.
func record(clock *testClock, endpoint string, kind core.ErrorKind, latency time.Duration) core.CallRecord {
	return core.CallRecord{
		Endpoint:  endpoint,
		StartTime: clock.Now().Add(-latency),
		Duration:  latency,
		Success:   kind == "",
		ErrorKind: kind,
		Attempt:   1,
		Final:     true,
	}
}

func mustRule(t *testing.T, name string, cfg RuleConfig) AlertRule {
	t.Helper()
	rule, err := BuiltinRule(name, cfg)
	require.NoError(t, err)
	return rule
}

func TestStatistics(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now})

	old := record(clock, "quotes.live", core.KindNetwork, time.Second)
	m.ingest(old)
	clock.Advance(6 * time.Minute)

	for i := 1; i <= 20; i++ {
		kind := core.ErrorKind("")
		if i%5 == 0 {
			kind = core.KindRateLimited
		}
		m.ingest(record(clock, "quotes.live", kind, time.Duration(i)*100*time.Millisecond))
	}
	m.ingest(record(clock, "orders.place", core.KindTimeout, 3*time.Second))
	m.ingestEvent(core.SessionEvent{Type: core.EventReconnected, At: clock.Now()})
	m.ingestEvent(core.SessionEvent{Type: core.EventConnected, At: clock.Now()})

	stats := m.Statistics(5 * time.Minute)
	require.Equal(t, 21, stats.Count)
	require.Equal(t, 5, stats.Failures)
	require.InDelta(t, 5.0/21.0, stats.ErrorRate, 1e-9)
	require.Equal(t, 4, stats.RateLimited)
	require.Equal(t, 1, stats.ByKind[core.KindTimeout])
	require.Zero(t, stats.ByKind[core.KindNetwork], "records outside the window are excluded")
	require.Equal(t, 1, stats.Reconnects)
	require.Equal(t, 3*time.Second, stats.MaxLatency)
	require.Equal(t, 2*time.Second, stats.P95Latency)
	require.Equal(t, core.Endpoint{Count: 20, Failures: 4}, stats.ByEndpoint["quotes.live"])
	require.Equal(t, 1, TransientFailures(stats))

	wide := m.Statistics(time.Hour)
	require.Equal(t, 22, wide.Count)
}

func TestStatisticsEmptyWindow(t *testing.T) {
	m := New(Config{})
	stats := m.Statistics(0)
	require.Zero(t, stats.Count)
	require.Zero(t, stats.ErrorRate)
	require.Equal(t, DefaultWindow, stats.Window)
}

func TestPercentileNearestRank(t *testing.T) {
	values := []time.Duration{5, 1, 4, 2, 3}
	require.Equal(t, time.Duration(5), percentile(values, 0.95))
	require.Equal(t, time.Duration(3), percentile(values, 0.5))
	require.Zero(t, percentile(nil, 0.95))
}

func TestNetworkErrorRuleFiresOncePerCooldown(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now})
	require.NoError(t, m.RegisterAlertRule(mustRule(t, RuleNetworkErrors, DefaultRuleConfigs()[RuleNetworkErrors])))

	var firedAt []int
	for i := 1; i <= 6; i++ {
		clock.Advance(10 * time.Second)
		m.ingest(record(clock, "quotes.live", core.KindNetwork, 50*time.Millisecond))
		if alerts := m.Evaluate(); len(alerts) > 0 {
			require.Len(t, alerts, 1)
			require.Equal(t, RuleNetworkErrors, alerts[0].Rule)
			firedAt = append(firedAt, i)
		}
	}
	require.Equal(t, []int{5}, firedAt, "exactly one alert, at the fifth error")

	alerts := m.RecentAlerts(0)
	require.Len(t, alerts, 1)
	require.Equal(t, 5, TransientFailures(alerts[0].Statistics))
	require.NotEmpty(t, alerts[0].ID)
}

func TestRuleFiresAgainAfterCooldown(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now})
	require.NoError(t, m.RegisterAlertRule(mustRule(t, RuleNetworkErrors, RuleConfig{
		Enabled:   true,
		Threshold: 5,
		Window:    30 * time.Minute,
		Cooldown:  5 * time.Minute,
	})))

	for i := 0; i < 5; i++ {
		m.ingest(record(clock, "quotes.live", core.KindTimeout, time.Millisecond))
	}
	require.Len(t, m.Evaluate(), 1)

	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		require.Empty(t, m.Evaluate(), "condition still true inside the cooldown")
	}

	clock.Advance(time.Minute)
	require.Len(t, m.Evaluate(), 1)
	require.Len(t, m.RecentAlerts(10), 2)
}

func TestErrorRateRuleNeedsSamples(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now})
	require.NoError(t, m.RegisterAlertRule(mustRule(t, RuleErrorRate, DefaultRuleConfigs()[RuleErrorRate])))

	for i := 0; i < 4; i++ {
		m.ingest(record(clock, "orders", core.KindInvalidRequest, time.Millisecond))
		require.Empty(t, m.Evaluate())
	}
	m.ingest(record(clock, "orders", "", time.Millisecond))
	alerts := m.Evaluate()
	require.Len(t, alerts, 1)
	require.Equal(t, core.SeverityWarning, alerts[0].Severity)
	require.Contains(t, alerts[0].Message, "80.0%")
}

func TestSessionInstabilityAndSlowResponse(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now})
	rules, err := BuiltinRules(nil)
	require.NoError(t, err)
	for _, rule := range rules {
		require.NoError(t, m.RegisterAlertRule(rule))
	}

	for i := 0; i < 3; i++ {
		m.ingestEvent(core.SessionEvent{Type: core.EventReconnected, At: clock.Now()})
	}
	m.ingest(record(clock, "reports.daily", "", 6*time.Second))

	fired := map[string]core.Severity{}
	for _, alert := range m.Evaluate() {
		fired[alert.Rule] = alert.Severity
	}
	require.Equal(t, map[string]core.Severity{
		RuleSessionInstability: core.SeverityCritical,
		RuleSlowResponse:       core.SeverityWarning,
	}, fired)
}

func TestBuiltinRules(t *testing.T) {
	rules, err := BuiltinRules(nil)
	require.NoError(t, err)
	require.Len(t, rules, 5)

	disabled := DefaultRuleConfigs()[RuleSlowResponse]
	disabled.Enabled = false
	rules, err = BuiltinRules(map[string]RuleConfig{RuleSlowResponse: disabled})
	require.NoError(t, err)
	require.Len(t, rules, 4)

	_, err = BuiltinRules(map[string]RuleConfig{"cpu": {Enabled: true, Threshold: 1}})
	require.Equal(t, core.KindConfiguration, core.KindOf(err))

	_, err = BuiltinRule(RuleRateLimit, RuleConfig{Enabled: true})
	require.Equal(t, core.KindConfiguration, core.KindOf(err))
}

func TestRegisterAlertRule(t *testing.T) {
	m := New(Config{})

	require.Error(t, m.RegisterAlertRule(AlertRule{Name: "x"}))
	require.Error(t, m.RegisterAlertRule(AlertRule{Predicate: func(core.Statistics) (bool, string) { return true, "" }}))

	always := func(core.Statistics) (bool, string) { return true, "always" }
	require.NoError(t, m.RegisterAlertRule(AlertRule{Name: "custom", Predicate: always}))
	require.NoError(t, m.RegisterAlertRule(AlertRule{Name: "custom", Severity: core.SeverityCritical, Predicate: always}))

	rules := m.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, core.SeverityCritical, rules[0].Severity)
	require.Equal(t, DefaultRuleWindow, rules[0].Window)
	require.Equal(t, DefaultRuleCooldown, rules[0].Cooldown)
}

func TestRecordNeverBlocks(t *testing.T) {
	m := New(Config{QueueSize: 2})
	for i := 0; i < 5; i++ {
		m.Record(core.CallRecord{Endpoint: "quotes"})
	}
	m.RecordSessionEvent(core.SessionEvent{Type: core.EventReconnected})
	require.Equal(t, int64(3), m.Dropped())
}

func TestRetentionBounds(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now, MaxRecords: 3, Retention: time.Hour})

	for i := 0; i < 5; i++ {
		m.ingest(record(clock, "quotes", "", time.Millisecond))
	}
	require.Equal(t, 3, m.Statistics(time.Hour).Count)

	clock.Advance(2 * time.Hour)
	m.ingest(record(clock, "quotes", "", time.Millisecond))
	m.mu.Lock()
	kept := len(m.records)
	m.mu.Unlock()
	require.Equal(t, 1, kept)
}

func TestRecentAlertsNewestFirst(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now, MaxAlerts: 2})
	always := func(core.Statistics) (bool, string) { return true, "fired" }
	require.NoError(t, m.RegisterAlertRule(AlertRule{Name: "a", Cooldown: time.Minute, Predicate: always}))

	for i := 0; i < 3; i++ {
		m.Evaluate()
		clock.Advance(time.Minute)
	}
	alerts := m.RecentAlerts(5)
	require.Len(t, alerts, 2)
	require.True(t, alerts[0].FiredAt.After(alerts[1].FiredAt))
}

func TestRunDispatchesToNotifiers(t *testing.T) {
	m := New(Config{EvaluationInterval: time.Hour})
	require.NoError(t, m.RegisterAlertRule(mustRule(t, RuleRateLimit, RuleConfig{Enabled: true, Threshold: 2})))

	received := make(chan core.Alert, 4)
	m.AddNotifier(NotifierFunc{ID: "test", Fn: func(ctx context.Context, alert core.Alert) error {
		received <- alert
		return nil
	}})

	release := make(chan struct{})
	m.AddNotifier(NotifierFunc{ID: "slow", Fn: func(ctx context.Context, alert core.Alert) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return errors.New("gave up")
	}})
	require.Equal(t, 2, m.Notifiers())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		m.Record(core.CallRecord{Endpoint: "quotes", StartTime: now, ErrorKind: core.KindRateLimited})
	}

	select {
	case alert := <-received:
		assert.Equal(t, RuleRateLimit, alert.Rule)
		assert.Equal(t, 2, alert.Statistics.RateLimited)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered while another notifier was blocked")
	}

	close(release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestSnapshotSubscribers(t *testing.T) {
	m := New(Config{SnapshotInterval: 5 * time.Millisecond})
	snapshots := make(chan core.Statistics, 1)
	unsubscribe := m.SubscribeSnapshots("test", func(ctx context.Context, stats core.Statistics) error {
		select {
		case snapshots <- stats:
		default:
		}
		return nil
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case stats := <-snapshots:
		require.Equal(t, DefaultWindow, stats.Window)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestMonitorCountsRetriedLogins(t *testing.T) {
	clock := newTestClock()
	m := New(Config{Clock: clock.Now})

	netErr := core.NewError(core.KindNetwork, "remote.connect", "connection reset")
	m.ingestEvent(core.SessionEvent{Type: core.EventConnectRetry, At: clock.Now(), Err: netErr})
	m.ingestEvent(core.SessionEvent{Type: core.EventConnected, At: clock.Now()})
	clock.Advance(time.Second)

	stats := m.Statistics(time.Minute)
	require.Equal(t, 1, stats.Count)
	require.Equal(t, 1, stats.Failures)
	require.Equal(t, 1, stats.ByKind[core.KindNetwork])
	require.Equal(t, core.Endpoint{Count: 1, Failures: 1}, stats.ByEndpoint[ConnectEndpoint])
	require.Equal(t, 1, TransientFailures(stats))
	require.Zero(t, stats.Reconnects)
}
