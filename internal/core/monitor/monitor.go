// Package monitor keeps rolling call statistics, evaluates alert rules and
// fans fired alerts out to notification channels.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/metrics"
)

const (
	DefaultRetention          = 24 * time.Hour
	DefaultMaxRecords         = 10000
	DefaultQueueSize          = 1024
	DefaultEvaluationInterval = 15 * time.Second
	DefaultWindow             = 5 * time.Minute
	DefaultNotifyQueueSize    = 64
	DefaultNotifyTimeout      = 10 * time.Second
	DefaultMaxAlerts          = 100
)

// ConnectEndpoint is the endpoint retried login attempts are counted under.
const ConnectEndpoint = "session.connect"

// Config tunes a Monitor. Zero values take the defaults above.
type Config struct {
	Retention          time.Duration
	MaxRecords         int
	QueueSize          int
	EvaluationInterval time.Duration
	// SnapshotInterval enables periodic statistics snapshots when positive.
	SnapshotInterval time.Duration
	// Window is the default statistics window for snapshots and Statistics(0).
	Window          time.Duration
	NotifyQueueSize int
	NotifyTimeout   time.Duration
	MaxAlerts       int

	Clock  func() time.Time
	Logger core.Logger
}

// Monitor is the health monitor. Record and RecordSessionEvent never block;
// all evaluation happens on the goroutine running Run.
type Monitor struct {
	cfg Config
	log core.Logger

	queue   chan core.CallRecord
	events  chan core.SessionEvent
	dropped atomic.Int64

	mu         sync.Mutex
	records    []core.CallRecord
	reconnects []time.Time
	rules      []AlertRule
	lastFired  map[string]time.Time
	alerts     []core.Alert

	notifiers *dispatcher[core.Alert]
	snapshots *dispatcher[core.Statistics]
}

// New creates a Monitor with no rules registered.
func New(cfg Config) *Monitor {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = DefaultEvaluationInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.NotifyQueueSize <= 0 {
		cfg.NotifyQueueSize = DefaultNotifyQueueSize
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultMaxAlerts
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	log := core.LoggerOr(cfg.Logger)

	return &Monitor{
		cfg:       cfg,
		log:       log,
		queue:     make(chan core.CallRecord, cfg.QueueSize),
		events:    make(chan core.SessionEvent, cfg.QueueSize),
		lastFired: make(map[string]time.Time),
		notifiers: newDispatcher[core.Alert](cfg.NotifyQueueSize, cfg.NotifyTimeout, log),
		snapshots: newDispatcher[core.Statistics](cfg.NotifyQueueSize, cfg.NotifyTimeout, log),
	}
}

// Record enqueues a call outcome. When the queue is full the record is dropped and counted.
func (m *Monitor) Record(rec core.CallRecord) {
	select {
	case m.queue <- rec:
	default:
		m.dropped.Add(1)
		metrics.RecordDroppedRecord()
	}
}

// RecordSessionEvent enqueues a session event; reconnects and retried logins
// feed the statistics.
func (m *Monitor) RecordSessionEvent(ev core.SessionEvent) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
		metrics.RecordDroppedRecord()
	}
}

// Dropped returns how many records and events were dropped on a full queue.
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

// RegisterAlertRule adds rule, replacing any rule with the same name.
func (m *Monitor) RegisterAlertRule(rule AlertRule) error {
	rule, err := rule.normalize()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.rules {
		if existing.Name == rule.Name {
			m.rules[i] = rule
			delete(m.lastFired, rule.Name)
			return nil
		}
	}
	m.rules = append(m.rules, rule)
	return nil
}

// Rules returns the registered rules in registration order.
func (m *Monitor) Rules() []AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AlertRule(nil), m.rules...)
}

// AddNotifier starts delivering alerts to n and returns a function that removes it.
func (m *Monitor) AddNotifier(n Notifier) func() {
	return m.notifiers.add(n.Name(), n.Notify)
}

// Notifiers returns the number of attached notifiers.
func (m *Monitor) Notifiers() int {
	return m.notifiers.count()
}

// SubscribeSnapshots delivers periodic statistics snapshots to fn on its own goroutine.
func (m *Monitor) SubscribeSnapshots(name string, fn func(ctx context.Context, stats core.Statistics) error) func() {
	return m.snapshots.add(name, fn)
}

// Statistics summarises the records of the last window. window <= 0 uses the configured window.
func (m *Monitor) Statistics(window time.Duration) core.Statistics {
	if window <= 0 {
		window = m.cfg.Window
	}
	now := m.cfg.Clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return computeStatistics(m.records, m.reconnects, window, now)
}

// RecentAlerts returns up to n fired alerts, newest first. n <= 0 returns all kept alerts.
func (m *Monitor) RecentAlerts(n int) []core.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.alerts) {
		n = len(m.alerts)
	}
	out := make([]core.Alert, 0, n)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

// Run ingests queued records and evaluates rules after every ingest and on
// each evaluation tick. It returns once ctx is done and queued notifications
// have been delivered.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvaluationInterval)
	defer ticker.Stop()

	var snapshotC <-chan time.Time
	if m.cfg.SnapshotInterval > 0 {
		snapshotTicker := time.NewTicker(m.cfg.SnapshotInterval)
		defer snapshotTicker.Stop()
		snapshotC = snapshotTicker.C
	}

	m.log.Info("Health monitor started",
		zap.Duration("evaluation_interval", m.cfg.EvaluationInterval),
		zap.Int("rules", len(m.Rules())))

	for {
		select {
		case <-ctx.Done():
			m.drain()
			m.notifiers.close()
			m.snapshots.close()
			m.log.Info("Health monitor stopped", zap.Int64("dropped", m.Dropped()))
			return
		case rec := <-m.queue:
			m.ingest(rec)
			m.Evaluate()
		case ev := <-m.events:
			m.ingestEvent(ev)
			m.Evaluate()
		case <-ticker.C:
			m.Evaluate()
		case <-snapshotC:
			m.snapshots.publish(m.Statistics(m.cfg.Window))
		}
	}
}

// Evaluate checks every rule against current statistics and dispatches the alerts that fire.
func (m *Monitor) Evaluate() []core.Alert {
	now := m.cfg.Clock()

	m.mu.Lock()
	m.pruneLocked(now)
	byWindow := make(map[time.Duration]core.Statistics)
	var fired []core.Alert
	for _, rule := range m.rules {
		stats, ok := byWindow[rule.Window]
		if !ok {
			stats = computeStatistics(m.records, m.reconnects, rule.Window, now)
			byWindow[rule.Window] = stats
		}
		if stats.Count < rule.MinSamples {
			continue
		}
		holds, message := rule.Predicate(stats)
		if !holds {
			continue
		}
		if last, ok := m.lastFired[rule.Name]; ok && now.Sub(last) < rule.Cooldown {
			continue
		}
		m.lastFired[rule.Name] = now

		alert := core.Alert{
			ID:         uuid.NewString(),
			Rule:       rule.Name,
			Severity:   rule.Severity,
			Message:    message,
			Statistics: stats,
			FiredAt:    now,
		}
		m.alerts = append(m.alerts, alert)
		if len(m.alerts) > m.cfg.MaxAlerts {
			m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
		}
		fired = append(fired, alert)
	}
	m.mu.Unlock()

	for _, alert := range fired {
		fields := []zap.Field{
			zap.String("rule", alert.Rule),
			zap.String("severity", string(alert.Severity)),
			zap.String("alert_id", alert.ID),
		}
		if alert.Severity == core.SeverityCritical {
			m.log.Error(alert.Message, fields...)
		} else {
			m.log.Warn(alert.Message, fields...)
		}
		metrics.RecordAlert(alert.Rule, string(alert.Severity))
		m.notifiers.publish(alert)
	}
	return fired
}

func (m *Monitor) ingest(rec core.CallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	m.pruneLocked(m.cfg.Clock())
}

// ingestEvent folds session events into the window. A login attempt that the
// session retried on its own counts as a failed call on ConnectEndpoint; the
// final failure of a login already arrives as the caller's record.
func (m *Monitor) ingestEvent(ev core.SessionEvent) {
	at := ev.At
	if at.IsZero() {
		at = m.cfg.Clock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case core.EventReconnected:
		m.reconnects = append(m.reconnects, at)
	case core.EventConnectRetry:
		m.records = append(m.records, core.CallRecord{
			Endpoint:  ConnectEndpoint,
			StartTime: at,
			ErrorKind: core.KindOf(ev.Err),
		})
	default:
		return
	}
	m.pruneLocked(m.cfg.Clock())
}

// drain ingests whatever is still queued without waiting for more.
func (m *Monitor) drain() {
	for {
		select {
		case rec := <-m.queue:
			m.ingest(rec)
		case ev := <-m.events:
			m.ingestEvent(ev)
		default:
			return
		}
	}
}

// pruneLocked evicts records older than the retention and beyond MaxRecords.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Retention)

	i := 0
	for i < len(m.records) && !m.records[i].StartTime.Add(m.records[i].Duration).After(cutoff) {
		i++
	}
	if over := len(m.records) - i - m.cfg.MaxRecords; over > 0 {
		i += over
	}
	if i > 0 {
		m.records = m.records[i:]
	}

	j := 0
	for j < len(m.reconnects) && !m.reconnects[j].After(cutoff) {
		j++
	}
	if j > 0 {
		m.reconnects = m.reconnects[j:]
	}
}
