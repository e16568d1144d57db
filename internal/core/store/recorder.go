package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
)

const defaultRecorderQueue = 256

// Recorder writes session events, statistics snapshots and alerts to a
// Store off the caller's goroutine.
type Recorder struct {
	store   *Store
	log     core.Logger
	events  chan core.SessionEvent
	dropped atomic.Int64
	clock   func() time.Time
}

// NewRecorder creates a Recorder. queue <= 0 uses the default buffer size.
func NewRecorder(store *Store, queue int, logger core.Logger) *Recorder {
	if queue <= 0 {
		queue = defaultRecorderQueue
	}
	return &Recorder{
		store:  store,
		log:    core.LoggerOr(logger),
		events: make(chan core.SessionEvent, queue),
		clock:  time.Now,
	}
}

// RecordSessionEvent queues ev for persistence. It never blocks.
func (r *Recorder) RecordSessionEvent(ev core.SessionEvent) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports events discarded on a full queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run persists queued events until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case ev := <-r.events:
			r.write(ctx, ev)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.events:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev core.SessionEvent) {
	if err := r.store.InsertSessionEvent(ctx, ev); err != nil {
		r.log.Warn("Failed to persist session event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// Snapshot persists stats. Its signature matches monitor snapshot subscribers.
func (r *Recorder) Snapshot(ctx context.Context, stats core.Statistics) error {
	takenAt := stats.To
	if takenAt.IsZero() {
		takenAt = r.clock()
	}
	return r.store.InsertSnapshot(ctx, stats, takenAt)
}

// Notifier returns an alert notifier that stores each alert.
func (r *Recorder) Notifier() *AlertSink {
	return &AlertSink{store: r.store}
}

// AlertSink persists fired alerts.
type AlertSink struct {
	store *Store
}

func (a *AlertSink) Name() string { return "store" }

func (a *AlertSink) Notify(ctx context.Context, alert core.Alert) error {
	return a.store.InsertAlert(ctx, alert)
}
