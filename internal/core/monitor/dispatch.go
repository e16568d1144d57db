package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/metrics"
)

// Notifier delivers alerts to one channel (log, webhook, email, store).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert core.Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc struct {
	ID string
	Fn func(ctx context.Context, alert core.Alert) error
}

func (n NotifierFunc) Name() string { return n.ID }

func (n NotifierFunc) Notify(ctx context.Context, alert core.Alert) error {
	return n.Fn(ctx, alert)
}

// worker consumes one subscriber's queue in its own goroutine.
type worker[T any] struct {
	name   string
	queue  chan T
	done   chan struct{}
	handle func(ctx context.Context, v T) error
}

func (w *worker[T]) run(timeout time.Duration, log core.Logger) {
	defer close(w.done)
	for v := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := w.handle(ctx, v)
		cancel()
		if err != nil {
			metrics.RecordNotifyFailure(w.name)
			log.Warn("Subscriber delivery failed", zap.String("subscriber", w.name), zap.Error(err))
		}
	}
}

// dispatcher fans values out to per-subscriber queues. Publishing never blocks;
// a full queue drops the value for that subscriber only.
type dispatcher[T any] struct {
	size    int
	timeout time.Duration
	log     core.Logger

	mu      sync.Mutex
	workers map[int]*worker[T]
	order   []int
	next    int
	closed  bool
}

func newDispatcher[T any](size int, timeout time.Duration, log core.Logger) *dispatcher[T] {
	return &dispatcher[T]{
		size:    size,
		timeout: timeout,
		log:     log,
		workers: make(map[int]*worker[T]),
	}
}

func (d *dispatcher[T]) add(name string, handle func(ctx context.Context, v T) error) func() {
	w := &worker[T]{
		name:   name,
		queue:  make(chan T, d.size),
		done:   make(chan struct{}),
		handle: handle,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	id := d.next
	d.next++
	d.workers[id] = w
	d.order = append(d.order, id)
	d.mu.Unlock()

	go w.run(d.timeout, d.log)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			_, ok := d.workers[id]
			if ok {
				delete(d.workers, id)
				close(w.queue)
			}
			d.mu.Unlock()
			<-w.done
		})
	}
}

func (d *dispatcher[T]) publish(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, id := range d.order {
		w, ok := d.workers[id]
		if !ok {
			continue
		}
		select {
		case w.queue <- v:
		default:
			metrics.RecordNotifyFailure(w.name)
			d.log.Warn("Subscriber queue full, dropping", zap.String("subscriber", w.name))
		}
	}
}

func (d *dispatcher[T]) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// close stops accepting values and waits for queued ones to be delivered.
func (d *dispatcher[T]) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	workers := make([]*worker[T], 0, len(d.workers))
	for _, id := range d.order {
		if w, ok := d.workers[id]; ok {
			close(w.queue)
			workers = append(workers, w)
		}
	}
	d.workers = map[int]*worker[T]{}
	d.order = nil
	d.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
}
