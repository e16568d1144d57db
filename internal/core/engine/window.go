package engine

import (
	"context"
	"sync"
	"time"
)

// Admission is the outcome of one atomic prune-check-record step.
type Admission struct {
	Admitted bool
	// Count is the number of calls inside the window after the decision.
	Count int
	// RetryAt is the earliest instant enough calls will have aged out. Zero when admitted.
	RetryAt time.Time
}

// WindowStore keeps the sliding-window call log for each limiter class.
// Take must prune, check and record as one atomic step.
type WindowStore interface {
	Take(ctx context.Context, key string, limit RateLimit, weight int, now time.Time) (Admission, error)
	Usage(ctx context.Context, key string, limit RateLimit, now time.Time) (int, error)
	Reset(ctx context.Context, key string) error
}

// MemoryWindow is an in-process WindowStore.
type MemoryWindow struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemoryWindow creates an empty in-process window store.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{logs: make(map[string][]time.Time)}
}

// Take admits weight calls at now if the window has room.
func (m *MemoryWindow) Take(_ context.Context, key string, limit RateLimit, weight int, now time.Time) (Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logs == nil {
		m.logs = make(map[string][]time.Time)
	}

	log := prune(m.logs[key], now.Add(-limit.WindowDuration))
	if len(log)+weight <= limit.RequestsPerWindow {
		stamp := now
		if n := len(log); n > 0 && stamp.Before(log[n-1]) {
			stamp = log[n-1]
		}
		for i := 0; i < weight; i++ {
			log = append(log, stamp)
		}
		m.logs[key] = log
		return Admission{Admitted: true, Count: len(log)}, nil
	}

	m.logs[key] = log
	oldest := log[len(log)+weight-limit.RequestsPerWindow-1]
	return Admission{Count: len(log), RetryAt: oldest.Add(limit.WindowDuration)}, nil
}

// Usage returns the number of calls currently inside the window.
func (m *MemoryWindow) Usage(_ context.Context, key string, limit RateLimit, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := prune(m.logs[key], now.Add(-limit.WindowDuration))
	if m.logs != nil {
		m.logs[key] = log
	}
	return len(log), nil
}

// Reset forgets the call log for key.
func (m *MemoryWindow) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, key)
	return nil
}

// prune drops timestamps at or before cutoff. log is sorted ascending.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0:0], log[i:]...)
}
