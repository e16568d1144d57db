package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
)

// QuietMode selects what the pacer does during quiet hours.
type QuietMode string

const (
	// QuietStretch multiplies gaps by the quiet factor.
	QuietStretch QuietMode = "stretch"
	// QuietSuppress rejects calls with a KindSuppressed error.
	QuietSuppress QuietMode = "suppress"
)

// DailyWindow is a time-of-day range [Start, End). It wraps past midnight when End <= Start.
type DailyWindow struct {
	Start time.Duration
	End   time.Duration
}

// Contains reports whether the time-of-day offset falls inside the window.
func (w DailyWindow) Contains(tod time.Duration) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return tod >= w.Start && tod < w.End
	}
	return tod >= w.Start || tod < w.End
}

// QuietHours shapes traffic outside normal activity.
type QuietHours struct {
	DailyWindow
	Weekends bool
	Mode     QuietMode
	Factor   float64
}

// ActiveWindow shortens gaps during busy periods.
type ActiveWindow struct {
	DailyWindow
	Factor float64
}

// HumanPacer spaces requests with randomized gaps shaped by time of day.
type HumanPacer struct {
	Enabled  bool
	MinDelay time.Duration
	MaxDelay time.Duration
	Location *time.Location
	Quiet    *QuietHours
	Active   []ActiveWindow

	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   func() float64
	Logger core.Logger

	mu   sync.Mutex
	last time.Time
}

// Delay waits until the caller's pacing slot. Concurrent callers are given
// successive slots; no lock is held while waiting.
func (p *HumanPacer) Delay(ctx context.Context) error {
	if p == nil || !p.Enabled {
		return nil
	}

	now := p.now()
	factor, suppressed := p.FactorAt(now)
	if suppressed {
		return core.NewError(core.KindSuppressed, "pacer", "calls suppressed during quiet hours")
	}
	gap := time.Duration(float64(p.drawGap()) * factor)

	p.mu.Lock()
	slot := p.last.Add(gap)
	if slot.Before(now) {
		slot = now
	}
	p.last = slot
	p.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	p.logger().Debug("Pacing request", zap.Duration("wait", wait), zap.Float64("factor", factor))
	if err := p.sleep(ctx, wait); err != nil {
		return core.AsError("pacer", err)
	}
	return nil
}

// Reset forgets the previous slot, typically after a reconnect.
func (p *HumanPacer) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.last = time.Time{}
	p.mu.Unlock()
}

// FactorAt returns the gap multiplier in effect at t, and whether calls are suppressed.
func (p *HumanPacer) FactorAt(t time.Time) (float64, bool) {
	if p.Location != nil {
		t = t.In(p.Location)
	}
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second

	if q := p.Quiet; q != nil {
		weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
		if q.Contains(tod) || (q.Weekends && weekend) {
			if q.Mode == QuietSuppress {
				return 0, true
			}
			if q.Factor > 0 {
				return q.Factor, false
			}
			return 1, false
		}
	}

	for _, w := range p.Active {
		if w.Contains(tod) && w.Factor > 0 {
			return w.Factor, false
		}
	}
	return 1, false
}

func (p *HumanPacer) drawGap() time.Duration {
	lo, hi := p.MinDelay, p.MaxDelay
	if hi < lo {
		lo, hi = hi, lo
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return lo + time.Duration(r()*float64(hi-lo))
}

func (p *HumanPacer) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func (p *HumanPacer) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (p *HumanPacer) logger() core.Logger {
	return core.LoggerOr(p.Logger)
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(value string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", value)
	}
	hours, err := strconv.Atoi(hh)
	if err != nil || hours < 0 || hours > 24 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minutes, err := strconv.Atoi(mm)
	if err != nil || minutes < 0 || minutes > 59 || (hours == 24 && minutes != 0) {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}
