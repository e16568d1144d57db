package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/engine"
)

// Status is a point-in-time view of the running client.
type Status struct {
	At         time.Time            `json:"at"`
	Broker     string               `json:"broker"`
	Session    engine.SessionStatus `json:"session"`
	Statistics core.Statistics      `json:"statistics"`
	RateLimits []engine.ClassUsage  `json:"rate_limits"`
	Pacer      PacerStatus          `json:"pacer"`
	Alerts     []core.Alert         `json:"alerts,omitempty"`
	Dropped    int64                `json:"dropped_records"`
}

// PacerStatus reports the pacing factor in effect.
type PacerStatus struct {
	Enabled    bool    `json:"enabled"`
	Factor     float64 `json:"factor"`
	Suppressed bool    `json:"suppressed"`
}

// Status collects session, statistics, limiter and pacing state. window <= 0
// uses monitor.window_minutes.
func (k *Keeper) Status(ctx context.Context, window time.Duration, alerts int) (Status, error) {
	now := k.clock()
	usage, err := k.limiter.Usage(ctx)
	if err != nil {
		return Status{}, err
	}
	factor, suppressed := k.pacer.FactorAt(now)

	return Status{
		At:         now,
		Broker:     k.cfg.Broker.Mode,
		Session:    k.session.Status(),
		Statistics: k.monitor.Statistics(window),
		RateLimits: usage,
		Pacer: PacerStatus{
			Enabled:    k.pacer.Enabled,
			Factor:     factor,
			Suppressed: suppressed,
		},
		Alerts:  k.monitor.RecentAlerts(alerts),
		Dropped: k.monitor.Dropped(),
	}, nil
}

// RecentAlerts returns up to n of the newest in-memory alerts.
func (k *Keeper) RecentAlerts(n int) []core.Alert {
	return k.monitor.RecentAlerts(n)
}

// AlertHistory returns up to limit alerts, newest first, from the store when
// persistence is on and from memory otherwise.
func (k *Keeper) AlertHistory(ctx context.Context, limit int) ([]core.Alert, error) {
	if k.store == nil {
		return k.monitor.RecentAlerts(limit), nil
	}
	return k.store.ListAlerts(ctx, limit)
}

// Checker adapts a function to the server's health checker interface.
type Checker func(ctx context.Context) error

func (c Checker) CheckHealth(ctx context.Context) error { return c(ctx) }

// HealthCheckers returns the named checks for the readiness endpoints.
func (k *Keeper) HealthCheckers() map[string]Checker {
	checks := map[string]Checker{
		"session": k.checkSession,
		"monitor": k.checkMonitor,
	}
	if k.store != nil {
		checks["store"] = k.store.Ping
	}
	if k.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return k.redis.Ping(ctx).Err()
		}
	}
	return checks
}

// checkSession fails only on a latched authentication failure; a
// disconnected session reconnects on the next call.
func (k *Keeper) checkSession(context.Context) error {
	status := k.session.Status()
	if status.AuthFailure != "" {
		return core.NewError(core.KindAuthentication, "session", status.AuthFailure)
	}
	return nil
}

func (k *Keeper) checkMonitor(context.Context) error {
	k.mu.Lock()
	started := k.started
	k.mu.Unlock()
	if !started {
		return errors.New("monitor not started")
	}
	if dropped := k.monitor.Dropped(); dropped > 0 && k.monitor.Statistics(0).Count == 0 {
		return fmt.Errorf("monitor dropped %d records and holds none", dropped)
	}
	return nil
}
