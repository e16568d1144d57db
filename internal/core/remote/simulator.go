package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/credentials"
)

// SimulatorConfig tunes the paper-mode broker.
type SimulatorConfig struct {
	Seed          uint64
	Account       string
	Latency       time.Duration
	LatencyJitter time.Duration
	// FailureRate is the probability an operation fails with a network error.
	FailureRate float64
	// RateLimitRate is the probability an operation is rejected with 429 semantics.
	RateLimitRate float64
	// ExpiryRate is the probability an operation reports an expired session.
	ExpiryRate float64
	RetryAfter time.Duration
	// RejectLogin makes every Connect fail with an authentication error.
	RejectLogin bool
}

// Simulator is an in-process broker for paper mode and tests.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	rng       *rand.Rand
	connected bool
	session   int
	logins    int
	calls     int
}

// NewSimulator creates a seeded simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Account == "" {
		cfg.Account = "paper"
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulator) Connect(ctx context.Context, login credentials.Login) (Connection, error) {
	if err := s.wait(ctx, "remote.connect"); err != nil {
		return Connection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	if s.cfg.RejectLogin || login.Username == "" {
		return Connection{}, core.NewError(core.KindAuthentication, "remote.connect", "invalid credentials")
	}
	s.connected = true
	s.session++
	account := login.Account
	if account == "" {
		account = s.cfg.Account
	}
	return Connection{Account: account, SessionID: fmt.Sprintf("paper-%d", s.session)}, nil
}

func (s *Simulator) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Ping(ctx context.Context) error {
	if err := s.wait(ctx, "remote.ping"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return core.NewError(core.KindSessionExpired, "remote.ping", "no session")
	}
	return nil
}

// Invoke returns a small JSON document or an injected failure.
func (s *Simulator) Invoke(ctx context.Context, endpoint string) (json.RawMessage, error) {
	if err := s.wait(ctx, endpoint); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if !s.connected {
		return nil, core.NewError(core.KindSessionExpired, endpoint, "no session")
	}
	roll := s.rng.Float64()
	switch {
	case roll < s.cfg.ExpiryRate:
		s.connected = false
		return nil, core.NewError(core.KindSessionExpired, endpoint, "session expired")
	case roll < s.cfg.ExpiryRate+s.cfg.RateLimitRate:
		err := core.NewError(core.KindRateLimited, endpoint, "status 429")
		err.RetryAfter = s.cfg.RetryAfter
		return nil, err
	case roll < s.cfg.ExpiryRate+s.cfg.RateLimitRate+s.cfg.FailureRate:
		return nil, core.NewError(core.KindNetwork, endpoint, "status 503")
	}

	payload, err := json.Marshal(map[string]any{
		"endpoint": endpoint,
		"sequence": s.calls,
		"session":  s.session,
	})
	if err != nil {
		return nil, core.WrapError(core.KindMalformedResponse, endpoint, err)
	}
	return payload, nil
}

// Logins returns how many Connect calls reached the simulator.
func (s *Simulator) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Expire drops the current session as the broker would after inactivity.
func (s *Simulator) Expire() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *Simulator) wait(ctx context.Context, op string) error {
	d := s.cfg.Latency
	if s.cfg.LatencyJitter > 0 {
		s.mu.Lock()
		d += time.Duration(s.rng.Int64N(int64(s.cfg.LatencyJitter)))
		s.mu.Unlock()
	}
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return core.AsError(op, err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return core.AsError(op, ctx.Err())
	case <-timer.C:
		return nil
	}
}
