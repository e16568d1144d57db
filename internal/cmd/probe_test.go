package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

func quietConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := config.Load(context.Background(), "")
	require.NoError(t, err)
	sim := &cfg.Broker.Simulator
	sim.Latency, sim.LatencyJitter = 0, 0
	sim.FailureRate, sim.RateLimitRate, sim.ExpiryRate = 0, 0, 0
	cfg.Pacer.Enabled = false
	cfg.Store.Enabled = false
	cfg.Session.KeepAlive = false
	cfg.Notify.Log = false
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func TestRunProbe(t *testing.T) {
	cfg := quietConfig(t)
	cfg.Broker.Simulator.RejectLogin = true

	k, err := keeper.New(context.Background(), cfg, keeper.Options{})
	require.NoError(t, err)
	k.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Stop(ctx)
	})

	report, err := runProbe(context.Background(), k, "account.summary", 4, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Calls)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, 4, report.Failed)
	assert.Equal(t, 4, report.ByKind[core.KindAuthentication])
	assert.NotEmpty(t, report.Session.AuthFailure)
}

func TestRunProbeSucceeds(t *testing.T) {
	cfg := quietConfig(t)

	k, err := keeper.New(context.Background(), cfg, keeper.Options{})
	require.NoError(t, err)
	k.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Stop(ctx)
	})

	report, err := runProbe(context.Background(), k, "quotes.get", 6, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Succeeded)
	assert.Nil(t, report.ByKind)
	assert.Equal(t, 6, report.Statistics.Count)
	assert.Equal(t, core.StateConnected, report.Session.Session.State)
}
