package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

func selfCheckKeeper(t *testing.T, rejectLogin bool) *keeper.Keeper {
	t.Helper()
	cfg := quietConfig(t)
	cfg.Broker.Simulator.RejectLogin = rejectLogin

	k, err := keeper.New(context.Background(), cfg, keeper.Options{})
	require.NoError(t, err)
	k.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Stop(ctx)
	})
	return k
}

func TestSelfCheckPasses(t *testing.T) {
	k := selfCheckKeeper(t, false)

	results := runSelfCheck(context.Background(), k, true)
	require.Equal(t, "connect", results[0].name)

	var buf bytes.Buffer
	require.NoError(t, reportSelfCheck(&buf, results))
	assert.Contains(t, buf.String(), "✅ session")
	assert.Contains(t, buf.String(), "All health checks passed")
}

func TestSelfCheckReportsRejectedLogin(t *testing.T) {
	k := selfCheckKeeper(t, true)

	var buf bytes.Buffer
	err := reportSelfCheck(&buf, runSelfCheck(context.Background(), k, true))
	require.Error(t, err)
	assert.Equal(t, core.KindAuthentication, core.KindOf(err))
	assert.Contains(t, buf.String(), "❌ connect")
	assert.Contains(t, buf.String(), "❌ session")
	assert.Contains(t, err.Error(), "2 of 3 health checks failed")
}

func TestSelfCheckWithoutConnect(t *testing.T) {
	k := selfCheckKeeper(t, true)

	results := runSelfCheck(context.Background(), k, false)
	for _, r := range results {
		assert.NotEqual(t, "connect", r.name)
		assert.NoError(t, r.err, r.name)
	}
}
