package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core/engine"
)

func redisWindowForTest(t *testing.T) *RedisWindow {
	t.Helper()
	addr := os.Getenv("BROKERGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BROKERGUARD_TEST_REDIS_ADDR not set")
	}
	client, err := OpenRedis(context.Background(), config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWindow(client, "brokerguard-test:"+uuid.NewString()+":")
}

func TestRedisWindowSlides(t *testing.T) {
	ctx := context.Background()
	w := redisWindowForTest(t)
	limit := engine.RateLimit{RequestsPerWindow: 3, WindowDuration: time.Second}
	now := time.Now().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		adm, err := w.Take(ctx, "quotes", limit, 1, now.Add(time.Duration(i)*100*time.Millisecond))
		require.NoError(t, err)
		require.True(t, adm.Admitted)
	}

	adm, err := w.Take(ctx, "quotes", limit, 1, now.Add(300*time.Millisecond))
	require.NoError(t, err)
	require.False(t, adm.Admitted)
	require.Equal(t, 3, adm.Count)
	require.True(t, adm.RetryAt.Equal(now.Add(time.Second)), "retry at %s", adm.RetryAt)

	used, err := w.Usage(ctx, "quotes", limit, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, used)

	adm, err = w.Take(ctx, "quotes", limit, 2, now.Add(1050*time.Millisecond))
	require.NoError(t, err)
	require.False(t, adm.Admitted)
	require.True(t, adm.RetryAt.Equal(now.Add(1100*time.Millisecond)))

	require.NoError(t, w.Reset(ctx, "quotes"))
	used, err = w.Usage(ctx, "quotes", limit, now.Add(time.Second))
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestOpenRedisRejectsBadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), config.RedisConfig{URL: "redis://:@host:notaport"})
	require.Error(t, err)
}
