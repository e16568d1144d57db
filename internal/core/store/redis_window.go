package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core/engine"
)

const defaultRedisPrefix = "brokerguard:window:"

// takeScript prunes, checks and records in one server-side step. Stamps are
// ZSET scores in milliseconds; members carry a per-call id so equal stamps
// stay distinct.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local weight = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count + weight <= max then
	for i = 1, weight do
		redis.call('ZADD', key, now, member .. ':' .. i)
	end
	redis.call('PEXPIRE', key, window)
	return {1, count + weight, 0}
end

local idx = count + weight - max - 1
local oldest = redis.call('ZRANGE', key, idx, idx, 'WITHSCORES')
local retry = now + window
if oldest[2] then
	retry = tonumber(oldest[2]) + window
end
return {0, count, retry}
`)

// OpenRedis connects to the configured Redis server and verifies it answers.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if strings.HasPrefix(cfg.URL, "redis://") || strings.HasPrefix(cfg.URL, "rediss://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisWindow is an engine.WindowStore shared by every process pointed at
// the same Redis, so all of them draw on one quota.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
}

var _ engine.WindowStore = (*RedisWindow)(nil)

// NewRedisWindow creates a window store under prefix. An empty prefix uses the default.
func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisWindow{client: client, prefix: prefix}
}

func (w *RedisWindow) Take(ctx context.Context, key string, limit engine.RateLimit, weight int, now time.Time) (engine.Admission, error) {
	res, err := takeScript.Run(ctx, w.client, []string{w.prefix + key},
		now.UnixMilli(),
		limit.WindowDuration.Milliseconds(),
		limit.RequestsPerWindow,
		weight,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return engine.Admission{}, fmt.Errorf("redis window take: %w", err)
	}
	if len(res) != 3 {
		return engine.Admission{}, fmt.Errorf("redis window take: unexpected reply %v", res)
	}

	adm := engine.Admission{Admitted: res[0] == 1, Count: int(res[1])}
	if !adm.Admitted {
		adm.RetryAt = time.UnixMilli(res[2]).UTC()
	}
	return adm, nil
}

func (w *RedisWindow) Usage(ctx context.Context, key string, limit engine.RateLimit, now time.Time) (int, error) {
	var card *redis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		cutoff := now.Add(-limit.WindowDuration).UnixMilli()
		pipe.ZRemRangeByScore(ctx, w.prefix+key, "-inf", fmt.Sprint(cutoff))
		card = pipe.ZCard(ctx, w.prefix+key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis window usage: %w", err)
	}
	return int(card.Val()), nil
}

func (w *RedisWindow) Reset(ctx context.Context, key string) error {
	if err := w.client.Del(ctx, w.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis window reset: %w", err)
	}
	return nil
}
