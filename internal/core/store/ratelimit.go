package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
)

// GetRateLimit returns the persisted remote backoff for a limiter class, or
// nil when the class has never been rejected.
func (s *Store) GetRateLimit(ctx context.Context, class string) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	class = strings.TrimSpace(class)
	if class == "" {
		return nil, errors.New("class is required")
	}

	var (
		rejections   int
		backoffUntil sql.NullInt64
		last429At    sql.NullInt64
	)

	row := s.DB.QueryRowContext(ctx, `
		SELECT rejections, backoff_until, last_429_at
		FROM rate_limits
		WHERE class = ?
	`, class)

	if err := row.Scan(&rejections, &backoffUntil, &last429At); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	state := rateLimitState(rejections, backoffUntil, last429At)
	return &state, nil
}

// UpdateRateLimit persists the remote backoff for a limiter class.
func (s *Store) UpdateRateLimit(ctx context.Context, class string, state *core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	class = strings.TrimSpace(class)
	if class == "" {
		return errors.New("class is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (class, rejections, backoff_until, last_429_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(class) DO UPDATE SET
			rejections = excluded.rejections,
			backoff_until = excluded.backoff_until,
			last_429_at = excluded.last_429_at,
			updated_at = excluded.updated_at
	`, class, state.Rejections, nullMillis(state.BackoffUntil), nullMillis(state.Last429At), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}

	return nil
}

func rateLimitState(rejections int, backoffUntil, last429At sql.NullInt64) core.RateLimitState {
	return core.RateLimitState{
		Rejections:   rejections,
		BackoffUntil: fromNullMillis(backoffUntil),
		Last429At:    fromNullMillis(last429At),
	}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
