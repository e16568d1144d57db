package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
)

// SessionEventRow is a persisted session transition.
type SessionEventRow struct {
	ID      int64                 `json:"id"`
	Type    core.SessionEventType `json:"type"`
	From    string                `json:"from"`
	To      string                `json:"to"`
	At      time.Time             `json:"at"`
	Account string                `json:"account,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Snapshot is a persisted statistics window.
type Snapshot struct {
	ID         int64           `json:"id"`
	TakenAt    time.Time       `json:"taken_at"`
	Statistics core.Statistics `json:"statistics"`
}

// InsertSessionEvent appends ev to the session history.
func (s *Store) InsertSessionEvent(ctx context.Context, ev core.SessionEvent) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	var errText sql.NullString
	if ev.Err != nil {
		errText = sql.NullString{String: ev.Err.Error(), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO session_events (type, from_state, to_state, at, account, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(ev.Type), ev.From.String(), ev.To.String(), at.UTC().UnixMilli(), ev.Account, ev.Reason, errText)
	if err != nil {
		return fmt.Errorf("store session event: %w", err)
	}
	return nil
}

// ListSessionEvents returns up to limit events, newest first.
func (s *Store) ListSessionEvents(ctx context.Context, limit int) ([]SessionEventRow, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, type, from_state, to_state, at, account, reason, error
		FROM session_events
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	events := []SessionEventRow{}
	for rows.Next() {
		var (
			row       SessionEventRow
			eventType string
			at        int64
			account   sql.NullString
			reason    sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&row.ID, &eventType, &row.From, &row.To, &at, &account, &reason, &errText); err != nil {
			return nil, fmt.Errorf("scan session events: %w", err)
		}
		row.Type = core.SessionEventType(eventType)
		row.At = time.UnixMilli(at).UTC()
		row.Account = account.String
		row.Reason = reason.String
		row.Error = errText.String
		events = append(events, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	return events, nil
}

// InsertSnapshot stores stats as taken at takenAt.
func (s *Store) InsertSnapshot(ctx context.Context, stats core.Statistics, takenAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO stats_snapshots (taken_at, window_ms, stats_json)
		VALUES (?, ?, ?)
	`, takenAt.UTC().UnixMilli(), stats.Window.Milliseconds(), string(payload))
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or nil when none exist.
func (s *Store) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		snap    Snapshot
		takenAt int64
		payload string
	)
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, taken_at, stats_json
		FROM stats_snapshots
		ORDER BY taken_at DESC, id DESC
		LIMIT 1
	`)
	if err := row.Scan(&snap.ID, &takenAt, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &snap.Statistics); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.TakenAt = time.UnixMilli(takenAt).UTC()
	return &snap, nil
}

// InsertAlert stores a fired alert. Re-inserting the same alert ID is a no-op.
func (s *Store) InsertAlert(ctx context.Context, alert core.Alert) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if alert.ID == "" {
		return errors.New("alert id is required")
	}

	payload, err := json.Marshal(alert.Statistics)
	if err != nil {
		return fmt.Errorf("encode alert statistics: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO alerts (id, rule, severity, message, stats_json, fired_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, alert.ID, alert.Rule, string(alert.Severity), alert.Message, string(payload), alert.FiredAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	return nil
}

// ListAlerts returns up to limit alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]core.Alert, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, rule, severity, message, stats_json, fired_at
		FROM alerts
		ORDER BY fired_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	alerts := []core.Alert{}
	for rows.Next() {
		var (
			alert    core.Alert
			severity string
			payload  string
			firedAt  int64
		)
		if err := rows.Scan(&alert.ID, &alert.Rule, &severity, &alert.Message, &payload, &firedAt); err != nil {
			return nil, fmt.Errorf("scan alerts: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &alert.Statistics); err != nil {
			return nil, fmt.Errorf("decode alert statistics: %w", err)
		}
		alert.Severity = core.Severity(severity)
		alert.FiredAt = time.UnixMilli(firedAt).UTC()
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// PruneHistory deletes session events, snapshots and alerts older than before.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cutoff := before.UTC().UnixMilli()
	var total int64
	for _, stmt := range []string{
		"DELETE FROM session_events WHERE at < ?",
		"DELETE FROM stats_snapshots WHERE taken_at < ?",
		"DELETE FROM alerts WHERE fired_at < ?",
	} {
		result, err := s.DB.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune history: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune history: %w", err)
		}
		total += affected
	}
	return total, nil
}
