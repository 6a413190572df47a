package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRecoveryCounter inserts or replaces the counter for counter.Component.
func (s *SQLiteStore) SaveRecoveryCounter(ctx context.Context, counter RecoveryCounter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_actions (component, count, lifetime_count, last_attempt, last_reset, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET
			count = excluded.count,
			lifetime_count = excluded.lifetime_count,
			last_attempt = excluded.last_attempt,
			last_reset = excluded.last_reset,
			updated_at = excluded.updated_at
	`, counter.Component, counter.Count, counter.LifetimeCount,
		nullTime(counter.LastAttempt), nullTime(counter.LastReset), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert recovery counter %s: %w", counter.Component, err)
	}
	return nil
}

// ListRecoveryCounters returns every stored counter ordered by component.
func (s *SQLiteStore) ListRecoveryCounters(ctx context.Context) ([]RecoveryCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, count, lifetime_count, last_attempt, last_reset
		FROM recovery_actions ORDER BY component
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery counters: %w", err)
	}
	defer rows.Close()

	var counters []RecoveryCounter
	for rows.Next() {
		var c RecoveryCounter
		var lastAttempt, lastReset sql.NullTime
		if err := rows.Scan(&c.Component, &c.Count, &c.LifetimeCount, &lastAttempt, &lastReset); err != nil {
			return nil, fmt.Errorf("failed to scan recovery counter: %w", err)
		}
		if lastAttempt.Valid {
			c.LastAttempt = lastAttempt.Time
		}
		if lastReset.Valid {
			c.LastReset = lastReset.Time
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
