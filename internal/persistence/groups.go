package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/aristath/ambari-agent/internal/scheduler"
)

// SaveGroup records a dispatched group and its members in order.
func (s *SQLiteStore) SaveGroup(ctx context.Context, group *scheduler.ActionGroup) error {
	// BEGIN IMMEDIATE
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO action_groups (id, seq, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, created_at = excluded.created_at
	`, group.ID, group.Seq, group.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert group: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, group.ID); err != nil {
		return fmt.Errorf("failed to delete old members: %w", err)
	}

	for i, taskID := range group.TaskIDs() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, position, task_id)
			VALUES (?, ?, ?)
		`, group.ID, i, taskID)
		if err != nil {
			return fmt.Errorf("failed to insert member %s of group %s: %w", taskID, group.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListGroups returns the most recent groups in dispatch order, oldest first.
// limit <= 0 returns all of them.
func (s *SQLiteStore) ListGroups(ctx context.Context, limit int) ([]GroupRecord, error) {
	query := `SELECT id, seq, created_at FROM action_groups ORDER BY created_at DESC, seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}

	var groups []GroupRecord
	for rows.Next() {
		var g GroupRecord
		if err := rows.Scan(&g.ID, &g.Seq, &g.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	// Newest were fetched first
	slices.Reverse(groups)

	for i := range groups {
		members, err := s.groupMembers(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].TaskIDs = members
	}
	return groups, nil
}

func (s *SQLiteStore) groupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id FROM group_members WHERE group_id = ? ORDER BY position
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members of group %s: %w", groupID, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}
