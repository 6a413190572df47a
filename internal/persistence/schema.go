package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_reports (
		task_id TEXT PRIMARY KEY,
		cluster TEXT NOT NULL,
		role TEXT NOT NULL,
		role_command TEXT NOT NULL,
		command_type TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		stdout TEXT,
		stderr TEXT,
		structured_out TEXT,
		configuration_tags TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_command_reports_status ON command_reports(status);

	CREATE TABLE IF NOT EXISTS action_groups (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		PRIMARY KEY (group_id, position),
		FOREIGN KEY (group_id) REFERENCES action_groups(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_group_members_task_id ON group_members(task_id);

	CREATE TABLE IF NOT EXISTS recovery_actions (
		component TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		lifetime_count INTEGER NOT NULL,
		last_attempt DATETIME,
		last_reset DATETIME,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
