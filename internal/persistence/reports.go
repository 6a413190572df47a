package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveReport inserts or replaces the report for report.TaskID.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveReport(ctx context.Context, report CommandReport) error {
	tags := ""
	if len(report.ConfigurationTags) > 0 {
		data, err := json.Marshal(report.ConfigurationTags)
		if err != nil {
			return fmt.Errorf("failed to encode configuration tags: %w", err)
		}
		tags = string(data)
	}

	updatedAt := report.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_reports (task_id, cluster, role, role_command, command_type, status, exit_code, stdout, stderr, structured_out, configuration_tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			cluster = excluded.cluster,
			role = excluded.role,
			role_command = excluded.role_command,
			command_type = excluded.command_type,
			status = excluded.status,
			exit_code = excluded.exit_code,
			stdout = excluded.stdout,
			stderr = excluded.stderr,
			structured_out = excluded.structured_out,
			configuration_tags = excluded.configuration_tags,
			updated_at = excluded.updated_at
	`, report.TaskID, report.ClusterName, report.Role, report.RoleCommand, report.CommandType,
		report.Status, report.ExitCode, report.Stdout, report.Stderr, report.StructuredOut, tags, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert report %s: %w", report.TaskID, err)
	}
	return nil
}

const reportColumns = `task_id, cluster, role, role_command, command_type, status, exit_code, stdout, stderr, structured_out, configuration_tags, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (CommandReport, error) {
	var r CommandReport
	var stdout, stderr, structured, tags sql.NullString
	err := row.Scan(&r.TaskID, &r.ClusterName, &r.Role, &r.RoleCommand, &r.CommandType,
		&r.Status, &r.ExitCode, &stdout, &stderr, &structured, &tags, &r.UpdatedAt)
	if err != nil {
		return CommandReport{}, err
	}
	r.Stdout = stdout.String
	r.Stderr = stderr.String
	r.StructuredOut = structured.String
	if tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &r.ConfigurationTags); err != nil {
			return CommandReport{}, fmt.Errorf("failed to decode configuration tags for %s: %w", r.TaskID, err)
		}
	}
	return r, nil
}

// GetReport retrieves the report for taskID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetReport(ctx context.Context, taskID string) (CommandReport, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM command_reports WHERE task_id = ?`, taskID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CommandReport{}, fmt.Errorf("report %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return CommandReport{}, fmt.Errorf("failed to query report: %w", err)
	}
	return r, nil
}

// ListReports returns reports ordered by last update. An empty status lists all.
func (s *SQLiteStore) ListReports(ctx context.Context, status string) ([]CommandReport, error) {
	query := `SELECT ` + reportColumns + ` FROM command_reports`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at, task_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []CommandReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}

// PruneReports deletes reports last updated before the given time and
// returns how many were removed.
func (s *SQLiteStore) PruneReports(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_reports WHERE updated_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune reports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
