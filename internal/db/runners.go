package db

import (
	"context"
	"database/sql"
	"fmt"
)

// RunnerRow is a runner heartbeat record.
type RunnerRow struct {
	Namespace     string
	RunnerID      string
	Status        string
	ProjectRoot   string
	StartedAt     string
	LastHeartbeat string
}

// UpsertRunner creates or replaces a runner record.
func (d *DB) UpsertRunner(ctx context.Context, r *RunnerRow) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO runners (namespace, runner_id, status, project_root, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, runner_id) DO UPDATE SET
			status = excluded.status,
			project_root = excluded.project_root,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat
	`, r.Namespace, r.RunnerID, r.Status, r.ProjectRoot, r.StartedAt, r.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upsert runner: %w", err)
	}
	return nil
}

// TouchRunner updates a runner's heartbeat timestamp.
func (d *DB) TouchRunner(ctx context.Context, namespace, runnerID, heartbeat string) error {
	res, err := d.ExecContext(ctx, `
		UPDATE runners SET last_heartbeat = ? WHERE namespace = ? AND runner_id = ?
	`, heartbeat, namespace, runnerID)
	if err != nil {
		return fmt.Errorf("touch runner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check touch result: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetRunnerStatus updates a runner's status.
func (d *DB) SetRunnerStatus(ctx context.Context, namespace, runnerID, status, heartbeat string) error {
	_, err := d.ExecContext(ctx, `
		UPDATE runners SET status = ?, last_heartbeat = ? WHERE namespace = ? AND runner_id = ?
	`, status, heartbeat, namespace, runnerID)
	if err != nil {
		return fmt.Errorf("set runner status: %w", err)
	}
	return nil
}

// GetRunner retrieves a runner record. Returns nil if absent.
func (d *DB) GetRunner(ctx context.Context, namespace, runnerID string) (*RunnerRow, error) {
	row := d.QueryRowContext(ctx, `
		SELECT namespace, runner_id, status, project_root, started_at, last_heartbeat
		FROM runners WHERE namespace = ? AND runner_id = ?
	`, namespace, runnerID)

	var r RunnerRow
	err := row.Scan(&r.Namespace, &r.RunnerID, &r.Status, &r.ProjectRoot, &r.StartedAt, &r.LastHeartbeat)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return &r, nil
}

// ListRunners returns all runners in a namespace.
func (d *DB) ListRunners(ctx context.Context, namespace string) ([]RunnerRow, error) {
	return d.listRunners(ctx, `
		SELECT namespace, runner_id, status, project_root, started_at, last_heartbeat
		FROM runners WHERE namespace = ? ORDER BY runner_id
	`, namespace)
}

// ListAllRunners returns runners across every namespace (admin summary).
func (d *DB) ListAllRunners(ctx context.Context) ([]RunnerRow, error) {
	return d.listRunners(ctx, `
		SELECT namespace, runner_id, status, project_root, started_at, last_heartbeat
		FROM runners ORDER BY namespace, runner_id
	`)
}

// CountAliveRunners counts runners per namespace whose heartbeat is at or
// after the cutoff (RFC3339Nano).
func (d *DB) CountAliveRunners(ctx context.Context, cutoff string) (map[string]int, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT namespace, COUNT(*) FROM runners
		WHERE status = 'RUNNING' AND last_heartbeat >= ?
		GROUP BY namespace
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("count alive runners: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, fmt.Errorf("scan runner count: %w", err)
		}
		counts[ns] = n
	}
	return counts, rows.Err()
}

func (d *DB) listRunners(ctx context.Context, query string, args ...any) ([]RunnerRow, error) {
	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var runners []RunnerRow
	for rows.Next() {
		var r RunnerRow
		if err := rows.Scan(&r.Namespace, &r.RunnerID, &r.Status, &r.ProjectRoot, &r.StartedAt, &r.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}
