package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TaskRow is a task as stored in queue_tasks. Timestamps are RFC3339Nano
// strings; JSON columns (clarification, conversation_history, events)
// are stored verbatim and owned by the queue package.
type TaskRow struct {
	Namespace           string
	TaskID              string
	TaskGroupID         string
	SessionID           string
	Status              string
	TaskType            string
	ColorTag            string
	Prompt              string
	Output              sql.NullString
	ErrorMessage        sql.NullString
	Clarification       sql.NullString
	ConversationHistory sql.NullString
	Events              sql.NullString
	CreatedAt           string
	UpdatedAt           string
}

const taskColumns = `namespace, task_id, task_group_id, session_id, status, task_type, color_tag,
	prompt, output, error_message, clarification, conversation_history, events, created_at, updated_at`

// InsertTask stores a new task row.
func (d *DB) InsertTask(ctx context.Context, t *TaskRow) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO queue_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Namespace, t.TaskID, t.TaskGroupID, t.SessionID, t.Status, t.TaskType, t.ColorTag,
		t.Prompt, t.Output, t.ErrorMessage, t.Clarification, t.ConversationHistory, t.Events,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by namespace and ID. Returns nil if absent.
func (d *DB) GetTask(ctx context.Context, namespace, taskID string) (*TaskRow, error) {
	row := d.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks WHERE namespace = ? AND task_id = ?
	`, namespace, taskID)

	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// ListQueued returns up to limit QUEUED tasks for a namespace, oldest first.
// This feeds the dispatcher claim loop.
func (d *DB) ListQueued(ctx context.Context, namespace string, limit int) ([]TaskRow, error) {
	return d.listTasks(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE namespace = ? AND status = 'QUEUED'
		ORDER BY created_at ASC LIMIT ?
	`, namespace, limit)
}

// ListRecent returns up to limit tasks for a namespace, newest first.
func (d *DB) ListRecent(ctx context.Context, namespace string, limit int) ([]TaskRow, error) {
	return d.listTasks(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE namespace = ?
		ORDER BY created_at DESC LIMIT ?
	`, namespace, limit)
}

// ListByStatusOlderThan returns tasks in the given status whose
// updated_at precedes the cutoff (RFC3339Nano). Used by the sweepers.
func (d *DB) ListByStatusOlderThan(ctx context.Context, namespace, status, cutoff string) ([]TaskRow, error) {
	return d.listTasks(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE namespace = ? AND status = ? AND updated_at < ?
		ORDER BY updated_at ASC
	`, namespace, status, cutoff)
}

// ListByGroup returns all tasks in a task group, oldest first.
func (d *DB) ListByGroup(ctx context.Context, namespace, groupID string) ([]TaskRow, error) {
	return d.listTasks(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE namespace = ? AND task_group_id = ?
		ORDER BY created_at ASC
	`, namespace, groupID)
}

// ListBySession returns all tasks for a session, oldest first.
func (d *DB) ListBySession(ctx context.Context, namespace, sessionID string) ([]TaskRow, error) {
	return d.listTasks(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE namespace = ? AND session_id = ?
		ORDER BY created_at ASC
	`, namespace, sessionID)
}

// ListNamespaces returns every namespace present in the queue.
// Cross-namespace reads are reserved for admin summaries.
func (d *DB) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := d.QueryContext(ctx, `SELECT DISTINCT namespace FROM queue_tasks ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

// CountByStatus returns task counts per status for a namespace.
func (d *DB) CountByStatus(ctx context.Context, namespace string) (map[string]int, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_tasks WHERE namespace = ? GROUP BY status
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TaskSet describes the columns a conditional update may change.
// Nil pointers leave the column untouched.
type TaskSet struct {
	Status              *string
	Output              *string
	ErrorMessage        *string
	Clarification       *string
	ConversationHistory *string
	Events              *string
	UpdatedAt           string
}

// UpdateTaskIf performs the compare-and-set that serializes all status
// transitions: the update applies only while the stored status is one of
// fromStatuses. Returns false when the condition was not met, which
// callers treat as "someone else raced me".
func (d *DB) UpdateTaskIf(ctx context.Context, namespace, taskID string, fromStatuses []string, set TaskSet) (bool, error) {
	var assignments []string
	var args []any

	if set.Status != nil {
		assignments = append(assignments, "status = ?")
		args = append(args, *set.Status)
	}
	if set.Output != nil {
		assignments = append(assignments, "output = ?")
		args = append(args, *set.Output)
	}
	if set.ErrorMessage != nil {
		assignments = append(assignments, "error_message = ?")
		args = append(args, *set.ErrorMessage)
	}
	if set.Clarification != nil {
		assignments = append(assignments, "clarification = ?")
		args = append(args, *set.Clarification)
	}
	if set.ConversationHistory != nil {
		assignments = append(assignments, "conversation_history = ?")
		args = append(args, *set.ConversationHistory)
	}
	if set.Events != nil {
		assignments = append(assignments, "events = ?")
		args = append(args, *set.Events)
	}
	assignments = append(assignments, "updated_at = ?")
	args = append(args, set.UpdatedAt)

	placeholders := make([]string, len(fromStatuses))
	args = append(args, namespace, taskID)
	for i, s := range fromStatuses {
		placeholders[i] = "?"
		args = append(args, s)
	}

	query := fmt.Sprintf(`
		UPDATE queue_tasks SET %s
		WHERE namespace = ? AND task_id = ? AND status IN (%s)
	`, strings.Join(assignments, ", "), strings.Join(placeholders, ", "))

	res, err := d.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check update result: %w", err)
	}
	return n > 0, nil
}

// AppendTaskEvents overwrites the events column unconditionally.
// Event appends are the one write terminal tasks still accept.
func (d *DB) AppendTaskEvents(ctx context.Context, namespace, taskID, eventsJSON string) error {
	res, err := d.ExecContext(ctx, `
		UPDATE queue_tasks SET events = ? WHERE namespace = ? AND task_id = ?
	`, eventsJSON, namespace, taskID)
	if err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check append result: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (d *DB) listTasks(ctx context.Context, query string, args ...any) ([]TaskRow, error) {
	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRow
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*TaskRow, error) {
	var t TaskRow
	err := row.Scan(&t.Namespace, &t.TaskID, &t.TaskGroupID, &t.SessionID, &t.Status, &t.TaskType,
		&t.ColorTag, &t.Prompt, &t.Output, &t.ErrorMessage, &t.Clarification,
		&t.ConversationHistory, &t.Events, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*TaskRow, error) {
	t, err := scanTask(rows)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}
