package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/domain"
)

const taskColumns = `id, agent_type, task_type, priority, status, assigned_agent_id, payload, context,
	start_time, end_time, duration_ms, attempts, max_attempts, last_error, result,
	scheduled_for, expires_at, created_at, updated_at, version`

func (s *Store) CreateTask(ctx context.Context, task domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.ScheduledFor.IsZero() {
		task.ScheduledFor = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	if task.Version == 0 {
		task.Version = 1
	}
	taskContext, err := toJSON(task.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	result, err := resultColumn(task.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO tasks(`+taskColumns+`, submitted_by)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.AgentType), string(task.TaskType), int(task.Priority), string(task.Status),
		task.AssignedAgentID, string(task.Payload), taskContext,
		nullableMillis(task.StartTime), nullableMillis(task.EndTime), task.DurationMS,
		task.Attempts, task.MaxAttempts, task.LastError, result,
		task.ScheduledFor.UnixMilli(), nullableMillis(task.ExpiresAt),
		task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(), task.Version,
		task.Context.UserID,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, notFound("task", taskID, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	var where []string
	var args []any
	if filter.SubmittedBy != "" {
		where = append(where, "submitted_by = ?")
		args = append(args, filter.SubmittedBy)
	}
	if filter.AgentType != "" {
		where = append(where, "agent_type = ?")
		args = append(args, string(filter.AgentType))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return s.queryTasks(ctx, query, args...)
}

func (s *Store) ListUnfinishedTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(domain.TaskStatusPending), string(domain.TaskStatusProcessing),
	)
}

// MutateTask applies fn to the current row inside a transaction. An error from
// fn aborts the update and is returned as-is.
func (s *Store) MutateTask(ctx context.Context, taskID string, fn func(*domain.Task) error) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin tx mutate task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if err != nil {
		return domain.Task{}, notFound("task", taskID, err)
	}
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	result, err := resultColumn(next.Result)
	if err != nil {
		return current, err
	}
	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET
			priority = ?, status = ?, assigned_agent_id = ?, start_time = ?, end_time = ?,
			duration_ms = ?, attempts = ?, max_attempts = ?, last_error = ?, result = ?,
			scheduled_for = ?, expires_at = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		int(next.Priority), string(next.Status), next.AssignedAgentID,
		nullableMillis(next.StartTime), nullableMillis(next.EndTime),
		next.DurationMS, next.Attempts, next.MaxAttempts, next.LastError, result,
		next.ScheduledFor.UnixMilli(), nullableMillis(next.ExpiresAt),
		next.UpdatedAt.UnixMilli(), next.Version,
		taskID, current.Version,
	)
	if err != nil {
		return current, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return current, fmt.Errorf("update task %s: version %d changed concurrently", taskID, current.Version)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit mutate task: %w", err)
	}
	return next, nil
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return counts, nil
}

// PurgeTerminalTasks deletes tasks that reached a terminal state before the cutoff.
func (s *Store) PurgeTerminalTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM tasks
		WHERE status IN (?, ?, ?, ?) AND COALESCE(end_time, updated_at) < ?`,
		string(domain.TaskStatusCompleted), string(domain.TaskStatusFailed),
		string(domain.TaskStatusCancelled), string(domain.TaskStatusExpired),
		before.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tasks rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var agentType, taskType, status, payload, taskContext string
	var priority int
	var startTime, endTime, expiresAt sql.NullInt64
	var result sql.NullString
	var scheduledFor, created, updated int64
	if err := row.Scan(
		&t.ID, &agentType, &taskType, &priority, &status, &t.AssignedAgentID, &payload, &taskContext,
		&startTime, &endTime, &t.DurationMS, &t.Attempts, &t.MaxAttempts, &t.LastError, &result,
		&scheduledFor, &expiresAt, &created, &updated, &t.Version,
	); err != nil {
		return domain.Task{}, err
	}
	t.AgentType = domain.AgentType(agentType)
	t.TaskType = domain.TaskType(taskType)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	if payload != "" {
		t.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal([]byte(taskContext), &t.Context); err != nil {
		return domain.Task{}, fmt.Errorf("decode task context: %w", err)
	}
	if result.Valid && result.String != "" {
		var r domain.TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return domain.Task{}, fmt.Errorf("decode task result: %w", err)
		}
		t.Result = &r
	}
	t.StartTime = nullMillisToPtr(startTime)
	t.EndTime = nullMillisToPtr(endTime)
	t.ExpiresAt = nullMillisToPtr(expiresAt)
	t.ScheduledFor = millisToTime(scheduledFor)
	t.CreatedAt = millisToTime(created)
	t.UpdatedAt = millisToTime(updated)
	return t, nil
}

func resultColumn(r *domain.TaskResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := toJSON(r)
	if err != nil {
		return nil, fmt.Errorf("marshal task result: %w", err)
	}
	return raw, nil
}
