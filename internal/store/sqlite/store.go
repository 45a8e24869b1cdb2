package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL,
	task_type TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	submitted_by TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	context TEXT NOT NULL,
	start_time INTEGER NULL,
	end_time INTEGER NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	result TEXT NULL,
	scheduled_for INTEGER NOT NULL,
	expires_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_tasks_submitter ON tasks(submitted_by, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(agent_type, status);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	capabilities TEXT NOT NULL,
	status TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	health TEXT NOT NULL,
	performance TEXT NOT NULL,
	resources TEXT NOT NULL,
	config TEXT NOT NULL,
	delivery_preference TEXT NOT NULL,
	privacy_level TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type, status);

CREATE TABLE IF NOT EXISTS queued_messages (
	id TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	group_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL,
	delivery_method TEXT NOT NULL,
	not_before INTEGER NOT NULL,
	expires_at INTEGER NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_limit INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	delivered_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_queued_messages_target ON queued_messages(to_agent, status, priority);
CREATE INDEX IF NOT EXISTS idx_queued_messages_due ON queued_messages(status, not_before);

CREATE TABLE IF NOT EXISTS agent_channels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	effect TEXT NOT NULL,
	expires_at INTEGER NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_channels_lookup ON agent_channels(from_agent, to_agent);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(group_id, agent_id)
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ref_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_ref ON decision_log(ref_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes every read-modify-write transaction, which
	// keeps per-record counters consistent without row-level locking.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(ref_id, actor, action, reason, payload, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		entry.RefID, entry.Actor, entry.Action, entry.Reason, payload, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, refID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, ref_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE ref_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		refID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RefID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = millisToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(what, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Wrap(domain.KindNotFound, fmt.Sprintf("%s %s", what, id), err)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func millisToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillisToPtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
