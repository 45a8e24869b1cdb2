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

const messageColumns = `id, from_agent, to_agent, group_id, type, content, priority, status, delivery_method,
	not_before, expires_at, retry_count, retry_limit, last_error, created_at, updated_at, delivered_at`

// CreateQueuedMessage inserts msg and returns its delivery position: the number
// of strictly higher priority messages still queued for the same target, plus
// one. Records written already delivered get position 0.
func (s *Store) CreateQueuedMessage(ctx context.Context, msg domain.QueuedMessage) (int, error) {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.NotBefore.IsZero() {
		msg.NotBefore = msg.CreatedAt
	}
	if msg.Status == "" {
		msg.Status = domain.MessageStatusQueued
	}
	content, err := toJSON(msg.Content)
	if err != nil {
		return 0, fmt.Errorf("marshal message content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx create message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	position := 0
	if msg.Status == domain.MessageStatusQueued {
		var ahead int
		if err := tx.QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM queued_messages WHERE to_agent = ? AND status = ? AND priority > ?`,
			msg.ToAgent, string(domain.MessageStatusQueued), int(msg.Priority),
		).Scan(&ahead); err != nil {
			return 0, fmt.Errorf("count messages ahead: %w", err)
		}
		position = ahead + 1
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO queued_messages(`+messageColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromAgent, msg.ToAgent, msg.GroupID, string(msg.Type), content, int(msg.Priority),
		string(msg.Status), string(msg.DeliveryMethod), msg.NotBefore.UnixMilli(), nullableMillis(msg.ExpiresAt),
		msg.RetryCount, msg.RetryLimit, msg.LastError, msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli(),
		nullableMillis(msg.DeliveredAt),
	); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create message: %w", err)
	}
	return position, nil
}

func (s *Store) GetQueuedMessage(ctx context.Context, messageID string) (domain.QueuedMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`, messageID))
	if err != nil {
		return domain.QueuedMessage{}, notFound("message", messageID, err)
	}
	return m, nil
}

// MutateQueuedMessage applies fn to the current row inside a transaction.
func (s *Store) MutateQueuedMessage(ctx context.Context, messageID string, fn func(*domain.QueuedMessage) error) (domain.QueuedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("begin tx mutate message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`, messageID))
	if err != nil {
		return domain.QueuedMessage{}, notFound("message", messageID, err)
	}
	next := current
	if err := fn(&next); err != nil {
		return current, err
	}
	next.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE queued_messages SET
			status = ?, delivery_method = ?, not_before = ?, expires_at = ?, retry_count = ?,
			retry_limit = ?, last_error = ?, updated_at = ?, delivered_at = ?
		WHERE id = ?`,
		string(next.Status), string(next.DeliveryMethod), next.NotBefore.UnixMilli(), nullableMillis(next.ExpiresAt),
		next.RetryCount, next.RetryLimit, next.LastError, next.UpdatedAt.UnixMilli(), nullableMillis(next.DeliveredAt),
		messageID,
	); err != nil {
		return current, fmt.Errorf("update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit mutate message: %w", err)
	}
	return next, nil
}

func (s *Store) ListQueuedMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.QueuedMessage, error) {
	var where []string
	var args []any
	if filter.ToAgent != "" {
		where = append(where, "to_agent = ?")
		args = append(args, filter.ToAgent)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + messageColumns + ` FROM queued_messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)
	return s.queryMessages(ctx, query, args...)
}

// ListRedeliverable returns queued messages whose not-before time has passed,
// highest priority first.
func (s *Store) ListRedeliverable(ctx context.Context, now time.Time, limit int) ([]domain.QueuedMessage, error) {
	if limit <= 0 {
		limit = 128
	}
	return s.queryMessages(
		ctx,
		`SELECT `+messageColumns+` FROM queued_messages
		WHERE status = ? AND not_before <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		string(domain.MessageStatusQueued), now.UTC().UnixMilli(), limit,
	)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.QueuedMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func scanMessage(row scanner) (domain.QueuedMessage, error) {
	var m domain.QueuedMessage
	var msgType, content, status, method string
	var priority int
	var notBefore, created, updated int64
	var expiresAt, deliveredAt sql.NullInt64
	if err := row.Scan(
		&m.ID, &m.FromAgent, &m.ToAgent, &m.GroupID, &msgType, &content, &priority, &status, &method,
		&notBefore, &expiresAt, &m.RetryCount, &m.RetryLimit, &m.LastError, &created, &updated, &deliveredAt,
	); err != nil {
		return domain.QueuedMessage{}, err
	}
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return domain.QueuedMessage{}, fmt.Errorf("decode message content: %w", err)
	}
	m.Type = domain.MessageType(msgType)
	m.Priority = domain.Priority(priority)
	m.Status = domain.MessageStatus(status)
	m.DeliveryMethod = domain.DeliveryMethod(method)
	m.NotBefore = millisToTime(notBefore)
	m.ExpiresAt = nullMillisToPtr(expiresAt)
	m.CreatedAt = millisToTime(created)
	m.UpdatedAt = millisToTime(updated)
	m.DeliveredAt = nullMillisToPtr(deliveredAt)
	return m, nil
}

func (s *Store) GrantChannel(ctx context.Context, grant domain.ChannelGrant) error {
	effect := grant.Effect
	if effect == "" {
		effect = domain.PermissionEffectAllow
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agent_channels(from_agent, to_agent, effect, expires_at, created_at) VALUES(?, ?, ?, ?, ?)`,
		grant.FromAgent, grant.ToAgent, string(effect), nullableMillis(grant.ExpiresAt), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("grant channel: %w", err)
	}
	return nil
}

// CheckChannel evaluates channel grants between two agents. matched is false
// when no unexpired grant applies, leaving the decision to the caller's default.
func (s *Store) CheckChannel(ctx context.Context, fromAgent, toAgent string, now time.Time) (allowed bool, matched bool, reason string, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT effect, expires_at FROM agent_channels
		WHERE (from_agent = ? OR from_agent = '*') AND (to_agent = ? OR to_agent = '*')`,
		fromAgent, toAgent,
	)
	if err != nil {
		return false, false, "", fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var allowMatch bool
	for rows.Next() {
		var effect string
		var expires sql.NullInt64
		if err := rows.Scan(&effect, &expires); err != nil {
			return false, false, "", fmt.Errorf("scan channel: %w", err)
		}
		if expires.Valid && now.UTC().UnixMilli() > expires.Int64 {
			continue
		}
		switch domain.PermissionEffect(effect) {
		case domain.PermissionEffectDeny:
			return false, true, "denied by channel rule", nil
		case domain.PermissionEffectAllow:
			allowMatch = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, false, "", fmt.Errorf("iterate channels: %w", err)
	}
	if allowMatch {
		return true, true, "allowed by channel rule", nil
	}
	return false, false, "no matching channel rule", nil
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, agentID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO group_members(group_id, agent_id, created_at) VALUES(?, ?, ?)`,
		groupID, agentID, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (s *Store) RemoveGroupMember(ctx context.Context, groupID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND agent_id = ?`, groupID, agentID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

// MembersOf resolves a group to its agent ids. A group with no members is unknown.
func (s *Store) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT agent_id FROM group_members WHERE group_id = ? ORDER BY created_at ASC, agent_id ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	if len(members) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "group %s", groupID)
	}
	return members, nil
}
