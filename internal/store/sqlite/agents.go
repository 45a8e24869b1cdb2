package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/domain"
)

const agentColumns = `id, type, name, capabilities, status, health, performance, resources, config,
	delivery_preference, privacy_level, created_at, updated_at, version`

type agentBlobs struct {
	capabilities string
	health       string
	performance  string
	resources    string
	config       string
}

func encodeAgent(a domain.Agent) (agentBlobs, error) {
	var b agentBlobs
	var err error
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	if b.capabilities, err = toJSON(caps); err != nil {
		return b, fmt.Errorf("marshal capabilities: %w", err)
	}
	if b.health, err = toJSON(a.Health); err != nil {
		return b, fmt.Errorf("marshal health: %w", err)
	}
	if b.performance, err = toJSON(a.Performance); err != nil {
		return b, fmt.Errorf("marshal performance: %w", err)
	}
	if b.resources, err = toJSON(a.Resources); err != nil {
		return b, fmt.Errorf("marshal resources: %w", err)
	}
	if b.config, err = toJSON(a.Config); err != nil {
		return b, fmt.Errorf("marshal config: %w", err)
	}
	return b, nil
}

func (s *Store) CreateAgent(ctx context.Context, agent domain.Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = agent.CreatedAt
	}
	if agent.Version == 0 {
		agent.Version = 1
	}
	b, err := encodeAgent(agent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO agents(`+agentColumns+`, enabled)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, string(agent.Type), agent.Name, b.capabilities, string(agent.Status),
		b.health, b.performance, b.resources, b.config,
		string(agent.DeliveryPreference), string(agent.PrivacyLevel),
		agent.CreatedAt.UnixMilli(), agent.UpdatedAt.UnixMilli(), agent.Version,
		boolToInt(agent.Config.Enabled),
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
	if err != nil {
		return domain.Agent{}, notFound("agent", agentID, err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error) {
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

// MutateAgent applies fn to the current row inside a transaction.
func (s *Store) MutateAgent(ctx context.Context, agentID string, fn func(*domain.Agent) error) (domain.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("begin tx mutate agent: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
	if err != nil {
		return domain.Agent{}, notFound("agent", agentID, err)
	}
	next := current
	next.Capabilities = append([]string(nil), current.Capabilities...)
	if err := fn(&next); err != nil {
		return current, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	b, err := encodeAgent(next)
	if err != nil {
		return current, err
	}
	res, err := tx.ExecContext(
		ctx,
		`UPDATE agents SET
			type = ?, name = ?, capabilities = ?, status = ?, enabled = ?, health = ?, performance = ?,
			resources = ?, config = ?, delivery_preference = ?, privacy_level = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(next.Type), next.Name, b.capabilities, string(next.Status), boolToInt(next.Config.Enabled),
		b.health, b.performance, b.resources, b.config,
		string(next.DeliveryPreference), string(next.PrivacyLevel),
		next.UpdatedAt.UnixMilli(), next.Version,
		agentID, current.Version,
	)
	if err != nil {
		return current, fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return current, fmt.Errorf("update agent %s: version %d changed concurrently", agentID, current.Version)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit mutate agent: %w", err)
	}
	return next, nil
}

// MarkAgentsShutdown flags every agent not already shut down. Records are kept for audit.
func (s *Store) MarkAgentsShutdown(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET status = ?, updated_at = ?, version = version + 1 WHERE status != ?`,
		string(domain.AgentStatusShutdown), time.Now().UTC().UnixMilli(), string(domain.AgentStatusShutdown),
	)
	if err != nil {
		return 0, fmt.Errorf("mark agents shutdown: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark agents shutdown rows affected: %w", err)
	}
	return n, nil
}

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var agentType, status, delivery, privacy string
	var b agentBlobs
	var created, updated int64
	if err := row.Scan(
		&a.ID, &agentType, &a.Name, &b.capabilities, &status, &b.health, &b.performance, &b.resources, &b.config,
		&delivery, &privacy, &created, &updated, &a.Version,
	); err != nil {
		return domain.Agent{}, err
	}
	a.Type = domain.AgentType(agentType)
	a.Status = domain.AgentStatus(status)
	a.DeliveryPreference = domain.DeliveryPreference(delivery)
	a.PrivacyLevel = domain.PrivacyLevel(privacy)
	a.CreatedAt = millisToTime(created)
	a.UpdatedAt = millisToTime(updated)

	blobs := []struct {
		raw  string
		into any
		name string
	}{
		{b.capabilities, &a.Capabilities, "capabilities"},
		{b.health, &a.Health, "health"},
		{b.performance, &a.Performance, "performance"},
		{b.resources, &a.Resources, "resources"},
		{b.config, &a.Config, "config"},
	}
	for _, blob := range blobs {
		if err := json.Unmarshal([]byte(blob.raw), blob.into); err != nil {
			return domain.Agent{}, fmt.Errorf("decode agent %s: %w", blob.name, err)
		}
	}
	return a, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
