package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"switchboard/internal/domain"
)

// dispatchOnce runs one pass over every agent type queue.
func (s *Service) dispatchOnce(ctx context.Context) error {
	var errs []error
	for _, agentType := range domain.AgentTypes {
		if err := s.dispatchType(ctx, agentType); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", agentType, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) dispatchType(ctx context.Context, agentType domain.AgentType) error {
	q := s.queues.get(agentType)
	if q.Len() == 0 {
		return nil
	}
	q.pass.Lock()
	defer q.pass.Unlock()

	filter := domain.AgentFilter{Type: agentType, Statuses: dispatchable, EnabledOnly: true}
	live, err := s.store.ListAgents(ctx, filter)
	if err != nil {
		return err
	}
	now := s.now()
	ready, expired := q.Drain(now, len(live)*s.cfg.PerAgentBatch)
	for _, e := range expired {
		s.expireTask(ctx, e, now)
	}

	for i, e := range ready {
		candidates, err := s.store.ListAgents(ctx, filter)
		if err != nil {
			q.PushFront(ready[i:])
			return err
		}
		agent, ok := pickAgent(candidates)
		if !ok {
			q.PushFront(ready[i:])
			return nil
		}
		if err := s.dispatchTask(ctx, e, agent, now); err != nil {
			q.PushFront(ready[i:])
			return err
		}
	}
	return nil
}

// dispatchTask claims the task for agent and hands it to an executor
// goroutine. Tasks that changed state since they were queued are skipped.
func (s *Service) dispatchTask(ctx context.Context, e queueEntry, agent domain.Agent, now time.Time) error {
	task, err := s.store.MutateTask(ctx, e.TaskID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusPending || t.Attempts >= t.MaxAttempts {
			return errStaleOutcome
		}
		t.Status = domain.TaskStatusProcessing
		t.AssignedAgentID = agent.ID
		t.Attempts++
		t.StartTime = &now
		t.EndTime = nil
		return nil
	})
	if errors.Is(err, errStaleOutcome) || errors.Is(err, domain.ErrNotFound) {
		s.logger.Debug("skip stale queue entry", zap.String("task_id", e.TaskID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task %s: %w", e.TaskID, err)
	}

	updated, err := s.store.MutateAgent(ctx, agent.ID, func(a *domain.Agent) error {
		a.RecordDispatch()
		a.Status = loadStatus(*a)
		return nil
	})
	if err != nil {
		s.logger.Warn("record dispatch on agent failed", zap.String("agent_id", agent.ID), zap.Error(err))
		updated = agent
	}

	s.bump(func(c *Counters) { c.TasksProcessed++ })
	s.logDecision(ctx, task.ID, "task_dispatched", "selected best eligible agent", map[string]any{
		"agent_id":     agent.ID,
		"attempt":      task.Attempts,
		"success_rate": agent.Performance.SuccessRate,
		"queue_size":   agent.Resources.QueueSize,
	})
	s.logger.Debug("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agent.ID),
		zap.Int("attempt", task.Attempts))

	s.inflight.Add(1)
	s.inflightN.Add(1)
	go s.execute(task, updated)
	return nil
}

func (s *Service) expireTask(ctx context.Context, e queueEntry, now time.Time) {
	_, err := s.store.MutateTask(ctx, e.TaskID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusPending {
			return errStaleOutcome
		}
		t.Status = domain.TaskStatusExpired
		t.EndTime = &now
		t.LastError = "expired before dispatch"
		return nil
	})
	if errors.Is(err, errStaleOutcome) || errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("expire task failed", zap.String("task_id", e.TaskID), zap.Error(err))
		return
	}
	s.bump(func(c *Counters) { c.TasksExpired++ })
	s.logDecision(ctx, e.TaskID, "task_expired", "expired before dispatch", nil)
}
