package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

type outcome struct {
	out registry.Output
	err error
}

// execute runs one attempt against the agent's live handle. Exactly one
// outcome is recorded: the handle's answer or the timeout, whichever lands
// first.
func (s *Service) execute(task domain.Task, agent domain.Agent) {
	defer s.inflight.Done()
	defer s.inflightN.Add(-1)
	ctx := context.Background()

	handle, ok := s.registry.Lookup(agent.ID)
	if !ok {
		s.fail(ctx, task, agent.ID, domain.Errorf(domain.KindAgentUnavailable, "agent %s has no live handle", agent.ID))
		return
	}
	if !task.TaskType.Valid() {
		s.fail(ctx, task, agent.ID, domain.Errorf(domain.KindUnknownTaskType, "agent %s cannot run task type %q", agent.ID, task.TaskType))
		return
	}

	timeout := agent.Config.Timeout()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := registry.Invocation{
		TaskID:   task.ID,
		TaskType: task.TaskType,
		Payload:  task.Payload,
		Context:  task.Context,
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		out, err := handle.Execute(execCtx, inv)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				res.err = domain.Wrap(domain.KindTimeout, fmt.Sprintf("task exceeded %s", timeout), res.err)
			}
			s.fail(ctx, task, agent.ID, res.err)
			return
		}
		s.complete(ctx, task, agent.ID, res.out)
	case <-execCtx.Done():
		s.fail(ctx, task, agent.ID, domain.Errorf(domain.KindTimeout, "task exceeded %s", timeout))
	}
}

func (s *Service) complete(ctx context.Context, task domain.Task, agentID string, out registry.Output) {
	now := s.now()
	var sample domain.ResourceSample
	if s.sampler != nil {
		if smp, err := s.sampler.Sample(ctx); err == nil {
			sample = smp
		}
	}

	var duration time.Duration
	var lateResult bool
	updated, err := s.store.MutateTask(ctx, task.ID, func(t *domain.Task) error {
		if t.StartTime != nil {
			duration = now.Sub(*t.StartTime)
		}
		result := &domain.TaskResult{
			Success: true,
			Data:    out.Data,
			Metrics: domain.ExecutionMetrics{
				DurationMS:  duration.Milliseconds(),
				MemoryBytes: sample.MemoryBytes,
				CPUPercent:  sample.CPUPercent,
			},
		}
		switch t.Status {
		case domain.TaskStatusProcessing:
			t.Status = domain.TaskStatusCompleted
			t.EndTime = &now
			t.DurationMS = duration.Milliseconds()
			t.LastError = ""
			t.Result = result
		case domain.TaskStatusCancelled:
			lateResult = true
			t.Result = result
		default:
			return errStaleOutcome
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStaleOutcome) {
		s.logger.Error("record task completion failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	if _, err := s.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.RecordCompletion(duration, now)
		a.Status = loadStatus(*a)
		return nil
	}); err != nil {
		s.logger.Warn("record completion on agent failed", zap.String("agent_id", agentID), zap.Error(err))
	}

	if err != nil {
		return
	}
	if lateResult {
		s.logDecision(ctx, task.ID, "task_result_after_cancel", "execution finished after cancel", nil)
		return
	}
	s.bump(func(c *Counters) {
		c.TasksCompleted++
		c.AvgLatencyMS = domain.RollingAverage(c.AvgLatencyMS, float64(duration.Milliseconds()), c.TasksCompleted)
	})
	s.logDecision(ctx, task.ID, "task_completed", "agent returned a result", map[string]any{
		"agent_id":    agentID,
		"duration_ms": updated.DurationMS,
		"attempt":     updated.Attempts,
	})
}

// fail records a failed attempt. The task returns to its queue while
// attempts remain and the service is accepting work; otherwise it is final.
func (s *Service) fail(ctx context.Context, task domain.Task, agentID string, cause error) {
	now := s.now()
	reason := cause.Error()
	accepting := s.accepting.Load()

	var lateResult bool
	updated, err := s.store.MutateTask(ctx, task.ID, func(t *domain.Task) error {
		lateResult = false
		switch t.Status {
		case domain.TaskStatusProcessing:
		case domain.TaskStatusCancelled:
			lateResult = true
			t.Result = &domain.TaskResult{Error: reason}
			return nil
		default:
			return errStaleOutcome
		}

		t.LastError = reason
		t.AssignedAgentID = ""
		var duration time.Duration
		if t.StartTime != nil {
			duration = now.Sub(*t.StartTime)
		}
		if accepting && t.Attempts < t.MaxAttempts && !t.Expired(now) {
			t.Status = domain.TaskStatusPending
			t.StartTime = nil
			return nil
		}
		t.Status = domain.TaskStatusFailed
		t.EndTime = &now
		t.DurationMS = duration.Milliseconds()
		t.Result = &domain.TaskResult{
			Error:   reason,
			Metrics: domain.ExecutionMetrics{DurationMS: duration.Milliseconds()},
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStaleOutcome) {
		s.logger.Error("record task failure failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	if _, agentErr := s.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.RecordFailure(reason)
		a.Status = loadStatus(*a)
		return nil
	}); agentErr != nil {
		s.logger.Warn("record failure on agent failed", zap.String("agent_id", agentID), zap.Error(agentErr))
	}

	if err != nil || lateResult {
		return
	}

	kind := domain.KindOf(cause)
	if updated.Status == domain.TaskStatusPending {
		s.queues.get(updated.AgentType).Push(entryFor(updated))
		s.bump(func(c *Counters) { c.TasksRetried++ })
		s.logDecision(ctx, updated.ID, "task_requeued", reason, map[string]any{
			"agent_id":     agentID,
			"attempt":      updated.Attempts,
			"max_attempts": updated.MaxAttempts,
			"kind":         kind,
		})
		s.logger.Info("task attempt failed, requeued",
			zap.String("task_id", updated.ID),
			zap.String("agent_id", agentID),
			zap.Int("attempt", updated.Attempts),
			zap.String("kind", string(kind)),
			zap.String("reason", reason))
		return
	}

	s.bump(func(c *Counters) { c.TasksFailed++ })
	s.logDecision(ctx, updated.ID, "task_failed", reason, map[string]any{
		"agent_id": agentID,
		"attempts": updated.Attempts,
		"kind":     kind,
	})
	s.logger.Warn("task failed",
		zap.String("task_id", updated.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempts", updated.Attempts),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
}
