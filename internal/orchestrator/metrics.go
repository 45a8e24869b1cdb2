package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/resource"
)

// Counters are process-lifetime totals. They reset on restart.
type Counters struct {
	TasksSubmitted int64   `json:"tasks_submitted"`
	TasksProcessed int64   `json:"tasks_processed"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	TasksRetried   int64   `json:"tasks_retried"`
	TasksExpired   int64   `json:"tasks_expired"`
	TasksCancelled int64   `json:"tasks_cancelled"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
}

type TypeMetrics struct {
	AgentType      domain.AgentType `json:"agent_type"`
	TotalAgents    int              `json:"total_agents"`
	ActiveAgents   int              `json:"active_agents"`
	HealthyAgents  int              `json:"healthy_agents"`
	AvgSuccessRate float64          `json:"avg_success_rate"`
	TotalProcessed int64            `json:"total_processed"`
	QueueDepth     int              `json:"queue_depth"`
}

type Snapshot struct {
	GeneratedAt string                    `json:"generated_at"`
	Types       []TypeMetrics             `json:"types"`
	TaskCounts  map[domain.TaskStatus]int `json:"task_counts"`
	Counters    Counters                  `json:"counters"`
	InFlight    int64                     `json:"in_flight"`
	Host        *resource.HostStats       `json:"host,omitempty"`
}

func (s *Service) bump(fn func(*Counters)) {
	s.statsMu.Lock()
	fn(&s.counters)
	s.statsMu.Unlock()
}

func (s *Service) Counters() Counters {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.counters
}

// Metrics returns the last computed snapshot, computing one if none exists.
func (s *Service) Metrics(ctx context.Context) (Snapshot, error) {
	s.snapMu.RLock()
	snap := s.snapshot
	s.snapMu.RUnlock()
	if snap.GeneratedAt != "" {
		return snap, nil
	}
	return s.RefreshMetrics(ctx)
}

// RefreshMetrics recomputes the snapshot. Concurrent callers share one
// computation.
func (s *Service) RefreshMetrics(ctx context.Context) (Snapshot, error) {
	v, err, _ := s.refresh.Do("snapshot", func() (any, error) {
		snap, err := s.computeSnapshot(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		s.snapMu.Lock()
		s.snapshot = snap
		s.snapMu.Unlock()
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (s *Service) metricsOnce(ctx context.Context) error {
	snap, err := s.RefreshMetrics(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("metrics",
		zap.Int64("submitted", snap.Counters.TasksSubmitted),
		zap.Int64("processed", snap.Counters.TasksProcessed),
		zap.Int64("completed", snap.Counters.TasksCompleted),
		zap.Int64("failed", snap.Counters.TasksFailed),
		zap.Int64("in_flight", snap.InFlight),
		zap.Float64("avg_latency_ms", snap.Counters.AvgLatencyMS))
	return nil
}

func (s *Service) computeSnapshot(ctx context.Context) (Snapshot, error) {
	agents, err := s.store.ListAgents(ctx, domain.AgentFilter{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list agents: %w", err)
	}
	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count tasks: %w", err)
	}
	depths := s.queues.depths()

	byType := make(map[domain.AgentType]*TypeMetrics, len(domain.AgentTypes))
	types := make([]TypeMetrics, len(domain.AgentTypes))
	for i, t := range domain.AgentTypes {
		types[i] = TypeMetrics{AgentType: t, QueueDepth: depths[t]}
		byType[t] = &types[i]
	}
	for _, a := range agents {
		m, ok := byType[a.Type]
		if !ok {
			continue
		}
		m.TotalAgents++
		switch a.Status {
		case domain.AgentStatusActive, domain.AgentStatusIdle, domain.AgentStatusBusy:
			m.ActiveAgents++
		}
		if a.Health.Status == domain.HealthHealthy {
			m.HealthyAgents++
		}
		m.TotalProcessed += a.Performance.TasksProcessed
		m.AvgSuccessRate += a.Performance.SuccessRate
	}
	for i := range types {
		if types[i].TotalAgents > 0 {
			types[i].AvgSuccessRate /= float64(types[i].TotalAgents)
		}
	}

	snap := Snapshot{
		GeneratedAt: s.now().Format("2006-01-02T15:04:05.000Z07:00"),
		Types:       types,
		TaskCounts:  counts,
		Counters:    s.Counters(),
		InFlight:    s.inflightN.Load(),
	}
	if s.sampler != nil {
		if host, err := s.sampler.Host(ctx); err == nil {
			snap.Host = &host
		}
	}
	return snap, nil
}

// retentionOnce deletes terminal tasks older than the retention window.
func (s *Service) retentionOnce(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.PurgeTerminalTasks(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("purged finished tasks", zap.Int64("count", n), zap.Time("before", cutoff))
	}
	return nil
}
