package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
	"switchboard/internal/resource"
)

const orchestratorActor = "orchestrator"

type Store interface {
	CreateTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	ListUnfinishedTasks(ctx context.Context) ([]domain.Task, error)
	MutateTask(ctx context.Context, taskID string, fn func(*domain.Task) error) (domain.Task, error)
	CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
	PurgeTerminalTasks(ctx context.Context, before time.Time) (int64, error)

	CreateAgent(ctx context.Context, agent domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error)
	MutateAgent(ctx context.Context, agentID string, fn func(*domain.Agent) error) (domain.Agent, error)
	MarkAgentsShutdown(ctx context.Context) (int64, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListDecisions(ctx context.Context, refID string, limit int) ([]domain.DecisionLog, error)
}

type Registry interface {
	Register(agentID string, handle registry.Handle)
	Deregister(agentID string) bool
	Lookup(agentID string) (registry.Handle, bool)
	ConnectedSince(agentID string) (time.Time, bool)
}

// Sampler measures resource use around task executions. It may be nil.
type Sampler interface {
	Sample(ctx context.Context) (domain.ResourceSample, error)
	Host(ctx context.Context) (resource.HostStats, error)
}

type Config struct {
	DispatchInterval   time.Duration
	HealthInterval     time.Duration
	MetricsInterval    time.Duration
	RetentionInterval  time.Duration
	Retention          time.Duration
	PerAgentBatch      int
	DefaultMaxAttempts int
	DefaultTaskTimeout time.Duration
	ProbeTimeout       time.Duration
	ProbeConcurrency   int
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Minute
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.PerAgentBatch <= 0 {
		c.PerAgentBatch = 5
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 8
	}
	return c
}

type Service struct {
	store    Store
	registry Registry
	sampler  Sampler
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	queues *queueSet

	lifeMu    sync.Mutex
	running   bool
	recovered bool
	cancel    context.CancelFunc
	loops     sync.WaitGroup

	accepting atomic.Bool
	inflight  sync.WaitGroup
	inflightN atomic.Int64

	statsMu  sync.Mutex
	counters Counters

	snapMu   sync.RWMutex
	snapshot Snapshot
	refresh  singleflight.Group
}

func New(store Store, reg Registry, sampler Sampler, cfg Config, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		registry: reg,
		sampler:  sampler,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
		queues:   newQueueSet(),
	}
	s.accepting.Store(true)
	return s
}

// Start recovers unfinished tasks on first use and arms the background
// loops. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return nil
	}
	if !s.recovered {
		if err := s.recoverTasks(ctx); err != nil {
			return fmt.Errorf("recover tasks: %w", err)
		}
		s.recovered = true
	}
	s.accepting.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.loops.Add(4)
	go func() {
		defer s.loops.Done()
		s.tickLoop(loopCtx, "dispatch", s.cfg.DispatchInterval, s.dispatchOnce)
	}()
	go func() {
		defer s.loops.Done()
		s.tickLoop(loopCtx, "health", s.cfg.HealthInterval, s.healthOnce)
	}()
	go func() {
		defer s.loops.Done()
		s.tickLoop(loopCtx, "metrics", s.cfg.MetricsInterval, s.metricsOnce)
	}()
	go func() {
		defer s.loops.Done()
		s.tickLoop(loopCtx, "retention", s.cfg.RetentionInterval, s.retentionOnce)
	}()
	s.logger.Info("orchestrator started",
		zap.Duration("dispatch_interval", s.cfg.DispatchInterval),
		zap.Duration("health_interval", s.cfg.HealthInterval))
	return nil
}

// Stop cancels the loops and waits for them. In-flight executions keep going.
func (s *Service) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.loops.Wait()
	s.running = false
}

// Shutdown stops accepting work, waits for in-flight executions to settle
// and marks every agent shut down.
func (s *Service) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("wait for %d in-flight tasks: %w", s.inflightN.Load(), ctx.Err())
	}

	n, err := s.store.MarkAgentsShutdown(context.WithoutCancel(ctx))
	if err != nil {
		return errors.Join(waitErr, fmt.Errorf("mark agents shutdown: %w", err))
	}
	s.logger.Info("orchestrator shut down", zap.Int64("agents", n))
	return waitErr
}

func (s *Service) tickLoop(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.logger.Warn("loop iteration failed", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}

// recoverTasks rebuilds the in-memory queues from persisted state. Work that
// was processing when the previous process died is retried if it can be.
func (s *Service) recoverTasks(ctx context.Context) error {
	tasks, err := s.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, t := range tasks {
		if t.Status == domain.TaskStatusPending {
			s.queues.get(t.AgentType).Push(entryFor(t))
			continue
		}
		updated, err := s.store.MutateTask(ctx, t.ID, func(task *domain.Task) error {
			if task.Status != domain.TaskStatusProcessing {
				return errStaleOutcome
			}
			task.LastError = "interrupted by restart"
			task.AssignedAgentID = ""
			if task.Attempts < task.MaxAttempts && !task.Expired(now) {
				task.Status = domain.TaskStatusPending
				task.StartTime = nil
				return nil
			}
			task.Status = domain.TaskStatusFailed
			task.EndTime = &now
			task.Result = &domain.TaskResult{Error: task.LastError}
			return nil
		})
		if errors.Is(err, errStaleOutcome) {
			continue
		}
		if err != nil {
			return err
		}
		s.releaseInterrupted(ctx, t.AssignedAgentID)
		if updated.Status == domain.TaskStatusPending {
			s.queues.get(updated.AgentType).Push(entryFor(updated))
		}
		s.logDecision(ctx, updated.ID, "task_recovered", "interrupted by restart", map[string]any{
			"status":   updated.Status,
			"attempts": updated.Attempts,
		})
	}
	if len(tasks) > 0 {
		s.logger.Info("recovered unfinished tasks", zap.Int("count", len(tasks)))
	}
	return nil
}

// releaseInterrupted gives back the slot an interrupted task held on its agent.
func (s *Service) releaseInterrupted(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	_, err := s.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.Release()
		a.Status = loadStatus(*a)
		return nil
	})
	if err != nil {
		s.logger.Warn("release interrupted slot failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

type SubmitOptions struct {
	Priority     domain.Priority
	Context      domain.TaskContext
	ScheduledFor time.Time
	ExpiresAt    *time.Time
	MaxAttempts  int
}

// SubmitTask validates, persists and enqueues a task. The returned id is the
// only handle the caller needs to follow it.
func (s *Service) SubmitTask(ctx context.Context, agentType domain.AgentType, taskType domain.TaskType, payload json.RawMessage, opts SubmitOptions) (string, error) {
	if !s.accepting.Load() {
		return "", domain.Errorf(domain.KindInvalidState, "orchestrator is shutting down")
	}
	if !agentType.Valid() {
		return "", domain.Errorf(domain.KindValidation, "unknown agent type %q", agentType)
	}
	if !taskType.Valid() {
		return "", domain.Errorf(domain.KindValidation, "unknown task type %q", taskType)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return "", domain.Errorf(domain.KindValidation, "payload is required")
	}
	if !json.Valid(payload) {
		return "", domain.Errorf(domain.KindValidation, "payload must be valid JSON")
	}
	if opts.Priority == 0 {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return "", domain.Errorf(domain.KindValidation, "priority %d out of range", int(opts.Priority))
	}
	if opts.MaxAttempts < 0 {
		return "", domain.Errorf(domain.KindValidation, "max attempts must not be negative")
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	now := s.now()
	if opts.ScheduledFor.IsZero() {
		opts.ScheduledFor = now
	}
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return "", domain.Errorf(domain.KindValidation, "expires_at must be in the future")
	}

	task := domain.Task{
		ID:           uuid.NewString(),
		AgentType:    agentType,
		TaskType:     taskType,
		Priority:     opts.Priority,
		Payload:      payload,
		Context:      opts.Context,
		Status:       domain.TaskStatusPending,
		MaxAttempts:  opts.MaxAttempts,
		ScheduledFor: opts.ScheduledFor.UTC(),
		ExpiresAt:    opts.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	s.queues.get(agentType).Push(entryFor(task))
	s.bump(func(c *Counters) { c.TasksSubmitted++ })

	s.logDecision(ctx, task.ID, "task_created", "task accepted", map[string]any{
		"agent_type": task.AgentType,
		"task_type":  task.TaskType,
		"priority":   task.Priority,
	})
	s.logger.Debug("task submitted",
		zap.String("task_id", task.ID),
		zap.String("agent_type", string(agentType)),
		zap.Stringer("priority", task.Priority))
	return task.ID, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// CancelTask moves a pending or processing task to cancelled. A running
// execution is not interrupted; its result is attached when it lands.
func (s *Service) CancelTask(ctx context.Context, taskID string) (domain.Task, error) {
	now := s.now()
	var previous domain.TaskStatus
	task, err := s.store.MutateTask(ctx, taskID, func(t *domain.Task) error {
		if t.Status != domain.TaskStatusPending && t.Status != domain.TaskStatusProcessing {
			return domain.Errorf(domain.KindInvalidState, "task %s is %s and cannot be cancelled", t.ID, t.Status)
		}
		previous = t.Status
		t.Status = domain.TaskStatusCancelled
		t.EndTime = &now
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	s.queues.get(task.AgentType).Remove(task.ID)
	s.bump(func(c *Counters) { c.TasksCancelled++ })
	s.logDecision(ctx, task.ID, "task_cancelled", "cancelled by caller", map[string]any{
		"previous_status": previous,
	})
	return task, nil
}

func (s *Service) ListDecisions(ctx context.Context, refID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListDecisions(ctx, refID, limit)
}

// QueueDepths reports how many tasks wait in memory per agent type.
func (s *Service) QueueDepths() map[domain.AgentType]int {
	return s.queues.depths()
}

var errStaleOutcome = errors.New("task no longer in expected state")

func (s *Service) logDecision(ctx context.Context, refID, action, reason string, payload map[string]any) {
	_ = s.store.LogDecision(context.WithoutCancel(ctx), domain.DecisionLog{
		RefID:   refID,
		Actor:   orchestratorActor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
