package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

type AgentSpec struct {
	ID                 string
	Type               domain.AgentType
	Name               string
	Capabilities       []string
	Config             *domain.AgentConfig
	DeliveryPreference domain.DeliveryPreference
	PrivacyLevel       domain.PrivacyLevel
}

func (s *Service) defaultAgentConfig() domain.AgentConfig {
	return domain.AgentConfig{
		MaxConcurrentTasks: 4,
		TimeoutMS:          s.cfg.DefaultTaskTimeout.Milliseconds(),
		RetryAttempts:      s.cfg.DefaultMaxAttempts,
		PriorityWeight:     1,
		Enabled:            true,
	}
}

func (s *Service) normalizeSpec(spec AgentSpec) (AgentSpec, error) {
	if !spec.Type.Valid() {
		return spec, domain.Errorf(domain.KindValidation, "unknown agent type %q", spec.Type)
	}
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		spec.ID = string(spec.Type) + "-" + uuid.NewString()[:8]
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	cfg := s.defaultAgentConfig()
	if spec.Config != nil {
		given := *spec.Config
		if given.MaxConcurrentTasks < 0 || given.TimeoutMS < 0 || given.RetryAttempts < 0 {
			return spec, domain.Errorf(domain.KindValidation, "agent config values must not be negative")
		}
		if given.MaxConcurrentTasks > 0 {
			cfg.MaxConcurrentTasks = given.MaxConcurrentTasks
		}
		if given.TimeoutMS > 0 {
			cfg.TimeoutMS = given.TimeoutMS
		}
		if given.RetryAttempts > 0 {
			cfg.RetryAttempts = given.RetryAttempts
		}
		if given.PriorityWeight > 0 {
			cfg.PriorityWeight = given.PriorityWeight
		}
		cfg.Enabled = given.Enabled
	}
	spec.Config = &cfg

	switch spec.DeliveryPreference {
	case "":
		spec.DeliveryPreference = domain.DeliveryImmediate
	case domain.DeliveryImmediate, domain.DeliveryQueued:
	default:
		return spec, domain.Errorf(domain.KindValidation, "unknown delivery preference %q", spec.DeliveryPreference)
	}
	switch spec.PrivacyLevel {
	case "":
		spec.PrivacyLevel = domain.PrivacyStandard
	case domain.PrivacyStandard, domain.PrivacyStrict:
	default:
		return spec, domain.Errorf(domain.KindValidation, "unknown privacy level %q", spec.PrivacyLevel)
	}
	return spec, nil
}

// RegisterAgent creates or updates the persistent agent record. The agent
// stays ineligible for work until a handle is attached.
func (s *Service) RegisterAgent(ctx context.Context, spec AgentSpec) (domain.Agent, error) {
	spec, err := s.normalizeSpec(spec)
	if err != nil {
		return domain.Agent{}, err
	}

	existing, err := s.store.GetAgent(ctx, spec.ID)
	switch {
	case err == nil:
		if existing.Type != spec.Type {
			return domain.Agent{}, domain.Errorf(domain.KindInvalidState, "agent %s is registered as %s", spec.ID, existing.Type)
		}
		agent, err := s.store.MutateAgent(ctx, spec.ID, func(a *domain.Agent) error {
			a.Name = spec.Name
			a.Capabilities = spec.Capabilities
			a.Config = *spec.Config
			a.DeliveryPreference = spec.DeliveryPreference
			a.PrivacyLevel = spec.PrivacyLevel
			if a.Status == domain.AgentStatusShutdown {
				a.Status = domain.AgentStatusInitializing
			}
			return nil
		})
		if err != nil {
			return domain.Agent{}, err
		}
		s.logDecision(ctx, agent.ID, "agent_updated", "registration refreshed", map[string]any{"type": agent.Type})
		return agent, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Agent{}, err
	}

	now := s.now()
	agent := domain.Agent{
		ID:                 spec.ID,
		Type:               spec.Type,
		Name:               spec.Name,
		Capabilities:       spec.Capabilities,
		Status:             domain.AgentStatusInitializing,
		Health:             domain.AgentHealth{Status: domain.HealthUnknown},
		Config:             *spec.Config,
		DeliveryPreference: spec.DeliveryPreference,
		PrivacyLevel:       spec.PrivacyLevel,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	agent.RecomputeSuccessRate()
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return domain.Agent{}, fmt.Errorf("persist agent: %w", err)
	}
	s.logDecision(ctx, agent.ID, "agent_registered", "new agent", map[string]any{
		"type":         agent.Type,
		"capabilities": agent.Capabilities,
	})
	s.logger.Info("agent registered", zap.String("agent_id", agent.ID), zap.String("type", string(agent.Type)))
	return agent, nil
}

// AttachHandle binds a live handle to a registered agent and marks it
// healthy and active so it can receive work right away.
func (s *Service) AttachHandle(ctx context.Context, agentID string, handle registry.Handle) (domain.Agent, error) {
	if handle == nil {
		return domain.Agent{}, domain.Errorf(domain.KindValidation, "handle is required")
	}
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return domain.Agent{}, err
	}
	s.registry.Register(agentID, handle)

	now := s.now()
	agent, err := s.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.Health.Status = domain.HealthHealthy
		a.Health.LastCheck = &now
		a.Health.LastError = ""
		a.Resources.ActiveConnections = 1
		switch a.Status {
		case domain.AgentStatusInitializing, domain.AgentStatusShutdown, domain.AgentStatusError:
			a.Status = domain.AgentStatusActive
		}
		return nil
	})
	if err != nil {
		s.registry.Deregister(agentID)
		return domain.Agent{}, err
	}
	s.logDecision(ctx, agentID, "agent_connected", "handle attached", nil)
	s.logger.Info("agent connected", zap.String("agent_id", agentID))
	return agent, nil
}

// DetachHandle drops the live handle. The next health check marks the agent
// critical.
func (s *Service) DetachHandle(ctx context.Context, agentID string) error {
	if !s.registry.Deregister(agentID) {
		return domain.Errorf(domain.KindNotFound, "agent %s has no live handle", agentID)
	}
	_, err := s.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.Resources.ActiveConnections = 0
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	s.logDecision(ctx, agentID, "agent_disconnected", "handle detached", nil)
	s.logger.Info("agent disconnected", zap.String("agent_id", agentID))
	return nil
}

func (s *Service) DeregisterAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	agent, err := s.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.Status = domain.AgentStatusShutdown
		a.Resources.ActiveConnections = 0
		return nil
	})
	if err != nil {
		return domain.Agent{}, err
	}
	s.registry.Deregister(agentID)
	s.logDecision(ctx, agentID, "agent_deregistered", "removed by caller", nil)
	return agent, nil
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	return s.store.GetAgent(ctx, agentID)
}

func (s *Service) ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error) {
	return s.store.ListAgents(ctx, filter)
}
