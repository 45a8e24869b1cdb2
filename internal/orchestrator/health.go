package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

// healthOnce probes every agent that is not shut down.
func (s *Service) healthOnce(ctx context.Context) error {
	agents, err := s.store.ListAgents(ctx, domain.AgentFilter{})
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.ProbeConcurrency)
	for _, a := range agents {
		if a.Status == domain.AgentStatusShutdown {
			continue
		}
		agentID := a.ID
		g.Go(func() error {
			s.checkAgent(ctx, agentID)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) checkAgent(ctx context.Context, agentID string) {
	handle, connected := s.registry.Lookup(agentID)

	var probeErr error
	var sample *domain.ResourceSample
	var uptime int64
	if connected {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		probeErr = safeProbe(pctx, handle)
		if probeErr == nil {
			if rr, ok := handle.(registry.ResourceReporter); ok {
				if smp, err := rr.Resources(pctx); err == nil {
					sample = &smp
				}
			}
		}
		cancel()
		if since, ok := s.registry.ConnectedSince(agentID); ok {
			uptime = int64(s.now().Sub(since).Seconds())
		}
	}

	now := s.now()
	agent, err := s.store.MutateAgent(ctx, agentID, func(a *domain.Agent) error {
		a.Health.LastCheck = &now
		switch {
		case !connected:
			a.Health.Status = domain.HealthCritical
			a.Health.LastError = "handle missing"
			a.Health.UptimeSeconds = 0
			a.Resources.ActiveConnections = 0
		case probeErr != nil:
			a.Health.Status = domain.HealthWarning
			a.Health.LastError = probeErr.Error()
			a.Health.ErrorCount++
		default:
			a.Health.Status = domain.HealthHealthy
			a.Health.UptimeSeconds = uptime
			a.Resources.ActiveConnections = 1
			if sample != nil {
				a.FoldResourceSample(*sample)
			}
		}
		a.Status = loadStatus(*a)
		return nil
	})
	if err != nil {
		s.logger.Warn("record health failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if agent.Health.Status != domain.HealthHealthy {
		s.logger.Debug("agent unhealthy",
			zap.String("agent_id", agentID),
			zap.String("health", string(agent.Health.Status)),
			zap.String("reason", agent.Health.LastError))
	}
}

func safeProbe(ctx context.Context, h registry.Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return h.Probe(ctx)
}
