package orchestrator

import (
	"sort"

	"switchboard/internal/domain"
)

// dispatchable lists the statuses counted as live when sizing a dispatch pass.
var dispatchable = []domain.AgentStatus{
	domain.AgentStatusActive,
	domain.AgentStatusIdle,
	domain.AgentStatusBusy,
}

func eligible(a domain.Agent) bool {
	if !a.Config.Enabled {
		return false
	}
	if a.Health.Status != domain.HealthHealthy && a.Health.Status != domain.HealthWarning {
		return false
	}
	if a.Status != domain.AgentStatusActive && a.Status != domain.AgentStatusIdle {
		return false
	}
	return a.HasCapacity()
}

// pickAgent returns the best eligible candidate: highest success rate, then
// shortest queue, then fastest average, then lowest id.
func pickAgent(agents []domain.Agent) (domain.Agent, bool) {
	candidates := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if eligible(a) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return domain.Agent{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Performance.SuccessRate != b.Performance.SuccessRate {
			return a.Performance.SuccessRate > b.Performance.SuccessRate
		}
		if a.Resources.QueueSize != b.Resources.QueueSize {
			return a.Resources.QueueSize < b.Resources.QueueSize
		}
		if a.Performance.AvgProcessingMS != b.Performance.AvgProcessingMS {
			return a.Performance.AvgProcessingMS < b.Performance.AvgProcessingMS
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// loadStatus derives active/idle/busy from the current queue for agents that
// are in service. Other statuses are left alone.
func loadStatus(a domain.Agent) domain.AgentStatus {
	switch a.Status {
	case domain.AgentStatusInitializing, domain.AgentStatusActive, domain.AgentStatusIdle, domain.AgentStatusBusy:
	default:
		return a.Status
	}
	switch {
	case a.Resources.QueueSize == 0:
		return domain.AgentStatusIdle
	case !a.HasCapacity():
		return domain.AgentStatusBusy
	default:
		return domain.AgentStatusActive
	}
}
