package api

import (
	"net/http"
	"strings"

	"switchboard/internal/domain"
	"switchboard/internal/orchestrator"
)

type registerAgentRequest struct {
	ID                 string                    `json:"id"`
	Type               domain.AgentType          `json:"type"`
	Name               string                    `json:"name"`
	Capabilities       []string                  `json:"capabilities"`
	Config             *domain.AgentConfig       `json:"config"`
	DeliveryPreference domain.DeliveryPreference `json:"delivery_preference"`
	PrivacyLevel       domain.PrivacyLevel       `json:"privacy_level"`
	EndpointURL        string                    `json:"endpoint_url"`
	AuthToken          string                    `json:"auth_token"`
}

type connectRequest struct {
	EndpointURL string `json:"endpoint_url"`
	AuthToken   string `json:"auth_token"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AgentFilter{
		Type:        domain.AgentType(strings.TrimSpace(q.Get("type"))),
		EnabledOnly: q.Get("enabled") == "true",
	}
	if status := strings.TrimSpace(q.Get("status")); status != "" {
		filter.Statuses = []domain.AgentStatus{domain.AgentStatus(status)}
	}
	agents, err := s.orch.ListAgents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	writeData(w, http.StatusOK, agents)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	endpoint := strings.TrimSpace(req.EndpointURL)
	if endpoint != "" && s.connect == nil {
		s.writeError(w, r, domain.Errorf(domain.KindValidation, "remote agents are not supported by this server"))
		return
	}
	agent, err := s.orch.RegisterAgent(r.Context(), orchestrator.AgentSpec{
		ID:                 req.ID,
		Type:               req.Type,
		Name:               req.Name,
		Capabilities:       req.Capabilities,
		Config:             req.Config,
		DeliveryPreference: req.DeliveryPreference,
		PrivacyLevel:       req.PrivacyLevel,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if endpoint != "" {
		connected, err := s.attachRemote(r, agent.ID, endpoint, req.AuthToken)
		if err != nil {
			s.writeFailure(w, r, err, agent)
			return
		}
		agent = connected
	}
	writeData(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.orch.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, agent)
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.orch.DeregisterAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, agent)
}

func (s *Server) handleConnectAgent(w http.ResponseWriter, r *http.Request) {
	if s.connect == nil {
		s.writeError(w, r, domain.Errorf(domain.KindValidation, "remote agents are not supported by this server"))
		return
	}
	var req connectRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	endpoint := strings.TrimSpace(req.EndpointURL)
	if endpoint == "" {
		s.writeError(w, r, domain.Errorf(domain.KindValidation, "endpoint_url is required"))
		return
	}
	agent, err := s.attachRemote(r, r.PathValue("id"), endpoint, req.AuthToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, agent)
}

func (s *Server) handleDisconnectAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.DetachHandle(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.orch.GetAgent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, agent)
}

func (s *Server) attachRemote(r *http.Request, agentID, endpoint, token string) (domain.Agent, error) {
	handle, err := s.connect(endpoint, token)
	if err != nil {
		return domain.Agent{}, err
	}
	return s.orch.AttachHandle(r.Context(), agentID, handle)
}
