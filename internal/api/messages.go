package api

import (
	"net/http"
	"strings"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/router"
)

type routeOptionsRequest struct {
	ForceRealtime bool  `json:"force_realtime"`
	ForceQueued   bool  `json:"force_queued"`
	Realtime      bool  `json:"realtime"`
	DelayMS       int64 `json:"delay_ms"`
	TTLMS         int64 `json:"ttl_ms"`
	RetryLimit    int   `json:"retry_limit"`
}

func (o routeOptionsRequest) options() (router.RouteOptions, error) {
	if o.DelayMS < 0 || o.TTLMS < 0 || o.RetryLimit < 0 {
		return router.RouteOptions{}, domain.Errorf(domain.KindValidation, "delay_ms, ttl_ms and retry_limit must not be negative")
	}
	return router.RouteOptions{
		ForceRealtime: o.ForceRealtime,
		ForceQueued:   o.ForceQueued,
		Realtime:      o.Realtime,
		Delay:         millis(o.DelayMS),
		TTL:           millis(o.TTLMS),
		RetryLimit:    o.RetryLimit,
	}, nil
}

type routeMessageRequest struct {
	From    string              `json:"from"`
	To      string              `json:"to"`
	Message domain.Message      `json:"message"`
	Options routeOptionsRequest `json:"options"`
}

type groupMessageRequest struct {
	From    string              `json:"from"`
	Message domain.Message      `json:"message"`
	Options routeOptionsRequest `json:"options"`
}

func (s *Server) handleRouteMessage(w http.ResponseWriter, r *http.Request) {
	var req routeMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		s.writeError(w, r, domain.Errorf(domain.KindValidation, "from and to are required"))
		return
	}
	opts, err := req.Options.options()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res := s.router.RouteMessage(r.Context(), req.From, req.To, req.Message, opts)
	if res.Err != nil {
		s.writeFailure(w, r, res.Err, res)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleRouteGroup(w http.ResponseWriter, r *http.Request) {
	var req groupMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.From) == "" {
		s.writeError(w, r, domain.Errorf(domain.KindValidation, "from is required"))
		return
	}
	opts, err := req.Options.options()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res := s.router.RouteToGroup(r.Context(), req.From, r.PathValue("id"), req.Message, opts)
	if res.Err != nil {
		s.writeFailure(w, r, res.Err, res)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutMS int64 `json:"timeout_ms"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	res := s.router.RouteWithRetry(r.Context(), r.PathValue("id"), router.RetryOptions{Timeout: millis(req.TimeoutMS)})
	if res.Err != nil {
		s.writeFailure(w, r, res.Err, res)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.router.ListMessages(r.Context(), domain.MessageFilter{
		ToAgent: strings.TrimSpace(q.Get("to")),
		Status:  domain.MessageStatus(strings.TrimSpace(q.Get("status"))),
		Limit:   limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.QueuedMessage{}
	}
	writeData(w, http.StatusOK, msgs)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.router.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, msg)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	groupID := r.PathValue("id")
	if err := s.router.AddMember(r.Context(), groupID, strings.TrimSpace(req.AgentID)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"group_id": groupID, "agent_id": req.AgentID})
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID, agentID := r.PathValue("id"), r.PathValue("agent")
	if err := s.router.RemoveMember(r.Context(), groupID, agentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"group_id": groupID, "agent_id": agentID})
}

func (s *Server) handleGrantChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAgent  string                  `json:"from_agent"`
		ToAgent    string                  `json:"to_agent"`
		Effect     domain.PermissionEffect `json:"effect"`
		TTLSeconds int                     `json:"ttl_seconds"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	grant := domain.ChannelGrant{
		FromAgent: strings.TrimSpace(req.FromAgent),
		ToAgent:   strings.TrimSpace(req.ToAgent),
		Effect:    req.Effect,
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
		grant.ExpiresAt = &expires
	}
	if err := s.router.GrantChannel(r.Context(), grant); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, grant)
}
