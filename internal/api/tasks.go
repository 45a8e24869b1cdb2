package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/orchestrator"
)

type submitTaskRequest struct {
	AgentType    domain.AgentType   `json:"agent_type"`
	TaskType     domain.TaskType    `json:"task_type"`
	Payload      json.RawMessage    `json:"payload"`
	Priority     domain.Priority    `json:"priority"`
	Context      domain.TaskContext `json:"context"`
	ScheduledFor *time.Time         `json:"scheduled_for"`
	ExpiresAt    *time.Time         `json:"expires_at"`
	MaxAttempts  int                `json:"max_attempts"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := orchestrator.SubmitOptions{
		Priority:    req.Priority,
		Context:     req.Context,
		ExpiresAt:   req.ExpiresAt,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledFor != nil {
		opts.ScheduledFor = *req.ScheduledFor
	}
	id, err := s.orch.SubmitTask(r.Context(), req.AgentType, req.TaskType, req.Payload, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, map[string]string{"task_id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := domain.TaskFilter{
		SubmittedBy: strings.TrimSpace(q.Get("submitted_by")),
		AgentType:   domain.AgentType(strings.TrimSpace(q.Get("agent_type"))),
		Status:      domain.TaskStatus(strings.TrimSpace(q.Get("status"))),
		Limit:       limit,
		Offset:      offset,
	}
	if filter.AgentType != "" && !filter.AgentType.Valid() {
		s.writeError(w, r, domain.Errorf(domain.KindValidation, "unknown agent type %q", filter.AgentType))
		return
	}
	tasks, err := s.orch.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeData(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

func (s *Server) handleTaskDecisions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.GetTask(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 300)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.orch.ListDecisions(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.DecisionLog{}
	}
	writeData(w, http.StatusOK, items)
}
