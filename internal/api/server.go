// Package api exposes the orchestrator and router over HTTP. Every response
// uses the same envelope: {"success": bool, "data": ..., "error": {...}}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/orchestrator"
	"switchboard/internal/registry"
	"switchboard/internal/router"
)

const maxBodyBytes = 4 << 20

type Orchestrator interface {
	SubmitTask(ctx context.Context, agentType domain.AgentType, taskType domain.TaskType, payload json.RawMessage, opts orchestrator.SubmitOptions) (string, error)
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	CancelTask(ctx context.Context, taskID string) (domain.Task, error)
	ListDecisions(ctx context.Context, refID string, limit int) ([]domain.DecisionLog, error)
	Metrics(ctx context.Context) (orchestrator.Snapshot, error)
	QueueDepths() map[domain.AgentType]int

	RegisterAgent(ctx context.Context, spec orchestrator.AgentSpec) (domain.Agent, error)
	AttachHandle(ctx context.Context, agentID string, handle registry.Handle) (domain.Agent, error)
	DetachHandle(ctx context.Context, agentID string) error
	DeregisterAgent(ctx context.Context, agentID string) (domain.Agent, error)
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	ListAgents(ctx context.Context, filter domain.AgentFilter) ([]domain.Agent, error)
}

type Router interface {
	RouteMessage(ctx context.Context, fromAgent, toAgent string, msg domain.Message, opts router.RouteOptions) router.RouteResult
	RouteToGroup(ctx context.Context, fromAgent, groupID string, msg domain.Message, opts router.RouteOptions) router.GroupResult
	RouteWithRetry(ctx context.Context, messageID string, opts router.RetryOptions) router.RetryResult
	GetMessage(ctx context.Context, messageID string) (domain.QueuedMessage, error)
	ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.QueuedMessage, error)
	GrantChannel(ctx context.Context, grant domain.ChannelGrant) error
	AddMember(ctx context.Context, groupID, agentID string) error
	RemoveMember(ctx context.Context, groupID, agentID string) error
	Stats() router.Stats
}

// Connector builds a live handle for an agent reachable at endpoint.
type Connector func(endpoint, authToken string) (registry.Handle, error)

type Options struct {
	AllowedOrigins []string
	Connect        Connector
	Logger         *zap.Logger
}

type Server struct {
	orch    Orchestrator
	router  Router
	connect Connector
	origins []string
	logger  *zap.Logger
	started time.Time
}

func New(orch Orchestrator, rt Router, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orch:    orch,
		router:  rt,
		connect: opts.Connect,
		origins: opts.AllowedOrigins,
		logger:  logger.Named("api"),
		started: time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/tasks/{id}/decisions", s.handleTaskDecisions)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)

	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDeregisterAgent)
	mux.HandleFunc("POST /v1/agents/{id}/connect", s.handleConnectAgent)
	mux.HandleFunc("POST /v1/agents/{id}/disconnect", s.handleDisconnectAgent)

	mux.HandleFunc("POST /v1/messages", s.handleRouteMessage)
	mux.HandleFunc("GET /v1/messages", s.handleListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", s.handleGetMessage)
	mux.HandleFunc("POST /v1/messages/{id}/retry", s.handleRetryMessage)
	mux.HandleFunc("POST /v1/groups/{id}/messages", s.handleRouteGroup)
	mux.HandleFunc("POST /v1/groups/{id}/members", s.handleAddMember)
	mux.HandleFunc("DELETE /v1/groups/{id}/members/{agent}", s.handleRemoveMember)
	mux.HandleFunc("POST /v1/channels", s.handleGrantChannel)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}).Handler(mux)
	return s.recoverer(s.logRequests(corsHandler))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"time":           time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Metrics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"orchestrator": snap,
		"queues":       s.orch.QueueDepths(),
		"router":       s.router.Stats(),
	})
}

type envelope struct {
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   *router.Failure `json:"error,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindUnknownTaskType:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindInvalidState, domain.KindNotRetryable:
		return http.StatusConflict
	case domain.KindNoValidTargets:
		return http.StatusUnprocessableEntity
	case domain.KindAgentUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeFailure(w, r, err, nil)
}

// writeFailure reports err with data attached, for operations whose result
// carries detail even when they fail.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, data any) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, code, envelope{Data: data, Error: &router.Failure{Kind: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Errorf(domain.KindValidation, "request body is required")
		}
		return domain.Wrap(domain.KindValidation, "invalid json body", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domain.Errorf(domain.KindValidation, "%s must be a non-negative integer", key)
	}
	return v, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.writeError(w, r, fmt.Errorf("handler panicked: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
