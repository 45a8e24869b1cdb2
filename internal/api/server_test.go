package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"switchboard/internal/agent"
	"switchboard/internal/domain"
	"switchboard/internal/orchestrator"
	"switchboard/internal/policy"
	"switchboard/internal/registry"
	"switchboard/internal/router"
	sqlitestore "switchboard/internal/store/sqlite"
)

type testEnv struct {
	srv  *httptest.Server
	orch *orchestrator.Service
	rt   *router.Router
}

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *router.Failure `json:"error"`
}

func newEnv(t *testing.T, effect domain.PermissionEffect) *testEnv {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	logger := zaptest.NewLogger(t)
	reg := registry.New()
	orch := orchestrator.New(store, reg, nil, orchestrator.Config{}, logger)
	rt := router.New(store, policy.New(store, effect), reg, router.Config{}, logger)
	t.Cleanup(rt.Stop)

	s := New(orch, rt, Options{
		Logger: logger,
		Connect: func(endpoint, token string) (registry.Handle, error) {
			return agent.NewRemote(agent.RemoteConfig{Endpoint: endpoint, AuthToken: token})
		},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, orch: orch, rt: rt}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, reply) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *testEnv) worker(t *testing.T, id string, agentType domain.AgentType) *agent.Worker {
	t.Helper()
	code, out := e.do(t, http.MethodPost, "/v1/agents", map[string]any{"id": id, "type": agentType})
	require.Equal(t, http.StatusCreated, code, "%+v", out.Error)
	w := agent.NewWorker(id, agent.Builtin(agentType), agent.WorkerOptions{})
	t.Cleanup(w.Close)
	_, err := e.orch.AttachHandle(context.Background(), id, w)
	require.NoError(t, err)
	return w
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, domain.PermissionEffectAllow)
	code, out := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, out.Success)
	assert.Contains(t, string(out.Data), `"status":"ok"`)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newEnv(t, domain.PermissionEffectAllow)

	code, out := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent_type": "analytics",
		"task_type":  "analyze",
		"payload":    map[string]any{"rows": 3},
		"priority":   "high",
		"context":    map[string]any{"user_id": "u1"},
	})
	require.Equal(t, http.StatusCreated, code, "%+v", out.Error)
	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &created))
	require.NotEmpty(t, created.TaskID)

	code, out = env.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID, nil)
	require.Equal(t, http.StatusOK, code)
	var task domain.Task
	require.NoError(t, json.Unmarshal(out.Data, &task))
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, domain.PriorityHigh, task.Priority)

	code, out = env.do(t, http.MethodGet, "/v1/tasks?submitted_by=u1&status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	var tasks []domain.Task
	require.NoError(t, json.Unmarshal(out.Data, &tasks))
	assert.Len(t, tasks, 1)

	code, _ = env.do(t, http.MethodPost, "/v1/tasks/"+created.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, code)
	code, out = env.do(t, http.MethodPost, "/v1/tasks/"+created.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, out.Success)
	assert.Equal(t, domain.KindInvalidState, out.Error.Kind)

	code, out = env.do(t, http.MethodGet, "/v1/tasks/"+created.TaskID+"/decisions", nil)
	require.Equal(t, http.StatusOK, code)
	var decisions []domain.DecisionLog
	require.NoError(t, json.Unmarshal(out.Data, &decisions))
	assert.GreaterOrEqual(t, len(decisions), 2)
}

func TestTaskErrorsMapToStatus(t *testing.T) {
	env := newEnv(t, domain.PermissionEffectAllow)

	code, out := env.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"agent_type": "wizard",
		"task_type":  "process",
		"payload":    map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, domain.KindValidation, out.Error.Kind)

	code, out = env.do(t, http.MethodGet, "/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, domain.KindNotFound, out.Error.Kind)

	code, _ = env.do(t, http.MethodGet, "/v1/tasks?limit=-4", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMessagingOverHTTP(t *testing.T) {
	env := newEnv(t, domain.PermissionEffectDeny)
	env.worker(t, "alice", domain.AgentTypeCommunication)
	code, out := env.do(t, http.MethodPost, "/v1/agents", map[string]any{
		"id": "bob", "type": "communication", "delivery_preference": "queued",
	})
	require.Equal(t, http.StatusCreated, code, "%+v", out.Error)

	send := map[string]any{"from": "alice", "to": "bob", "message": map[string]any{"text": "hello"}}
	code, out = env.do(t, http.MethodPost, "/v1/messages", send)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, domain.KindUnauthorized, out.Error.Kind)

	code, _ = env.do(t, http.MethodPost, "/v1/channels", map[string]any{"from_agent": "alice", "to_agent": "bob"})
	require.Equal(t, http.StatusCreated, code)

	code, out = env.do(t, http.MethodPost, "/v1/messages", send)
	require.Equal(t, http.StatusOK, code, "%+v", out.Error)
	var routed router.RouteResult
	require.NoError(t, json.Unmarshal(out.Data, &routed))
	assert.Equal(t, domain.DeliveryDeferred, routed.DeliveryMethod)
	assert.Equal(t, 1, routed.Position)

	code, out = env.do(t, http.MethodGet, "/v1/messages?to=bob&status=queued", nil)
	require.Equal(t, http.StatusOK, code)
	var msgs []domain.QueuedMessage
	require.NoError(t, json.Unmarshal(out.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content.Text)

	code, out = env.do(t, http.MethodPost, "/v1/messages/"+routed.MessageID+"/retry", nil)
	require.Equal(t, http.StatusOK, code, "%+v", out.Error)
	var retried router.RetryResult
	require.NoError(t, json.Unmarshal(out.Data, &retried))
	assert.Equal(t, 1, retried.RetryCount)
	assert.False(t, retried.Delivered)

	code, out = env.do(t, http.MethodPost, "/v1/messages/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, domain.KindNotFound, out.Error.Kind)
}

func TestGroupRoutesOverHTTP(t *testing.T) {
	env := newEnv(t, domain.PermissionEffectAllow)
	env.worker(t, "lead", domain.AgentTypeCommunication)
	env.worker(t, "m1", domain.AgentTypeCommunication)

	code, out := env.do(t, http.MethodPost, "/v1/groups/ops/members", map[string]any{"agent_id": "lead"})
	require.Equal(t, http.StatusCreated, code, "%+v", out.Error)

	msg := map[string]any{"from": "lead", "message": map[string]any{"text": "sync"}}
	code, out = env.do(t, http.MethodPost, "/v1/groups/ops/messages", msg)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, domain.KindNoValidTargets, out.Error.Kind)

	code, _ = env.do(t, http.MethodPost, "/v1/groups/ops/members", map[string]any{"agent_id": "m1"})
	require.Equal(t, http.StatusCreated, code)
	code, out = env.do(t, http.MethodPost, "/v1/groups/ops/messages", msg)
	require.Equal(t, http.StatusOK, code, "%+v", out.Error)
	var group router.GroupResult
	require.NoError(t, json.Unmarshal(out.Data, &group))
	assert.Equal(t, 1, group.Successful)

	code, _ = env.do(t, http.MethodDelete, "/v1/groups/ops/members/m1", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRemoteAgentRegistration(t *testing.T) {
	received := make(chan domain.QueuedMessage, 1)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages":
			var msg domain.QueuedMessage
			_ = json.NewDecoder(r.Body).Decode(&msg)
			received <- msg
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer remote.Close()

	env := newEnv(t, domain.PermissionEffectAllow)
	env.worker(t, "alice", domain.AgentTypeCommunication)
	code, out := env.do(t, http.MethodPost, "/v1/agents", map[string]any{
		"id": "hooked", "type": "communication", "endpoint_url": remote.URL,
	})
	require.Equal(t, http.StatusCreated, code, "%+v", out.Error)
	var registered domain.Agent
	require.NoError(t, json.Unmarshal(out.Data, &registered))
	assert.Equal(t, domain.AgentStatusActive, registered.Status)

	code, out = env.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"from": "alice", "to": "hooked", "message": map[string]any{"text": "ping"},
	})
	require.Equal(t, http.StatusOK, code, "%+v", out.Error)

	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg.Content.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("remote agent never received the message")
	}

	code, out = env.do(t, http.MethodPost, "/v1/agents/hooked/disconnect", nil)
	require.Equal(t, http.StatusOK, code)

	code, out = env.do(t, http.MethodPost, "/v1/agents/hooked/connect", map[string]any{"endpoint_url": "ftp://nowhere"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, domain.KindValidation, out.Error.Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, domain.PermissionEffectAllow)
	code, out := env.do(t, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, code, "%+v", out.Error)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Data, &body))
	assert.Contains(t, body, "orchestrator")
	assert.Contains(t, body, "router")
	assert.Contains(t, body, "queues")
}

func TestStatusForKinds(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.KindValidation:       http.StatusBadRequest,
		domain.KindNotFound:         http.StatusNotFound,
		domain.KindUnauthorized:     http.StatusForbidden,
		domain.KindInvalidState:     http.StatusConflict,
		domain.KindNotRetryable:     http.StatusConflict,
		domain.KindNoValidTargets:   http.StatusUnprocessableEntity,
		domain.KindAgentUnavailable: http.StatusServiceUnavailable,
		domain.KindTimeout:          http.StatusGatewayTimeout,
		domain.KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}
