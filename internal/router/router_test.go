package router

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"switchboard/internal/domain"
	"switchboard/internal/policy"
	"switchboard/internal/registry"
	sqlitestore "switchboard/internal/store/sqlite"
)

type inbox struct {
	mu   sync.Mutex
	got  []domain.QueuedMessage
	fail error
}

func (h *inbox) Execute(context.Context, registry.Invocation) (registry.Output, error) {
	return registry.Output{}, nil
}

func (h *inbox) Receive(_ context.Context, msg domain.QueuedMessage) error {
	if h.fail != nil {
		return h.fail
	}
	h.mu.Lock()
	h.got = append(h.got, msg)
	h.mu.Unlock()
	return nil
}

func (h *inbox) Probe(context.Context) error { return nil }

func (h *inbox) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

type harness struct {
	router *Router
	store  *sqlitestore.Store
	reg    *registry.Registry
}

func newHarness(t *testing.T, effect domain.PermissionEffect, cfg Config) *harness {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	r := New(store, policy.New(store, effect), reg, cfg, zaptest.NewLogger(t))
	t.Cleanup(r.Stop)
	return &harness{router: r, store: store, reg: reg}
}

func (h *harness) agent(t *testing.T, id string, pref domain.DeliveryPreference, privacy domain.PrivacyLevel) {
	t.Helper()
	require.NoError(t, h.store.CreateAgent(context.Background(), domain.Agent{
		ID:                 id,
		Type:               domain.AgentTypeCommunication,
		Name:               strings.ToUpper(id),
		Status:             domain.AgentStatusActive,
		Health:             domain.AgentHealth{Status: domain.HealthHealthy},
		Config:             domain.AgentConfig{Enabled: true},
		DeliveryPreference: pref,
		PrivacyLevel:       privacy,
	}))
}

func (h *harness) connect(id string) *inbox {
	in := &inbox{}
	h.reg.Register(id, in)
	return in
}

func text(s string) domain.Message {
	return domain.Message{Text: s}
}

func TestOfflineTargetIsQueuedWithPosition(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	ctx := context.Background()

	first := h.router.RouteMessage(ctx, "alice", "bob", domain.Message{Text: "hi", Priority: domain.PriorityHigh}, RouteOptions{})
	require.True(t, first.Success, "%+v", first.Error)
	assert.Equal(t, domain.DeliveryDeferred, first.DeliveryMethod)
	assert.Equal(t, 1, first.Position)

	second := h.router.RouteMessage(ctx, "alice", "bob", domain.Message{Text: "later", Priority: domain.PriorityLow}, RouteOptions{})
	require.True(t, second.Success)
	assert.Equal(t, 2, second.Position)

	rec, err := h.router.GetMessage(ctx, first.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusQueued, rec.Status)
	assert.Equal(t, 3, rec.RetryLimit)
	require.NotNil(t, rec.ExpiresAt)

	stats := h.router.Stats()
	assert.EqualValues(t, 2, stats.Queued)
	assert.EqualValues(t, 2, stats.TotalRouted)
}

func TestConnectedTargetGetsRealtimeDelivery(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	in := h.connect("bob")
	ctx := context.Background()

	res := h.router.RouteMessage(ctx, "alice", "bob", text("ping"), RouteOptions{})
	require.True(t, res.Success)
	assert.Equal(t, domain.DeliveryRealtime, res.DeliveryMethod)
	assert.Equal(t, 0, res.Position)

	h.router.Stop()
	assert.Equal(t, 1, in.count())
	rec, err := h.router.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusDelivered, rec.Status)
	assert.NotNil(t, rec.DeliveredAt)
}

func TestDeliveryStrategySelection(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "batcher", domain.DeliveryQueued, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.connect("batcher")
	h.connect("bob")
	ctx := context.Background()

	cases := []struct {
		name string
		to   string
		opts RouteOptions
		want domain.DeliveryMethod
	}{
		{"queued preference", "batcher", RouteOptions{}, domain.DeliveryDeferred},
		{"caller asks for realtime", "batcher", RouteOptions{Realtime: true}, domain.DeliveryRealtime},
		{"force queued wins", "bob", RouteOptions{ForceRealtime: true, ForceQueued: true}, domain.DeliveryDeferred},
		{"delayed message waits", "bob", RouteOptions{Delay: time.Minute}, domain.DeliveryDeferred},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.router.RouteMessage(ctx, "alice", tc.to, text("x"), tc.opts)
			require.True(t, res.Success)
			assert.Equal(t, tc.want, res.DeliveryMethod)
		})
	}
}

func TestForceRealtimeWithoutConnectionFails(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)

	res := h.router.RouteMessage(context.Background(), "alice", "bob", text("x"), RouteOptions{ForceRealtime: true})
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindAgentUnavailable, res.Error.Kind)
}

func TestFailedHandOffFallsBackToQueue(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	in := h.connect("bob")
	in.fail = errors.New("socket closed")

	res := h.router.RouteMessage(context.Background(), "alice", "bob", text("x"), RouteOptions{})
	require.True(t, res.Success)
	h.router.Stop()

	rec, err := h.router.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusQueued, rec.Status)
	assert.Equal(t, "socket closed", rec.LastError)
	assert.Nil(t, rec.DeliveredAt)
}

func TestRouteRejections(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectDeny, Config{MaxTextLength: 10})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "carol", domain.DeliveryImmediate, domain.PrivacyStandard)
	ctx := context.Background()
	require.NoError(t, h.router.GrantChannel(ctx, domain.ChannelGrant{FromAgent: "alice", ToAgent: "bob"}))

	cases := []struct {
		name string
		to   string
		msg  domain.Message
		want domain.ErrorKind
	}{
		{"unknown target", "nobody", text("x"), domain.KindNotFound},
		{"no channel", "carol", text("x"), domain.KindUnauthorized},
		{"empty text", "bob", text("   "), domain.KindValidation},
		{"too long", "bob", text("eleven chars"), domain.KindValidation},
		{"bad type", "bob", domain.Message{Text: "x", Type: "shout"}, domain.KindValidation},
		{"bad priority", "bob", domain.Message{Text: "x", Priority: 9}, domain.KindValidation},
		{"bad data", "bob", domain.Message{Text: "x", Data: json.RawMessage(`{oops`)}, domain.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.router.RouteMessage(ctx, "alice", tc.to, tc.msg, RouteOptions{})
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tc.want, res.Error.Kind)
		})
	}

	ok := h.router.RouteMessage(ctx, "alice", "bob", text("fine"), RouteOptions{})
	assert.True(t, ok.Success)

	msgs, err := h.router.ListMessages(ctx, domain.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "rejected messages leave no records")
}

func TestStrictPrivacyAndAttachmentCleanup(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "vault", domain.DeliveryImmediate, domain.PrivacyStrict)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	ctx := context.Background()

	msg := domain.Message{
		Text:     "  report  ",
		Metadata: map[string]string{"email": "a@b.c", "topic": "q3"},
		Data:     json.RawMessage(`{"phone":"555","note":"keep"}`),
		Attachments: []domain.Attachment{
			{Type: domain.AttachmentImage, Name: "chart.png"},
			{Type: "hologram", Name: "???"},
		},
	}
	res := h.router.RouteMessage(ctx, "vault", "bob", msg, RouteOptions{})
	require.True(t, res.Success)

	rec, err := h.router.GetMessage(ctx, res.MessageID)
	require.NoError(t, err)
	content := rec.Content
	assert.Equal(t, "report", content.Text)
	assert.NotContains(t, content.Metadata, "email")
	assert.Equal(t, "q3", content.Metadata["topic"])
	assert.Equal(t, "VAULT", content.Metadata["from_name"])
	assert.Equal(t, "BOB", content.Metadata["to_name"])
	assert.NotEmpty(t, content.Metadata["routed_at"])
	assert.JSONEq(t, `{"note":"keep"}`, string(content.Data))
	require.Len(t, content.Attachments, 1)
	assert.Equal(t, "chart.png", content.Attachments[0].Name)
	assert.NotEmpty(t, content.ConversationID)
	assert.Equal(t, domain.MessageTypeText, content.Type)

	assert.Equal(t, "a@b.c", msg.Metadata["email"], "caller's message is not modified")
}

func TestGroupFanOutIsolatesFailures(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	ctx := context.Background()
	for _, id := range []string{"lead", "m1", "m2", "m3"} {
		h.agent(t, id, domain.DeliveryImmediate, domain.PrivacyStandard)
		require.NoError(t, h.router.AddMember(ctx, "ops", id))
	}
	h.connect("m1")
	h.connect("m3")

	res := h.router.RouteToGroup(ctx, "lead", "ops", text("standup"), RouteOptions{ForceRealtime: true})
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)

	for _, tr := range res.Results {
		if tr.AgentID == "m2" {
			assert.False(t, tr.Success)
			require.NotNil(t, tr.Error)
			assert.Equal(t, domain.KindAgentUnavailable, tr.Error.Kind)
			continue
		}
		assert.True(t, tr.Success)
		assert.Equal(t, domain.DeliveryRealtime, tr.DeliveryMethod)
	}
	assert.EqualValues(t, 1, h.router.Stats().GroupRoutes)
}

func TestGroupWithoutReachableMembers(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	ctx := context.Background()
	h.agent(t, "lead", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "m1", domain.DeliveryImmediate, domain.PrivacyStandard)
	require.NoError(t, h.router.AddMember(ctx, "solo", "lead"))
	require.NoError(t, h.router.AddMember(ctx, "blocked", "m1"))
	require.NoError(t, h.router.GrantChannel(ctx, domain.ChannelGrant{FromAgent: "lead", ToAgent: "m1", Effect: domain.PermissionEffectDeny}))

	res := h.router.RouteToGroup(ctx, "lead", "solo", text("x"), RouteOptions{})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, domain.ErrNoValidTargets))

	res = h.router.RouteToGroup(ctx, "lead", "blocked", text("x"), RouteOptions{})
	assert.True(t, errors.Is(res.Err, domain.ErrNoValidTargets))
	assert.Equal(t, []string{"m1"}, res.Excluded)

	res = h.router.RouteToGroup(ctx, "lead", "ghosts", text("x"), RouteOptions{})
	assert.True(t, errors.Is(res.Err, domain.ErrNotFound))
}

func TestRetryAfterExpiryIsRefused(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	ctx := context.Background()

	routed := h.router.RouteMessage(ctx, "alice", "bob", text("x"), RouteOptions{TTL: time.Minute})
	require.True(t, routed.Success)

	later := time.Now().UTC().Add(2 * time.Minute)
	h.router.now = func() time.Time { return later }

	res := h.router.RouteWithRetry(ctx, routed.MessageID, RetryOptions{})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, domain.ErrNotRetryable))

	rec, err := h.router.GetMessage(ctx, routed.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.EqualValues(t, 0, h.router.Stats().Retries)
}

func TestRetryDeliversOnceTargetIsOnline(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	ctx := context.Background()

	routed := h.router.RouteMessage(ctx, "alice", "bob", text("x"), RouteOptions{RetryLimit: 2})
	require.True(t, routed.Success)

	res := h.router.RouteWithRetry(ctx, routed.MessageID, RetryOptions{})
	require.True(t, res.Success)
	assert.False(t, res.Delivered)
	assert.Equal(t, 1, res.RetryCount)
	assert.Equal(t, domain.MessageStatusQueued, res.Status)

	in := h.connect("bob")
	res = h.router.RouteWithRetry(ctx, routed.MessageID, RetryOptions{})
	require.True(t, res.Success, "%+v", res.Error)
	assert.True(t, res.Delivered)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, 1, in.count())

	res = h.router.RouteWithRetry(ctx, routed.MessageID, RetryOptions{})
	assert.True(t, errors.Is(res.Err, domain.ErrNotRetryable), "delivered messages are final")

	res = h.router.RouteWithRetry(ctx, "missing", RetryOptions{})
	assert.True(t, errors.Is(res.Err, domain.ErrNotFound))

	assert.EqualValues(t, 2, h.router.Stats().Retries, "refused retries are not attempts")
}

func TestRetryLimitExhaustion(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	ctx := context.Background()

	routed := h.router.RouteMessage(ctx, "alice", "bob", text("x"), RouteOptions{RetryLimit: 1})
	require.True(t, routed.Success)

	res := h.router.RouteWithRetry(ctx, routed.MessageID, RetryOptions{})
	require.True(t, res.Success)

	res = h.router.RouteWithRetry(ctx, routed.MessageID, RetryOptions{})
	assert.True(t, errors.Is(res.Err, domain.ErrNotRetryable))
	assert.Equal(t, domain.MessageStatusFailed, res.Status)
}

func TestRedeliverySweep(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	h.agent(t, "alice", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "bob", domain.DeliveryImmediate, domain.PrivacyStandard)
	h.agent(t, "batcher", domain.DeliveryQueued, domain.PrivacyStandard)
	ctx := context.Background()

	toBob := h.router.RouteMessage(ctx, "alice", "bob", text("x"), RouteOptions{})
	toBatcher := h.router.RouteMessage(ctx, "alice", "batcher", text("y"), RouteOptions{})
	require.True(t, toBob.Success)
	require.True(t, toBatcher.Success)

	bob := h.connect("bob")
	h.connect("batcher")
	require.NoError(t, h.router.redeliverOnce(ctx))

	assert.Equal(t, 1, bob.count())
	rec, err := h.router.GetMessage(ctx, toBob.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusDelivered, rec.Status)

	rec, err = h.router.GetMessage(ctx, toBatcher.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusQueued, rec.Status, "deferred-preference targets pull their own messages")
	assert.EqualValues(t, 1, h.router.Stats().Redelivered)
}

type flakyPolicy struct {
	broken map[string]bool
}

func (p flakyPolicy) CanCommunicate(_ context.Context, _, toAgent string) (bool, string, error) {
	if p.broken[toAgent] {
		return false, "", errors.New("grants table unavailable")
	}
	return true, "ok", nil
}

func TestGroupPermissionErrorsAreNotDenials(t *testing.T) {
	h := newHarness(t, domain.PermissionEffectAllow, Config{})
	ctx := context.Background()
	for _, id := range []string{"lead", "m1", "m2"} {
		h.agent(t, id, domain.DeliveryImmediate, domain.PrivacyStandard)
		require.NoError(t, h.router.AddMember(ctx, "ops", id))
	}
	require.NoError(t, h.router.AddMember(ctx, "pair", "lead"))
	require.NoError(t, h.router.AddMember(ctx, "pair", "m1"))

	core, logs := observer.New(zap.WarnLevel)
	r := New(h.store, flakyPolicy{broken: map[string]bool{"m1": true}}, h.reg, Config{}, zap.New(core))
	t.Cleanup(r.Stop)

	res := r.RouteToGroup(ctx, "lead", "ops", text("x"), RouteOptions{})
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, []string{"m1"}, res.Excluded)
	assert.Equal(t, 1, logs.FilterField(zap.String("to_agent", "m1")).Len())

	res = r.RouteToGroup(ctx, "lead", "pair", text("x"), RouteOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindInternal, domain.KindOf(res.Err))
	assert.False(t, errors.Is(res.Err, domain.ErrNoValidTargets))
	require.NotNil(t, res.Error)
	assert.Equal(t, domain.KindInternal, res.Error.Kind)
}
