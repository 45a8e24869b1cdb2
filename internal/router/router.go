// Package router moves messages between agents. A message is handed to the
// target's live handle when it is connected and wants immediate delivery, and
// is otherwise kept as a queued record for a later retry or consumer.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

const routerActor = "router"

type Store interface {
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)

	CreateQueuedMessage(ctx context.Context, msg domain.QueuedMessage) (int, error)
	GetQueuedMessage(ctx context.Context, messageID string) (domain.QueuedMessage, error)
	MutateQueuedMessage(ctx context.Context, messageID string, fn func(*domain.QueuedMessage) error) (domain.QueuedMessage, error)
	ListQueuedMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.QueuedMessage, error)
	ListRedeliverable(ctx context.Context, now time.Time, limit int) ([]domain.QueuedMessage, error)

	GrantChannel(ctx context.Context, grant domain.ChannelGrant) error
	AddGroupMember(ctx context.Context, groupID, agentID string) error
	RemoveGroupMember(ctx context.Context, groupID, agentID string) error
	MembersOf(ctx context.Context, groupID string) ([]string, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Policy interface {
	CanCommunicate(ctx context.Context, fromAgent, toAgent string) (bool, string, error)
}

type Handles interface {
	Lookup(agentID string) (registry.Handle, bool)
}

var defaultSensitiveKeys = []string{
	"email", "phone", "address", "user_id", "ip_address",
	"full_name", "location", "ssn", "date_of_birth",
}

type Config struct {
	MaxTextLength     int
	DefaultRetryLimit int
	DefaultTTL        time.Duration
	RealtimeTimeout   time.Duration
	RedeliverInterval time.Duration
	RedeliverBatch    int
	GroupConcurrency  int
	SensitiveKeys     []string
}

func (c Config) withDefaults() Config {
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = 4000
	}
	if c.DefaultRetryLimit <= 0 {
		c.DefaultRetryLimit = 3
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.RealtimeTimeout <= 0 {
		c.RealtimeTimeout = 5 * time.Second
	}
	if c.RedeliverInterval <= 0 {
		c.RedeliverInterval = 5 * time.Second
	}
	if c.RedeliverBatch <= 0 {
		c.RedeliverBatch = 50
	}
	if c.GroupConcurrency <= 0 {
		c.GroupConcurrency = 16
	}
	if len(c.SensitiveKeys) == 0 {
		c.SensitiveKeys = defaultSensitiveKeys
	}
	return c
}

// Stats are process-lifetime routing totals.
type Stats struct {
	TotalRouted  int64   `json:"total_routed"`
	Realtime     int64   `json:"realtime"`
	Queued       int64   `json:"queued"`
	Failed       int64   `json:"failed"`
	GroupRoutes  int64   `json:"group_routes"`
	Retries      int64   `json:"retries"`
	Redelivered  int64   `json:"redelivered"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

type Router struct {
	store     Store
	policy    Policy
	handles   Handles
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	sensitive map[string]struct{}

	statsMu sync.Mutex
	stats   Stats

	// retrying holds message ids with a retry in progress.
	retrying sync.Map
	handoffs sync.WaitGroup

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	loop    sync.WaitGroup
}

func New(store Store, policy Policy, handles Handles, cfg Config, logger *zap.Logger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	sensitive := make(map[string]struct{}, len(cfg.SensitiveKeys))
	for _, k := range cfg.SensitiveKeys {
		sensitive[k] = struct{}{}
	}
	return &Router{
		store:     store,
		policy:    policy,
		handles:   handles,
		cfg:       cfg,
		logger:    logger.Named("router"),
		now:       func() time.Time { return time.Now().UTC() },
		sensitive: sensitive,
	}
}

// Start arms the redelivery sweep. Calling it twice is a no-op.
func (r *Router) Start(ctx context.Context) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.loop.Add(1)
	go func() {
		defer r.loop.Done()
		r.redeliverLoop(loopCtx)
	}()
}

// Stop disarms the sweep and waits for outstanding realtime hand-offs.
func (r *Router) Stop() {
	r.lifeMu.Lock()
	if r.running {
		r.cancel()
		r.loop.Wait()
		r.running = false
	}
	r.lifeMu.Unlock()
	r.handoffs.Wait()
}

func (r *Router) redeliverLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RedeliverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.redeliverOnce(ctx); err != nil {
				r.logger.Warn("redelivery sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Router) record(fn func(*Stats)) {
	r.statsMu.Lock()
	fn(&r.stats)
	r.statsMu.Unlock()
}

func (r *Router) GetMessage(ctx context.Context, messageID string) (domain.QueuedMessage, error) {
	return r.store.GetQueuedMessage(ctx, messageID)
}

func (r *Router) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.QueuedMessage, error) {
	return r.store.ListQueuedMessages(ctx, filter)
}

func (r *Router) GrantChannel(ctx context.Context, grant domain.ChannelGrant) error {
	if grant.FromAgent == "" || grant.ToAgent == "" {
		return domain.Errorf(domain.KindValidation, "from_agent and to_agent are required")
	}
	switch grant.Effect {
	case "":
		grant.Effect = domain.PermissionEffectAllow
	case domain.PermissionEffectAllow, domain.PermissionEffectDeny:
	default:
		return domain.Errorf(domain.KindValidation, "unknown effect %q", grant.Effect)
	}
	if err := r.store.GrantChannel(ctx, grant); err != nil {
		return err
	}
	r.logDecision(ctx, grant.FromAgent, "channel_granted", string(grant.Effect), map[string]any{
		"to_agent": grant.ToAgent,
	})
	return nil
}

func (r *Router) AddMember(ctx context.Context, groupID, agentID string) error {
	if groupID == "" || agentID == "" {
		return domain.Errorf(domain.KindValidation, "group id and agent id are required")
	}
	if _, err := r.store.GetAgent(ctx, agentID); err != nil {
		return err
	}
	return r.store.AddGroupMember(ctx, groupID, agentID)
}

func (r *Router) RemoveMember(ctx context.Context, groupID, agentID string) error {
	return r.store.RemoveGroupMember(ctx, groupID, agentID)
}

func (r *Router) logDecision(ctx context.Context, refID, action, reason string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{}`)
	}
	_ = r.store.LogDecision(context.WithoutCancel(ctx), domain.DecisionLog{
		RefID:   refID,
		Actor:   routerActor,
		Action:  action,
		Reason:  reason,
		Payload: data,
	})
}
