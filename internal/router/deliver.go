package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

type RouteOptions struct {
	// ForceRealtime requires a live connection and fails with
	// AgentUnavailable when the target has none.
	ForceRealtime bool
	ForceQueued   bool
	// Realtime asks for immediate delivery when possible, regardless of the
	// target's preference.
	Realtime   bool
	Delay      time.Duration
	TTL        time.Duration
	RetryLimit int
}

type Failure struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

func failureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: domain.KindOf(err), Message: err.Error()}
}

type RouteResult struct {
	Success        bool                  `json:"success"`
	MessageID      string                `json:"message_id,omitempty"`
	DeliveryMethod domain.DeliveryMethod `json:"delivery_method,omitempty"`
	Position       int                   `json:"position"`
	LatencyMS      int64                 `json:"latency_ms"`
	Error          *Failure              `json:"error,omitempty"`
	Err            error                 `json:"-"`
}

// RouteMessage delivers msg from one agent to another. Failures are reported
// in the result, never as a Go error.
func (r *Router) RouteMessage(ctx context.Context, fromAgent, toAgent string, msg domain.Message, opts RouteOptions) RouteResult {
	start := time.Now()
	res, err := r.route(ctx, fromAgent, toAgent, "", msg, opts)
	return r.finish(res, err, start)
}

func (r *Router) finish(res RouteResult, err error, start time.Time) RouteResult {
	latency := time.Since(start)
	res.LatencyMS = latency.Milliseconds()
	if err != nil {
		res = RouteResult{LatencyMS: res.LatencyMS, Error: failureOf(err), Err: err}
	} else {
		res.Success = true
	}
	r.record(func(s *Stats) {
		s.TotalRouted++
		switch {
		case err != nil:
			s.Failed++
		case res.DeliveryMethod == domain.DeliveryRealtime:
			s.Realtime++
		default:
			s.Queued++
		}
		s.AvgLatencyMS = domain.RollingAverage(s.AvgLatencyMS, float64(latency.Microseconds())/1000, s.TotalRouted)
	})
	return res
}

func (r *Router) route(ctx context.Context, fromAgent, toAgent, groupID string, msg domain.Message, opts RouteOptions) (RouteResult, error) {
	source, err := r.store.GetAgent(ctx, fromAgent)
	if err != nil {
		return RouteResult{}, err
	}
	target, err := r.store.GetAgent(ctx, toAgent)
	if err != nil {
		return RouteResult{}, err
	}
	allowed, reason, err := r.policy.CanCommunicate(ctx, fromAgent, toAgent)
	if err != nil {
		return RouteResult{}, domain.Wrap(domain.KindInternal, "check channel policy", err)
	}
	if !allowed {
		return RouteResult{}, domain.Errorf(domain.KindUnauthorized, "%s may not message %s: %s", fromAgent, toAgent, reason)
	}

	msg, err = r.normalize(msg)
	if err != nil {
		return RouteResult{}, err
	}
	now := r.now()
	r.preprocess(&msg, source, target, now)

	handle, connected := r.handles.Lookup(toAgent)
	if opts.ForceRealtime && !opts.ForceQueued && !connected {
		return RouteResult{}, domain.Errorf(domain.KindAgentUnavailable, "agent %s has no live connection", toAgent)
	}
	wantsNow := opts.ForceRealtime || opts.Realtime || target.DeliveryPreference == domain.DeliveryImmediate
	realtime := connected && wantsNow && !opts.ForceQueued && opts.Delay <= 0

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}
	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = r.cfg.DefaultRetryLimit
	}
	expiresAt := now.Add(ttl)
	record := domain.QueuedMessage{
		ID:             uuid.NewString(),
		FromAgent:      fromAgent,
		ToAgent:        toAgent,
		GroupID:        groupID,
		Type:           msg.Type,
		Content:        msg,
		Priority:       msg.Priority,
		Status:         domain.MessageStatusQueued,
		DeliveryMethod: domain.DeliveryDeferred,
		NotBefore:      now.Add(max(opts.Delay, 0)),
		ExpiresAt:      &expiresAt,
		RetryLimit:     retryLimit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if realtime {
		record.Status = domain.MessageStatusDelivered
		record.DeliveryMethod = domain.DeliveryRealtime
		record.DeliveredAt = &now
	}

	position, err := r.store.CreateQueuedMessage(ctx, record)
	if err != nil {
		return RouteResult{}, fmt.Errorf("persist message: %w", err)
	}
	if realtime {
		r.handOff(record, handle)
	}

	r.logDecision(ctx, record.ID, "message_routed", string(record.DeliveryMethod), map[string]any{
		"from_agent": fromAgent,
		"to_agent":   toAgent,
		"group_id":   groupID,
		"priority":   record.Priority,
		"position":   position,
	})
	return RouteResult{
		MessageID:      record.ID,
		DeliveryMethod: record.DeliveryMethod,
		Position:       position,
	}, nil
}

// handOff pushes a realtime message to its handle without blocking the
// caller. A failed hand-off puts the record back in the queue.
func (r *Router) handOff(record domain.QueuedMessage, handle registry.Handle) {
	r.handoffs.Add(1)
	go func() {
		defer r.handoffs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RealtimeTimeout)
		defer cancel()
		err := safeReceive(ctx, handle, record)
		if err == nil {
			return
		}
		_, mutErr := r.store.MutateQueuedMessage(context.Background(), record.ID, func(m *domain.QueuedMessage) error {
			if m.Status != domain.MessageStatusDelivered {
				return nil
			}
			m.Status = domain.MessageStatusQueued
			m.DeliveryMethod = domain.DeliveryDeferred
			m.DeliveredAt = nil
			m.LastError = err.Error()
			return nil
		})
		if mutErr != nil {
			r.logger.Error("requeue failed hand-off", zap.String("message_id", record.ID), zap.Error(mutErr))
			return
		}
		r.logDecision(context.Background(), record.ID, "message_handoff_failed", err.Error(), map[string]any{
			"to_agent": record.ToAgent,
		})
		r.logger.Warn("realtime hand-off failed, message queued",
			zap.String("message_id", record.ID),
			zap.String("to_agent", record.ToAgent),
			zap.Error(err))
	}()
}

type RetryOptions struct {
	// Timeout bounds the delivery attempt. Zero uses the router default.
	Timeout time.Duration
}

type RetryResult struct {
	Success    bool                 `json:"success"`
	MessageID  string               `json:"message_id"`
	Status     domain.MessageStatus `json:"status,omitempty"`
	Delivered  bool                 `json:"delivered"`
	RetryCount int                  `json:"retry_count"`
	RetryLimit int                  `json:"retry_limit"`
	LatencyMS  int64                `json:"latency_ms"`
	Error      *Failure             `json:"error,omitempty"`
	Err        error                `json:"-"`

	attempted bool
}

// RouteWithRetry makes another delivery attempt for a queued message. When
// the target is not reachable the record stays queued with its retry count
// bumped.
func (r *Router) RouteWithRetry(ctx context.Context, messageID string, opts RetryOptions) RetryResult {
	start := time.Now()
	res, err := r.retry(ctx, messageID, opts)
	res.MessageID = messageID
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = failureOf(err)
		res.Err = err
	} else {
		res.Success = true
	}
	if res.attempted {
		r.record(func(s *Stats) { s.Retries++ })
	}
	return res
}

func (r *Router) retry(ctx context.Context, messageID string, opts RetryOptions) (RetryResult, error) {
	if _, busy := r.retrying.LoadOrStore(messageID, struct{}{}); busy {
		return RetryResult{}, domain.Errorf(domain.KindInvalidState, "retry of %s already in progress", messageID)
	}
	defer r.retrying.Delete(messageID)

	now := r.now()
	var refusal error
	rec, err := r.store.MutateQueuedMessage(ctx, messageID, func(m *domain.QueuedMessage) error {
		refusal = nil
		if m.Status != domain.MessageStatusQueued {
			return domain.Errorf(domain.KindNotRetryable, "message %s is %s", m.ID, m.Status)
		}
		switch {
		case m.Expired(now):
			refusal = domain.Errorf(domain.KindNotRetryable, "message %s expired at %s", m.ID, m.ExpiresAt.Format(time.RFC3339))
			m.LastError = "expired before delivery"
		case m.RetryCount >= m.RetryLimit:
			refusal = domain.Errorf(domain.KindNotRetryable, "message %s reached its retry limit of %d", m.ID, m.RetryLimit)
			m.LastError = "retry limit reached"
		default:
			m.RetryCount++
			return nil
		}
		m.Status = domain.MessageStatusFailed
		return nil
	})
	if err != nil {
		return RetryResult{}, err
	}
	result := RetryResult{Status: rec.Status, RetryCount: rec.RetryCount, RetryLimit: rec.RetryLimit}
	if refusal != nil {
		r.logDecision(ctx, rec.ID, "message_failed", rec.LastError, nil)
		return result, refusal
	}
	result.attempted = true

	handle, ok := r.reachable(ctx, rec.ToAgent)
	if !ok {
		r.logDecision(ctx, rec.ID, "message_retry_deferred", "target not reachable", map[string]any{
			"retry_count": rec.RetryCount,
		})
		return result, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.RealtimeTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	deliverErr := safeReceive(dctx, handle, rec)
	cancel()

	delivered := r.now()
	rec, err = r.store.MutateQueuedMessage(ctx, messageID, func(m *domain.QueuedMessage) error {
		if deliverErr == nil {
			m.Status = domain.MessageStatusDelivered
			m.DeliveryMethod = domain.DeliveryRealtime
			m.DeliveredAt = &delivered
			m.LastError = ""
			return nil
		}
		m.LastError = deliverErr.Error()
		if m.RetryCount >= m.RetryLimit {
			m.Status = domain.MessageStatusFailed
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	result.Status = rec.Status
	if deliverErr != nil {
		r.logDecision(ctx, rec.ID, "message_retry_failed", deliverErr.Error(), map[string]any{
			"retry_count": rec.RetryCount,
			"status":      rec.Status,
		})
		return result, domain.Wrap(domain.KindAgentUnavailable, "deliver to "+rec.ToAgent, deliverErr)
	}
	result.Delivered = true
	r.logDecision(ctx, rec.ID, "message_delivered", "delivered on retry", map[string]any{
		"retry_count": rec.RetryCount,
	})
	return result, nil
}

// reachable returns the target's handle when it is connected and not known
// to be failing.
func (r *Router) reachable(ctx context.Context, agentID string) (registry.Handle, bool) {
	handle, ok := r.handles.Lookup(agentID)
	if !ok {
		return nil, false
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, false
	}
	if agent.Health.Status == domain.HealthCritical || agent.Status == domain.AgentStatusShutdown {
		return nil, false
	}
	return handle, true
}

// redeliverOnce sweeps due queued messages: expired ones fail, ones whose
// target is reachable and wants immediate delivery are retried.
func (r *Router) redeliverOnce(ctx context.Context) error {
	now := r.now()
	due, err := r.store.ListRedeliverable(ctx, now, r.cfg.RedeliverBatch)
	if err != nil {
		return err
	}
	for _, m := range due {
		if m.Expired(now) || m.RetryCount >= m.RetryLimit {
			res := r.RouteWithRetry(ctx, m.ID, RetryOptions{})
			if res.Err != nil && !errors.Is(res.Err, domain.ErrNotRetryable) {
				r.logger.Warn("fail stale message", zap.String("message_id", m.ID), zap.Error(res.Err))
			}
			continue
		}
		target, err := r.store.GetAgent(ctx, m.ToAgent)
		if err != nil || target.DeliveryPreference != domain.DeliveryImmediate {
			continue
		}
		if _, ok := r.reachable(ctx, m.ToAgent); !ok {
			continue
		}
		res := r.RouteWithRetry(ctx, m.ID, RetryOptions{})
		if res.Delivered {
			r.record(func(s *Stats) { s.Redelivered++ })
		}
	}
	return nil
}

func safeReceive(ctx context.Context, h registry.Handle, msg domain.QueuedMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("receive panicked: %v", rec)
		}
	}()
	return h.Receive(ctx, msg)
}
