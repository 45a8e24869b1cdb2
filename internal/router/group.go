package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/domain"
)

type TargetResult struct {
	AgentID        string                `json:"agent_id"`
	Success        bool                  `json:"success"`
	MessageID      string                `json:"message_id,omitempty"`
	DeliveryMethod domain.DeliveryMethod `json:"delivery_method,omitempty"`
	Position       int                   `json:"position"`
	Error          *Failure              `json:"error,omitempty"`
}

type GroupResult struct {
	Success    bool           `json:"success"`
	GroupID    string         `json:"group_id"`
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Excluded   []string       `json:"excluded,omitempty"`
	Results    []TargetResult `json:"results"`
	LatencyMS  int64          `json:"latency_ms"`
	Error      *Failure       `json:"error,omitempty"`
	Err        error          `json:"-"`
}

// RouteToGroup fans msg out to every member of groupID the sender may reach.
// Each target succeeds or fails on its own.
func (r *Router) RouteToGroup(ctx context.Context, fromAgent, groupID string, msg domain.Message, opts RouteOptions) GroupResult {
	start := time.Now()
	res, err := r.routeGroup(ctx, fromAgent, groupID, msg, opts)
	res.GroupID = groupID
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = failureOf(err)
		res.Err = err
		return res
	}
	res.Success = true
	r.record(func(s *Stats) { s.GroupRoutes++ })
	return res
}

func (r *Router) routeGroup(ctx context.Context, fromAgent, groupID string, msg domain.Message, opts RouteOptions) (GroupResult, error) {
	if _, err := r.store.GetAgent(ctx, fromAgent); err != nil {
		return GroupResult{}, err
	}
	members, err := r.store.MembersOf(ctx, groupID)
	if err != nil {
		return GroupResult{}, err
	}

	var res GroupResult
	var policyErrs []error
	targets := make([]string, 0, len(members))
	for _, id := range members {
		if id == fromAgent {
			continue
		}
		allowed, _, err := r.policy.CanCommunicate(ctx, fromAgent, id)
		if err != nil {
			r.logger.Warn("permission check failed, member excluded",
				zap.String("group_id", groupID),
				zap.String("from_agent", fromAgent),
				zap.String("to_agent", id),
				zap.Error(err))
			policyErrs = append(policyErrs, err)
		}
		if err != nil || !allowed {
			res.Excluded = append(res.Excluded, id)
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		if len(policyErrs) > 0 && len(policyErrs) == len(res.Excluded) {
			return res, domain.Wrap(domain.KindInternal, "check group permissions", errors.Join(policyErrs...))
		}
		return res, domain.Errorf(domain.KindNoValidTargets, "group %s has no members %s may reach", groupID, fromAgent)
	}

	results := make([]TargetResult, len(targets))
	var g errgroup.Group
	g.SetLimit(r.cfg.GroupConcurrency)
	for i, target := range targets {
		g.Go(func() error {
			start := time.Now()
			one, err := r.route(ctx, fromAgent, target, groupID, msg, opts)
			one = r.finish(one, err, start)
			results[i] = TargetResult{
				AgentID:        target,
				Success:        one.Success,
				MessageID:      one.MessageID,
				DeliveryMethod: one.DeliveryMethod,
				Position:       one.Position,
				Error:          one.Error,
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Total = len(targets)
	res.Results = results
	for _, tr := range results {
		if tr.Success {
			res.Successful++
		} else {
			res.Failed++
		}
	}
	r.logDecision(ctx, groupID, "group_routed", "fan-out complete", map[string]any{
		"from_agent": fromAgent,
		"total":      res.Total,
		"successful": res.Successful,
		"failed":     res.Failed,
	})
	return res, nil
}
