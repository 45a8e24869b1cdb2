package policy

import (
	"context"
	"time"

	"switchboard/internal/domain"
)

type Store interface {
	CheckChannel(ctx context.Context, fromAgent, toAgent string, now time.Time) (allowed bool, matched bool, reason string, err error)
}

type Engine struct {
	store        Store
	defaultAllow bool
}

// New builds an engine. defaultEffect applies when no channel grant matches.
func New(store Store, defaultEffect domain.PermissionEffect) *Engine {
	return &Engine{
		store:        store,
		defaultAllow: defaultEffect != domain.PermissionEffectDeny,
	}
}

func (e *Engine) CanCommunicate(ctx context.Context, fromAgent, toAgent string) (bool, string, error) {
	if fromAgent == toAgent {
		return true, "self", nil
	}
	allowed, matched, reason, err := e.store.CheckChannel(ctx, fromAgent, toAgent, time.Now().UTC())
	if err != nil {
		return false, "", err
	}
	if matched {
		return allowed, reason, nil
	}
	if e.defaultAllow {
		return true, "default allow", nil
	}
	return false, "default deny (no matching channel rule)", nil
}
