// Package registry tracks which agents currently hold a live, callable handle.
// Entries are volatile: they vanish on disconnect and are rebuilt when agents
// register again after a restart.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"switchboard/internal/domain"
)

type Invocation struct {
	TaskID   string             `json:"task_id"`
	TaskType domain.TaskType    `json:"task_type"`
	Payload  json.RawMessage    `json:"payload"`
	Context  domain.TaskContext `json:"context"`
}

type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Handle is a live connection to one agent.
type Handle interface {
	Execute(ctx context.Context, inv Invocation) (Output, error)
	Receive(ctx context.Context, msg domain.QueuedMessage) error
	Probe(ctx context.Context) error
}

// ResourceReporter is implemented by handles that can report their own usage.
type ResourceReporter interface {
	Resources(ctx context.Context) (domain.ResourceSample, error)
}

type entry struct {
	handle      Handle
	connectedAt time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds handle to agentID, replacing any previous handle.
func (r *Registry) Register(agentID string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[agentID] = entry{handle: handle, connectedAt: time.Now().UTC()}
}

// Deregister removes the handle and reports whether one was present.
func (r *Registry) Deregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[agentID]
	delete(r.entries, agentID)
	return ok
}

func (r *Registry) Lookup(agentID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

func (r *Registry) ConnectedSince(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentID]
	return e.connectedAt, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
