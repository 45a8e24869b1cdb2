package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/domain"
)

func TestTaskRoundTripAndMutate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	expires := time.Now().UTC().Add(time.Hour)
	task := domain.Task{
		ID:          uuid.NewString(),
		AgentType:   domain.AgentTypeAnalytics,
		TaskType:    domain.TaskTypeAnalyze,
		Priority:    domain.PriorityHigh,
		Payload:     json.RawMessage(`{"query":"x"}`),
		Context:     domain.TaskContext{UserID: "user-1", RequestID: "req-1"},
		Status:      domain.TaskStatusPending,
		MaxAttempts: 3,
		ExpiresAt:   &expires,
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Priority != domain.PriorityHigh || got.Context.RequestID != "req-1" || got.Version != 1 {
		t.Fatalf("unexpected task after round trip: %+v", got)
	}
	if got.ExpiresAt == nil || got.ExpiresAt.UnixMilli() != expires.UnixMilli() {
		t.Fatalf("expires_at not preserved: %v", got.ExpiresAt)
	}

	updated, err := store.MutateTask(ctx, task.ID, func(t *domain.Task) error {
		now := time.Now().UTC()
		t.Status = domain.TaskStatusProcessing
		t.Attempts++
		t.StartTime = &now
		return nil
	})
	if err != nil {
		t.Fatalf("mutate task: %v", err)
	}
	if updated.Version != 2 || updated.Attempts != 1 || updated.Status != domain.TaskStatusProcessing {
		t.Fatalf("unexpected mutated task: %+v", updated)
	}

	abort := errors.New("abort")
	if _, err := store.MutateTask(ctx, task.ID, func(t *domain.Task) error {
		t.Status = domain.TaskStatusFailed
		return abort
	}); !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	got, err = store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task after abort: %v", err)
	}
	if got.Status != domain.TaskStatusProcessing {
		t.Fatalf("aborted mutation leaked status %s", got.Status)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestConcurrentTaskMutationsAreSerialized(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	id := uuid.NewString()
	if err := store.CreateTask(ctx, domain.Task{
		ID: id, AgentType: domain.AgentTypeSearch, TaskType: domain.TaskTypeProcess,
		Priority: domain.PriorityLow, Payload: json.RawMessage(`{}`), MaxAttempts: 100,
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.MutateTask(ctx, id, func(t *domain.Task) error {
				t.Attempts++
				return nil
			}); err != nil {
				t.Errorf("mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Attempts != 20 {
		t.Fatalf("attempts=%d want=20", got.Attempts)
	}
}

func TestListTasksFiltersAndPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	for i, status := range []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusCompleted, domain.TaskStatusCompleted} {
		submitter := "alice"
		if i == 2 {
			submitter = "bob"
		}
		task := domain.Task{
			ID: uuid.NewString(), AgentType: domain.AgentTypeScheduling, TaskType: domain.TaskTypeSchedule,
			Priority: domain.PriorityMedium, Payload: json.RawMessage(`{}`), Status: status, MaxAttempts: 3,
			Context: domain.TaskContext{UserID: submitter},
		}
		if status == domain.TaskStatusCompleted {
			task.EndTime = &old
			task.CreatedAt = old
		}
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
	}

	alice, err := store.ListTasks(ctx, domain.TaskFilter{SubmittedBy: "alice"})
	if err != nil {
		t.Fatalf("list alice: %v", err)
	}
	if len(alice) != 2 {
		t.Fatalf("alice tasks=%d want=2", len(alice))
	}
	page, err := store.ListTasks(ctx, domain.TaskFilter{SubmittedBy: "alice", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != alice[1].ID {
		t.Fatalf("unexpected page: %+v", page)
	}

	counts, err := store.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.TaskStatusCompleted] != 2 || counts[domain.TaskStatusPending] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	purged, err := store.PurgeTerminalTasks(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("purged=%d want=2", purged)
	}
}

func TestAgentMutateAndShutdown(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, id := range []string{"a1", "a2"} {
		if err := store.CreateAgent(ctx, domain.Agent{
			ID: id, Type: domain.AgentTypeSecurity, Name: id, Status: domain.AgentStatusActive,
			Health: domain.AgentHealth{Status: domain.HealthHealthy},
			Config: domain.AgentConfig{Enabled: id == "a1", MaxConcurrentTasks: 2},
		}); err != nil {
			t.Fatalf("create agent %s: %v", id, err)
		}
	}

	enabled, err := store.ListAgents(ctx, domain.AgentFilter{
		Type:        domain.AgentTypeSecurity,
		Statuses:    []domain.AgentStatus{domain.AgentStatusActive, domain.AgentStatusIdle},
		EnabledOnly: true,
	})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != "a1" {
		t.Fatalf("unexpected enabled agents: %+v", enabled)
	}

	updated, err := store.MutateAgent(ctx, "a1", func(a *domain.Agent) error {
		a.RecordDispatch()
		return nil
	})
	if err != nil {
		t.Fatalf("mutate agent: %v", err)
	}
	if updated.Performance.TasksProcessed != 1 || updated.Resources.QueueSize != 1 || updated.Version != 2 {
		t.Fatalf("unexpected agent: %+v", updated)
	}

	n, err := store.MarkAgentsShutdown(ctx)
	if err != nil {
		t.Fatalf("mark shutdown: %v", err)
	}
	if n != 2 {
		t.Fatalf("shutdown rows=%d want=2", n)
	}
	got, err := store.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != domain.AgentStatusShutdown || got.Performance.TasksProcessed != 1 {
		t.Fatalf("unexpected agent after shutdown: %+v", got)
	}
}

func TestQueuedMessagePosition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	create := func(p domain.Priority, status domain.MessageStatus) int {
		t.Helper()
		pos, err := store.CreateQueuedMessage(ctx, domain.QueuedMessage{
			ID: uuid.NewString(), FromAgent: "src", ToAgent: "dst", Type: domain.MessageTypeText,
			Content:  domain.Message{Text: "hi", Type: domain.MessageTypeText, Priority: p},
			Priority: p, Status: status, RetryLimit: 3,
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		return pos
	}

	if pos := create(domain.PriorityUrgent, domain.MessageStatusQueued); pos != 1 {
		t.Fatalf("first urgent position=%d want=1", pos)
	}
	if pos := create(domain.PriorityUrgent, domain.MessageStatusQueued); pos != 1 {
		t.Fatalf("second urgent position=%d want=1 (equal priority is not ahead)", pos)
	}
	if pos := create(domain.PriorityLow, domain.MessageStatusQueued); pos != 3 {
		t.Fatalf("low position=%d want=3", pos)
	}
	if pos := create(domain.PriorityLow, domain.MessageStatusDelivered); pos != 0 {
		t.Fatalf("delivered position=%d want=0", pos)
	}

	due, err := store.ListRedeliverable(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("list redeliverable: %v", err)
	}
	if len(due) != 3 || due[0].Priority != domain.PriorityUrgent {
		t.Fatalf("unexpected redeliverable set: %d", len(due))
	}

	msg, err := store.MutateQueuedMessage(ctx, due[0].ID, func(m *domain.QueuedMessage) error {
		now := time.Now().UTC()
		m.Status = domain.MessageStatusDelivered
		m.DeliveredAt = &now
		m.RetryCount++
		return nil
	})
	if err != nil {
		t.Fatalf("mutate message: %v", err)
	}
	if msg.Status != domain.MessageStatusDelivered || msg.RetryCount != 1 || msg.Content.Text != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestChannelGrantsAndGroups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	now := time.Now().UTC()

	if _, matched, _, err := store.CheckChannel(ctx, "a", "b", now); err != nil || matched {
		t.Fatalf("expected no match before grants, matched=%v err=%v", matched, err)
	}
	if err := store.GrantChannel(ctx, domain.ChannelGrant{FromAgent: "a", ToAgent: "*"}); err != nil {
		t.Fatalf("grant allow: %v", err)
	}
	if err := store.GrantChannel(ctx, domain.ChannelGrant{FromAgent: "a", ToAgent: "c", Effect: domain.PermissionEffectDeny}); err != nil {
		t.Fatalf("grant deny: %v", err)
	}
	past := now.Add(-time.Minute)
	if err := store.GrantChannel(ctx, domain.ChannelGrant{FromAgent: "d", ToAgent: "b", ExpiresAt: &past}); err != nil {
		t.Fatalf("grant expired: %v", err)
	}

	if ok, _, _, err := store.CheckChannel(ctx, "a", "b", now); err != nil || !ok {
		t.Fatalf("expected a->b allowed, ok=%v err=%v", ok, err)
	}
	if ok, matched, _, err := store.CheckChannel(ctx, "a", "c", now); err != nil || ok || !matched {
		t.Fatalf("expected a->c denied, ok=%v matched=%v err=%v", ok, matched, err)
	}
	if _, matched, _, err := store.CheckChannel(ctx, "d", "b", now); err != nil || matched {
		t.Fatalf("expected expired grant ignored, matched=%v err=%v", matched, err)
	}

	if _, err := store.MembersOf(ctx, "team"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound for empty group, got %v", err)
	}
	for _, id := range []string{"a", "b", "b"} {
		if err := store.AddGroupMember(ctx, "team", id); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	members, err := store.MembersOf(ctx, "team")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members=%v want 2 unique", members)
	}
	if err := store.RemoveGroupMember(ctx, "team", "a"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	members, err = store.MembersOf(ctx, "team")
	if err != nil || len(members) != 1 || members[0] != "b" {
		t.Fatalf("members after remove=%v err=%v", members, err)
	}
}

func TestDecisionLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, action := range []string{"task_created", "task_dispatched"} {
		if err := store.LogDecision(ctx, domain.DecisionLog{
			RefID: "t-1", Actor: "orchestrator", Action: action, Reason: "test",
		}); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}
	items, err := store.ListDecisions(ctx, "t-1", 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(items) != 2 || items[0].Action != "task_dispatched" || string(items[0].Payload) != "{}" {
		t.Fatalf("unexpected decisions: %+v", items)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
