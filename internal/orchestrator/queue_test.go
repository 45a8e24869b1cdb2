package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

func ids(entries []queueEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TaskID)
	}
	return out
}

func TestQueueDrainsByPriorityThenFIFO(t *testing.T) {
	q := newTaskQueue()
	now := time.Now().UTC()
	q.Push(queueEntry{TaskID: "low-1", Priority: domain.PriorityLow, ScheduledFor: now})
	q.Push(queueEntry{TaskID: "high-1", Priority: domain.PriorityHigh, ScheduledFor: now})
	q.Push(queueEntry{TaskID: "low-2", Priority: domain.PriorityLow, ScheduledFor: now})
	q.Push(queueEntry{TaskID: "crit-1", Priority: domain.PriorityCritical, ScheduledFor: now})
	q.Push(queueEntry{TaskID: "high-2", Priority: domain.PriorityHigh, ScheduledFor: now})

	assert.False(t, q.Push(queueEntry{TaskID: "low-1", Priority: domain.PriorityLow}), "duplicate push must be ignored")

	ready, expired := q.Drain(now, 3)
	assert.Empty(t, expired)
	assert.Equal(t, []string{"crit-1", "high-1", "high-2"}, ids(ready))
	assert.Equal(t, 2, q.Len())

	q.PushFront(ready[1:])
	ready, _ = q.Drain(now, 10)
	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, ids(ready))
	assert.Equal(t, 0, q.Len())
}

func TestQueueHoldsScheduledAndReapsExpired(t *testing.T) {
	q := newTaskQueue()
	now := time.Now().UTC()
	past := now.Add(-time.Second)
	q.Push(queueEntry{TaskID: "later", Priority: domain.PriorityHigh, ScheduledFor: now.Add(time.Minute)})
	q.Push(queueEntry{TaskID: "gone", Priority: domain.PriorityHigh, ScheduledFor: now, ExpiresAt: &past})
	q.Push(queueEntry{TaskID: "now", Priority: domain.PriorityLow, ScheduledFor: now})

	ready, expired := q.Drain(now, 0)
	assert.Empty(t, ready)
	assert.Equal(t, []string{"gone"}, ids(expired))

	ready, _ = q.Drain(now, 5)
	assert.Equal(t, []string{"now"}, ids(ready))
	require.Equal(t, 1, q.Len())

	ready, _ = q.Drain(now.Add(2*time.Minute), 5)
	assert.Equal(t, []string{"later"}, ids(ready))
}

func TestQueueRemove(t *testing.T) {
	q := newTaskQueue()
	q.Push(queueEntry{TaskID: "a", Priority: domain.PriorityMedium})
	q.Push(queueEntry{TaskID: "b", Priority: domain.PriorityMedium})
	q.Push(queueEntry{TaskID: "c", Priority: domain.PriorityMedium})

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))

	ready, _ := q.Drain(time.Now(), 10)
	assert.Equal(t, []string{"a", "c"}, ids(ready))
}
