package orchestrator

import (
	"sync"
	"time"

	"switchboard/internal/domain"
)

type queueEntry struct {
	TaskID       string
	Priority     domain.Priority
	ScheduledFor time.Time
	ExpiresAt    *time.Time
}

func entryFor(t domain.Task) queueEntry {
	return queueEntry{
		TaskID:       t.ID,
		Priority:     t.Priority,
		ScheduledFor: t.ScheduledFor,
		ExpiresAt:    t.ExpiresAt,
	}
}

// taskQueue holds pending tasks for one agent type: one FIFO bucket per
// priority, drained highest priority first.
type taskQueue struct {
	mu      sync.Mutex
	buckets map[domain.Priority][]queueEntry
	members map[string]struct{}

	// pass is held for a whole dispatch pass so a drain and the refill of
	// whatever could not be placed happen as one step.
	pass sync.Mutex
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		buckets: make(map[domain.Priority][]queueEntry),
		members: make(map[string]struct{}),
	}
}

// Push appends e to the back of its bucket. Tasks already queued are ignored.
func (q *taskQueue) Push(e queueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.members[e.TaskID]; ok {
		return false
	}
	q.members[e.TaskID] = struct{}{}
	q.buckets[e.Priority] = append(q.buckets[e.Priority], e)
	return true
}

// PushFront returns drained entries to the front of their buckets, keeping
// their relative order.
func (q *taskQueue) PushFront(entries []queueEntry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	grouped := make(map[domain.Priority][]queueEntry)
	for _, e := range entries {
		if _, ok := q.members[e.TaskID]; ok {
			continue
		}
		q.members[e.TaskID] = struct{}{}
		grouped[e.Priority] = append(grouped[e.Priority], e)
	}
	for p, front := range grouped {
		q.buckets[p] = append(front, q.buckets[p]...)
	}
}

// Drain removes up to limit entries that are due at now, highest priority
// first. Entries scheduled for later stay in place. Expired entries are
// removed and returned separately without counting against limit.
func (q *taskQueue) Drain(now time.Time, limit int) (ready []queueEntry, expired []queueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := domain.PriorityCritical; p >= domain.PriorityLow; p-- {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		kept := bucket[:0]
		for _, e := range bucket {
			switch {
			case e.ExpiresAt != nil && !now.Before(*e.ExpiresAt):
				expired = append(expired, e)
				delete(q.members, e.TaskID)
			case e.ScheduledFor.After(now) || len(ready) >= limit:
				kept = append(kept, e)
			default:
				ready = append(ready, e)
				delete(q.members, e.TaskID)
			}
		}
		q.buckets[p] = kept
	}
	return ready, expired
}

func (q *taskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.members[taskID]; !ok {
		return false
	}
	delete(q.members, taskID)
	for p, bucket := range q.buckets {
		for i, e := range bucket {
			if e.TaskID == taskID {
				q.buckets[p] = append(bucket[:i:i], bucket[i+1:]...)
				return true
			}
		}
	}
	return true
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.members)
}

// queueSet owns one queue per agent type. The map is fixed at construction.
type queueSet struct {
	byType map[domain.AgentType]*taskQueue
}

func newQueueSet() *queueSet {
	qs := &queueSet{byType: make(map[domain.AgentType]*taskQueue, len(domain.AgentTypes))}
	for _, t := range domain.AgentTypes {
		qs.byType[t] = newTaskQueue()
	}
	return qs
}

func (qs *queueSet) get(t domain.AgentType) *taskQueue {
	return qs.byType[t]
}

func (qs *queueSet) depths() map[domain.AgentType]int {
	out := make(map[domain.AgentType]int, len(qs.byType))
	for t, q := range qs.byType {
		out[t] = q.Len()
	}
	return out
}
