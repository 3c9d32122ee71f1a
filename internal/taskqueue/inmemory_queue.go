package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryQueue is a Queue implementation backed by maps, with the same
// lease semantics as the durable backends. It is safe for concurrent use.
type InMemoryQueue struct {
	mu           sync.Mutex
	entries      map[string]*memEntry
	pollInterval time.Duration
}

type memEntry struct {
	task       Task
	leaseOwner string
	leaseUntil time.Time
}

// NewInMemoryQueue creates a new in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries:      make(map[string]*memEntry),
		pollInterval: 5 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[t.ID]; ok {
		return nil
	}
	q.entries[t.ID] = &memEntry{task: t}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if t := q.tryClaim(queue, owner, leaseTTL); t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// tryClaim leases the oldest eligible task, if any.
func (q *InMemoryQueue) tryClaim(queue string, owner string, leaseTTL time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *memEntry
	for _, e := range q.entries {
		if e.task.Queue != queue {
			continue
		}
		if !e.task.NotBefore.IsZero() && e.task.NotBefore.After(now) {
			continue
		}
		if e.leaseOwner != "" && e.leaseUntil.After(now) {
			continue
		}
		if best == nil || e.task.EnqueuedAt.Before(best.task.EnqueuedAt) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	best.leaseOwner = owner
	best.leaseUntil = now.Add(leaseTTL)
	best.task.Attempts++
	copied := best.task
	return &copied
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID string, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || e.leaseOwner != owner || !e.leaseUntil.After(time.Now()) {
		return ErrLeaseLost
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || e.leaseOwner != owner || !e.leaseUntil.After(time.Now()) {
		return ErrLeaseLost
	}
	e.leaseOwner = ""
	e.leaseUntil = time.Time{}
	e.task.NotBefore = notBefore
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || e.leaseOwner != owner || !e.leaseUntil.After(time.Now()) {
		return ErrLeaseLost
	}
	e.leaseUntil = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.task.Queue == queue {
			n++
		}
	}
	return n
}
