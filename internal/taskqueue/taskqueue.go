package taskqueue

import (
	"context"
	"errors"
	"time"
)

// TaskKind identifies what the worker should do with a task.
type TaskKind string

const (
	// TaskKindDecision means "this workflow run is ready to make progress".
	TaskKindDecision TaskKind = "decision"

	// TaskKindActivity means one activity attempt must execute.
	TaskKindActivity TaskKind = "activity"

	// TaskKindTimer means a durable timer is due.
	TaskKindTimer TaskKind = "timer"
)

var (
	// ErrLeaseLost is returned by Ack, Nack and RenewLease when the caller no
	// longer holds the task's lease (it expired or the task was removed).
	ErrLeaseLost = errors.New("task lease lost")
)

// Task is a unit of work referencing a workflow run (decision), a specific
// activity attempt, or a due timer.
type Task struct {
	ID    string
	Queue string
	Kind  TaskKind

	RunID string

	// For activity tasks.
	ActivityID string
	Attempt    int

	// For timer tasks.
	TimerID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for delivery.
	// Zero means "immediately".
	NotBefore time.Time

	// Attempts is the number of deliveries of this task so far, including
	// the current one. Maintained by the queue.
	Attempts int
}

// Queue is a durable task queue with visibility-timeout leases.
//
// A dequeued task is leased, not removed: Ack removes it permanently, while
// Nack or lease expiry makes it eligible for redelivery with an incremented
// delivery count. No task is ever held by two owners at once; delivery is
// at-least-once. FIFO ordering is best effort.
type Queue interface {
	// Enqueue adds a task, honoring Task.NotBefore. An ID already present,
	// queued or leased, is left untouched, so callers may use deterministic
	// IDs to make recovery enqueues idempotent.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task on the named queue is available or ctx is
	// cancelled, then leases it to owner for leaseTTL.
	Dequeue(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task permanently. It fails with ErrLeaseLost once
	// the owner's lease has lapsed, even if no one reclaimed the task yet.
	Ack(ctx context.Context, taskID string, owner string) error

	// Nack releases a live lease, making the task deliverable again no
	// earlier than notBefore.
	Nack(ctx context.Context, taskID string, owner string, notBefore time.Time) error

	// RenewLease extends the lease while the owner is still working.
	RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks on the named queue,
	// including leased ones.
	Len(queue string) int
}
