package api

import "context"

// Engine is the durable workflow engine API.
//
// The engine itself is stateless between decision cycles: all durable
// progress lives in the event log, so multiple engine/worker instances may
// run against the same store without coordination beyond the log's
// optimistic version check.
type Engine interface {
	// RegisterWorkflow registers deterministic workflow logic under a type
	// name. Names must be unique.
	RegisterWorkflow(name string, fn WorkflowFunc) error

	// RegisterActivity registers an activity handler with its default retry
	// policy and timeouts. Names must be unique.
	RegisterActivity(name string, fn ActivityFunc, opts ActivityOptions) error

	// StartWorkflow appends WorkflowStarted and enqueues the first decision
	// task. With StartOptions.RejectDuplicate set it fails with
	// ErrAlreadyExists when an open run shares the workflow ID.
	StartWorkflow(ctx context.Context, workflow string, input any, opts StartOptions) (*WorkflowRun, error)

	// GetRun returns the latest run for a workflow ID.
	GetRun(ctx context.Context, workflowID string) (*WorkflowRun, error)

	// GetResult blocks until the latest run for workflowID reaches a terminal
	// status or ctx expires. Callers bound the wait through ctx.
	GetResult(ctx context.Context, workflowID string) (*WorkflowRun, error)

	// ListRuns returns runs matching the given options.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*WorkflowRun, error)

	// RequestCancel injects a cancel request into the run's history. The
	// cancellation is cooperative: it takes effect at the next decision
	// cycle, and in-flight activity attempts are not killed.
	RequestCancel(ctx context.Context, workflowID string, reason string) error

	// GetHistory returns the ordered event history of the latest run for
	// workflowID.
	GetHistory(ctx context.Context, workflowID string) ([]Event, error)

	TaskHandler
}

// TaskHandler is the engine face the worker runtime drives. Each method
// processes one dequeued task; ErrConcurrencyConflict means another worker
// advanced the run and the task should be redelivered, not acked.
type TaskHandler interface {
	// HandleDecision replays the run's history and applies the resulting
	// commands with an optimistic version check.
	HandleDecision(ctx context.Context, runID string) error

	// HandleActivity executes one activity attempt with its start-to-close
	// deadline and records the outcome (or schedules a retry).
	HandleActivity(ctx context.Context, runID, activityID string, attempt int) error

	// HandleTimer records TimerFired (or times out the whole run for the
	// execution-timeout timer) once the timer's due time has passed.
	HandleTimer(ctx context.Context, runID, timerID string) error
}
