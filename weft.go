package weft

import (
	"context"

	"github.com/ekorhonen/weft/internal/taskqueue"
	"github.com/ekorhonen/weft/pkg/api"
)

// Queue is the task transport contract shared by all backends. Additional
// implementations live in the postgres and redis submodules.
type Queue = taskqueue.Queue

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine          = api.Engine
	TaskHandler     = api.TaskHandler
	WorkflowRun     = api.WorkflowRun
	RunListOptions  = api.RunListOptions
	StartOptions    = api.StartOptions
	Status          = api.Status
	Event           = api.Event
	EventType       = api.EventType
	WorkflowContext = api.WorkflowContext
	WorkflowFunc    = api.WorkflowFunc
	ActivityFunc    = api.ActivityFunc
	ActivityOptions = api.ActivityOptions
	ActivityOption  = api.ActivityOption
	ActivityError   = api.ActivityError
	RetryPolicy     = api.RetryPolicy

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	NewTerminalError = api.NewTerminalError
	WithCategory     = api.WithCategory

	WithRetry           = api.WithRetry
	WithStartToClose    = api.WithStartToClose
	WithScheduleToClose = api.WithScheduleToClose
)

// Re-export sentinel errors for convenience.

var (
	ErrConcurrencyConflict = api.ErrConcurrencyConflict
	ErrAlreadyExists       = api.ErrAlreadyExists
	ErrRunNotFound         = api.ErrRunNotFound
	ErrNondeterminism      = api.ErrNondeterminism
	ErrStillRunning        = api.ErrStillRunning
)

// Re-export status and failure category values.

const (
	StatusRunning    = api.StatusRunning
	StatusCompleted  = api.StatusCompleted
	StatusFailed     = api.StatusFailed
	StatusTerminated = api.StatusTerminated
	StatusTimedOut   = api.StatusTimedOut

	CategoryTransient = api.CategoryTransient
	CategoryTerminal  = api.CategoryTerminal
	CategoryTimeout   = api.CategoryTimeout
)

// Convenience helpers that just forward to the underlying Engine.

// Start begins an asynchronous run of a registered workflow.
func Start(ctx context.Context, eng Engine, workflow string, input any, opts StartOptions) (*WorkflowRun, error) {
	return eng.StartWorkflow(ctx, workflow, input, opts)
}

// Result blocks until the run identified by workflowID is terminal, or ctx
// expires (ErrStillRunning).
func Result(ctx context.Context, eng Engine, workflowID string) (*WorkflowRun, error) {
	return eng.GetResult(ctx, workflowID)
}

// Cancel requests cooperative cancellation of an open run.
func Cancel(ctx context.Context, eng Engine, workflowID, reason string) error {
	return eng.RequestCancel(ctx, workflowID, reason)
}
