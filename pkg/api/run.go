package api

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow run.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTerminated Status = "TERMINATED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether s is a final status. Terminal runs accept no
// further events.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusTimedOut:
		return true
	}
	return false
}

var (
	// ErrConcurrencyConflict is returned by the event log when an append's
	// expected version does not match the log's current length for that run.
	// It is benign: the caller re-reads the history and decides again.
	ErrConcurrencyConflict = errors.New("event log version conflict")

	// ErrAlreadyExists is returned by StartWorkflow when an open run with the
	// same workflow ID exists and the reject-duplicate policy is set.
	ErrAlreadyExists = errors.New("open run with this workflow id already exists")

	// ErrRunNotFound is returned when no run matches the given workflow ID.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrNondeterminism indicates that replaying a run's history produced
	// decisions inconsistent with what was previously recorded. The run is
	// failed; it is never silently patched over.
	ErrNondeterminism = errors.New("workflow nondeterminism detected")

	// ErrStillRunning is returned by non-blocking result queries when the run
	// has not reached a terminal status yet.
	ErrStillRunning = errors.New("workflow run still in progress")
)

// WorkflowRun is one durable execution of a workflow definition, identified
// by (WorkflowID, RunID). It is owned by the event log: all mutation happens
// by appending events, and the fields here are a projection kept by the store.
type WorkflowRun struct {
	WorkflowID string
	RunID      string

	// Workflow is the registered workflow type name.
	Workflow string

	Status Status
	Input  any

	// Output and Err are populated once the run is terminal.
	Output any
	Err    error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RetryPolicy controls how an activity invocation is retried. It is resolved
// when the activity is first scheduled and is immutable for the lifetime of
// that invocation.
//
// MaxAttempts includes the first attempt; 0 means unlimited, bounded only by
// ScheduleToClose on the activity.
type RetryPolicy struct {
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	MaxAttempts       int

	// NonRetryable lists failure categories that end the invocation
	// immediately regardless of the remaining attempt budget.
	NonRetryable []string
}

// Failure categories. Activities attach a category to errors via
// WithCategory; uncategorized errors default to CategoryTransient.
const (
	CategoryTransient = "transient"
	CategoryTerminal  = "terminal"
	CategoryTimeout   = "timeout"
)

// CategorizedError carries a failure category so the retry policy engine can
// classify a handler error.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// WithCategory wraps err with a failure category.
func WithCategory(err error, category string) error {
	return &CategorizedError{Category: category, Err: err}
}

// NewTerminalError marks err as non-retryable regardless of policy.
func NewTerminalError(err error) error {
	return &CategorizedError{Category: CategoryTerminal, Err: err}
}

// Categorize returns the failure category of err, defaulting to
// CategoryTransient for plain errors.
func Categorize(err error) string {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryTransient
}

// ActivityError is the recorded terminal failure of an activity invocation.
// Workflow code receives it from ExecuteActivity once retries are exhausted
// or the failure category is non-retryable.
type ActivityError struct {
	Activity   string
	ActivityID string
	Attempt    int
	Category   string
	Message    string
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (%s) failed after %d attempt(s): %s",
		e.Activity, e.ActivityID, e.Attempt, e.Message)
}

// StartOptions controls StartWorkflow.
type StartOptions struct {
	// WorkflowID identifies the logical workflow. Generated when empty.
	WorkflowID string

	// RejectDuplicate makes StartWorkflow fail with ErrAlreadyExists when an
	// open (non-terminal) run with the same WorkflowID exists.
	RejectDuplicate bool

	// ExecutionTimeout bounds the whole run; when exceeded the run is moved
	// to StatusTimedOut. Zero means no limit.
	ExecutionTimeout time.Duration
}

// RunListOptions filters ListRuns. Zero values mean "no filter".
type RunListOptions struct {
	Workflow string
	Status   Status
}
