package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(WorkflowStartedPayload{})
	gob.Register(ActivityScheduledPayload{})
	gob.Register(ActivityCompletedPayload{})
	gob.Register(ActivityFailedPayload{})
	gob.Register(TimerStartedPayload{})
	gob.Register(TimerFiredPayload{})
	gob.Register(CancelRequestedPayload{})
	gob.Register(WorkflowCompletedPayload{})
	gob.Register(WorkflowFailedPayload{})
	gob.Register(WorkflowTerminatedPayload{})
	gob.Register(WorkflowTimedOutPayload{})

	// Common container shapes for workflow inputs and outputs. Anything
	// else crossing the Input/Output interfaces must be registered by the
	// application.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted         EventType = "workflow.started"
	EventActivityScheduled       EventType = "activity.scheduled"
	EventActivityCompleted       EventType = "activity.completed"
	EventActivityFailed          EventType = "activity.failed"
	EventTimerStarted            EventType = "timer.started"
	EventTimerFired              EventType = "timer.fired"
	EventWorkflowCancelRequested EventType = "workflow.cancel_requested"
	EventWorkflowCompleted       EventType = "workflow.completed"
	EventWorkflowFailed          EventType = "workflow.failed"
	EventWorkflowTerminated      EventType = "workflow.terminated"
	EventWorkflowTimedOut        EventType = "workflow.timed_out"
)

// Event is one immutable record in a run's history. Events for a run form a
// total order by Seq; replaying them in order is deterministic and has no
// external side effects (activity outcomes are reused, never re-executed).
type Event struct {
	RunID string

	// Seq is the 1-based position within the run's history. It is assigned by
	// the event log on append.
	Seq int

	Type EventType
	At   time.Time

	// Payload is one of the *Payload structs in this file, matching Type.
	Payload any
}

// WorkflowStartedPayload opens every history.
type WorkflowStartedPayload struct {
	Workflow   string
	WorkflowID string
	Input      any

	// ExecutionTimeout bounds the run; zero means unlimited.
	ExecutionTimeout time.Duration
}

// ActivityScheduledPayload records one attempt of an activity invocation.
// Retries append a new ActivityScheduled event sharing the same ActivityID
// with an incremented Attempt.
type ActivityScheduledPayload struct {
	ActivityID string
	Activity   string
	Input      any
	Attempt    int

	// Policy and timeouts resolved at schedule time.
	Retry           RetryPolicy
	StartToClose    time.Duration
	ScheduleToClose time.Duration
}

type ActivityCompletedPayload struct {
	ActivityID string
	Attempt    int
	Output     any
}

// ActivityFailedPayload is terminal for the invocation: it is appended only
// once retries are exhausted or the category is non-retryable.
type ActivityFailedPayload struct {
	ActivityID string
	Attempt    int
	Category   string
	Message    string
}

type TimerStartedPayload struct {
	TimerID string
	FireAt  time.Time
}

type TimerFiredPayload struct {
	TimerID string
}

// CancelRequestedPayload is injected into the ordered history like any other
// event; the next decision cycle observes it and ends the run TERMINATED.
type CancelRequestedPayload struct {
	Reason string
}

type WorkflowCompletedPayload struct {
	Output any
}

type WorkflowFailedPayload struct {
	Message string
}

type WorkflowTerminatedPayload struct {
	Reason string
}

type WorkflowTimedOutPayload struct{}
