package api

import "time"

// Command is a decision produced by replaying a run's history. The
// orchestrator translates commands into events plus follow-on task enqueues.
type Command interface {
	isCommand()
}

// ScheduleActivityCommand asks for a new activity invocation.
type ScheduleActivityCommand struct {
	ActivityID string
	Activity   string
	Input      any

	// Overrides for the activity's registered defaults; zero values mean
	// "use the registered option".
	Options ActivityOptions
}

// StartTimerCommand asks for a durable timer.
type StartTimerCommand struct {
	TimerID string
	FireAt  time.Time
}

// CompleteWorkflowCommand ends the run with StatusCompleted.
type CompleteWorkflowCommand struct {
	Output any
}

// FailWorkflowCommand ends the run with StatusFailed.
type FailWorkflowCommand struct {
	Message string
}

// CancelWorkflowCommand ends the run with StatusTerminated. It is emitted
// when replay observes a cancel request in the history.
type CancelWorkflowCommand struct {
	Reason string
}

func (ScheduleActivityCommand) isCommand() {}
func (StartTimerCommand) isCommand()       {}
func (CompleteWorkflowCommand) isCommand() {}
func (FailWorkflowCommand) isCommand()     {}
func (CancelWorkflowCommand) isCommand()   {}
