// Package replay reconstructs workflow state by re-processing a run's event
// history from the start. Replay is pure: given an identical history it
// produces identical commands, which is what lets the engine recover any
// run's progress after a crash instead of persisting derived state.
package replay

import (
	"fmt"
	"time"

	"github.com/ekorhonen/weft/pkg/api"
)

// Result is the outcome of one replay pass.
type Result struct {
	// Status is RUNNING while the run is open; a terminal status means the
	// history already contains a terminal event and no commands follow.
	Status api.Status

	// Commands are the decisions the orchestrator must apply, in order.
	// Empty with StatusRunning means the run is parked on an outstanding
	// activity or timer.
	Commands []api.Command
}

// parsed is the structured view of one history.
type parsed struct {
	workflow   string
	workflowID string
	input      any
	startedAt  time.Time

	activities map[string]*api.ActivityRecord
	timers     map[string]*api.TimerRecord

	status       api.Status
	cancelReason string
	canceled     bool
}

// Replay runs fn against the recorded history and derives the next commands.
// It never touches the outside world: recorded activity outcomes are reused,
// handlers are not invoked.
func Replay(runID string, fn api.WorkflowFunc, history []api.Event) (*Result, error) {
	p, err := parse(history)
	if err != nil {
		return nil, err
	}

	if p.status.Terminal() {
		return &Result{Status: p.status}, nil
	}

	// A cancel request precedes any scheduling decision that would otherwise
	// continue the run: the workflow function is not consulted again.
	if p.canceled {
		return &Result{
			Status:   api.StatusRunning,
			Commands: []api.Command{api.CancelWorkflowCommand{Reason: p.cancelReason}},
		}, nil
	}

	wctx := api.NewWorkflowContext(api.ContextSeed{
		Workflow:   p.workflow,
		WorkflowID: p.workflowID,
		RunID:      runID,
		StartedAt:  p.startedAt,
		Activities: p.activities,
		Timers:     p.timers,
	})

	out, err := fn(wctx, p.input)

	if ndErr := wctx.NondeterminismError(); ndErr != nil {
		return nil, ndErr
	}

	switch {
	case api.IsSuspend(err):
		return &Result{Status: api.StatusRunning, Commands: wctx.Commands()}, nil

	case err == nil && wctx.Suspended():
		// The function swallowed a suspension and returned anyway; its
		// control flow no longer matches what the history records.
		return nil, fmt.Errorf("%w: workflow returned while awaiting history", api.ErrNondeterminism)

	case err != nil:
		return &Result{
			Status:   api.StatusRunning,
			Commands: []api.Command{api.FailWorkflowCommand{Message: err.Error()}},
		}, nil

	default:
		return &Result{
			Status:   api.StatusRunning,
			Commands: []api.Command{api.CompleteWorkflowCommand{Output: out}},
		}, nil
	}
}

func parse(history []api.Event) (*parsed, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty history")
	}
	first, ok := history[0].Payload.(api.WorkflowStartedPayload)
	if !ok {
		return nil, fmt.Errorf("history does not begin with %s", api.EventWorkflowStarted)
	}

	p := &parsed{
		workflow:   first.Workflow,
		workflowID: first.WorkflowID,
		input:      first.Input,
		startedAt:  history[0].At,
		activities: make(map[string]*api.ActivityRecord),
		timers:     make(map[string]*api.TimerRecord),
		status:     api.StatusRunning,
	}

	for _, ev := range history[1:] {
		switch pl := ev.Payload.(type) {
		case api.ActivityScheduledPayload:
			rec := p.activity(pl.ActivityID)
			rec.Activity = pl.Activity
			if pl.Attempt > rec.Attempts {
				rec.Attempts = pl.Attempt
			}

		case api.ActivityCompletedPayload:
			rec := p.activity(pl.ActivityID)
			rec.Completed = true
			rec.Output = pl.Output
			rec.CompletedAt = ev.At

		case api.ActivityFailedPayload:
			rec := p.activity(pl.ActivityID)
			rec.Failed = true
			rec.Failure = &api.ActivityError{
				Activity:   rec.Activity,
				ActivityID: pl.ActivityID,
				Attempt:    pl.Attempt,
				Category:   pl.Category,
				Message:    pl.Message,
			}

		case api.TimerStartedPayload:
			p.timers[pl.TimerID] = &api.TimerRecord{FireAt: pl.FireAt}

		case api.TimerFiredPayload:
			rec := p.timers[pl.TimerID]
			if rec == nil {
				rec = &api.TimerRecord{}
				p.timers[pl.TimerID] = rec
			}
			rec.Fired = true
			rec.FiredAt = ev.At

		case api.CancelRequestedPayload:
			p.canceled = true
			p.cancelReason = pl.Reason

		case api.WorkflowCompletedPayload:
			p.status = api.StatusCompleted
		case api.WorkflowFailedPayload:
			p.status = api.StatusFailed
		case api.WorkflowTerminatedPayload:
			p.status = api.StatusTerminated
		case api.WorkflowTimedOutPayload:
			p.status = api.StatusTimedOut
		}
	}
	return p, nil
}

func (p *parsed) activity(id string) *api.ActivityRecord {
	rec, ok := p.activities[id]
	if !ok {
		rec = &api.ActivityRecord{}
		p.activities[id] = rec
	}
	return rec
}
