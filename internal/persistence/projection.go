package persistence

import (
	"errors"

	"github.com/ekorhonen/weft/pkg/api"
)

// ApplyProjection folds a status-affecting event into the run projection.
// The run row is only ever derived from events, never edited in place by
// callers. Store implementations outside this package (the postgres and
// redis submodules) share it.
func ApplyProjection(run *api.WorkflowRun, ev api.Event) {
	switch p := ev.Payload.(type) {
	case api.WorkflowCompletedPayload:
		run.Status = api.StatusCompleted
		run.Output = p.Output
	case api.WorkflowFailedPayload:
		run.Status = api.StatusFailed
		run.Err = errors.New(p.Message)
	case api.WorkflowTerminatedPayload:
		run.Status = api.StatusTerminated
		run.Err = errors.New("workflow terminated: " + p.Reason)
	case api.WorkflowTimedOutPayload:
		run.Status = api.StatusTimedOut
		run.Err = errors.New("workflow execution timed out")
	}
	if ev.At.After(run.UpdatedAt) {
		run.UpdatedAt = ev.At
	}
}
