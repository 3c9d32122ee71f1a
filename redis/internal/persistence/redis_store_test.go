package persistence

import (
	"errors"
	"time"

	"github.com/ekorhonen/weft/pkg/api"
)

func (r *RedisStoreTestSuite) TestCreateRunAndReadBack() {
	run, started := newRun("wf-1", "run-1")

	err := r.store.CreateRun(r.ctx, run, started, false)
	r.NoErrorf(err, "CreateRun failed: %v", err)

	got, err := r.store.GetRun(r.ctx, "wf-1")
	r.NoErrorf(err, "GetRun failed: %v", err)
	r.Equal("run-1", got.RunID)
	r.Equal(api.StatusRunning, got.Status)
	r.Equal("in", got.Input)

	byID, err := r.store.GetRunByID(r.ctx, "run-1")
	r.NoErrorf(err, "GetRunByID failed: %v", err)
	r.Equal("wf-1", byID.WorkflowID)

	events, version, err := r.store.ReadEvents(r.ctx, "run-1", 0)
	r.NoErrorf(err, "ReadEvents failed: %v", err)
	r.Equal(1, version)
	r.Len(events, 1)
	r.Equal(api.EventWorkflowStarted, events[0].Type)
	r.Equal(1, events[0].Seq)

	payload, ok := events[0].Payload.(api.WorkflowStartedPayload)
	r.Truef(ok, "expected WorkflowStartedPayload, got %T", events[0].Payload)
	r.Equal("wf-1", payload.WorkflowID)
}

func (r *RedisStoreTestSuite) TestAppendEventsVersionConflict() {
	run, started := newRun("wf-1", "run-1")
	r.NoError(r.store.CreateRun(r.ctx, run, started, false))

	ev := api.Event{
		Type:    api.EventActivityScheduled,
		Payload: api.ActivityScheduledPayload{ActivityID: "activity-1", Activity: "charge", Attempt: 1},
	}

	version, err := r.store.AppendEvents(r.ctx, "run-1", 1, []api.Event{ev})
	r.NoErrorf(err, "AppendEvents failed: %v", err)
	r.Equal(2, version)

	// A second append against the version we already consumed loses.
	_, err = r.store.AppendEvents(r.ctx, "run-1", 1, []api.Event{ev})
	r.ErrorIs(err, api.ErrConcurrencyConflict)

	_, err = r.store.AppendEvents(r.ctx, "missing", 1, []api.Event{ev})
	r.ErrorIs(err, api.ErrRunNotFound)
}

func (r *RedisStoreTestSuite) TestTerminalEventUpdatesProjection() {
	run, started := newRun("wf-1", "run-1")
	r.NoError(r.store.CreateRun(r.ctx, run, started, false))

	done := api.Event{
		Type:    api.EventWorkflowCompleted,
		Payload: api.WorkflowCompletedPayload{Output: "out"},
	}
	_, err := r.store.AppendEvents(r.ctx, "run-1", 1, []api.Event{done})
	r.NoErrorf(err, "AppendEvents failed: %v", err)

	got, err := r.store.GetRunByID(r.ctx, "run-1")
	r.NoErrorf(err, "GetRunByID failed: %v", err)
	r.Equal(api.StatusCompleted, got.Status)
	r.Equal("out", got.Output)

	// Terminal runs accept no further events.
	_, err = r.store.AppendEvents(r.ctx, "run-1", 2, []api.Event{done})
	r.ErrorIs(err, api.ErrConcurrencyConflict)
}

func (r *RedisStoreTestSuite) TestFailedProjectionCarriesError() {
	run, started := newRun("wf-1", "run-1")
	r.NoError(r.store.CreateRun(r.ctx, run, started, false))

	failed := api.Event{
		Type:    api.EventWorkflowFailed,
		Payload: api.WorkflowFailedPayload{Message: "charge declined"},
	}
	_, err := r.store.AppendEvents(r.ctx, "run-1", 1, []api.Event{failed})
	r.NoErrorf(err, "AppendEvents failed: %v", err)

	got, err := r.store.GetRunByID(r.ctx, "run-1")
	r.NoErrorf(err, "GetRunByID failed: %v", err)
	r.Equal(api.StatusFailed, got.Status)
	r.Require().NotNil(got.Err)
	r.Equal("charge declined", got.Err.Error())
}

func (r *RedisStoreTestSuite) TestReadEventsFromVersion() {
	run, started := newRun("wf-1", "run-1")
	r.NoError(r.store.CreateRun(r.ctx, run, started, false))

	for i := 0; i < 3; i++ {
		ev := api.Event{
			Type:    api.EventActivityScheduled,
			Payload: api.ActivityScheduledPayload{ActivityID: "activity-1", Activity: "charge", Attempt: i + 1},
		}
		_, err := r.store.AppendEvents(r.ctx, "run-1", 1+i, []api.Event{ev})
		r.NoErrorf(err, "AppendEvents %d failed: %v", i, err)
	}

	events, version, err := r.store.ReadEvents(r.ctx, "run-1", 2)
	r.NoErrorf(err, "ReadEvents failed: %v", err)
	r.Equal(4, version)
	r.Len(events, 2)
	r.Equal(3, events[0].Seq)
	r.Equal(4, events[1].Seq)
}

func (r *RedisStoreTestSuite) TestRejectDuplicateOpenWorkflow() {
	run, started := newRun("wf-1", "run-1")
	r.NoError(r.store.CreateRun(r.ctx, run, started, true))

	dup, dupStarted := newRun("wf-1", "run-2")
	err := r.store.CreateRun(r.ctx, dup, dupStarted, true)
	r.ErrorIs(err, api.ErrAlreadyExists)

	// Once the first run is terminal the workflow ID is reusable.
	done := api.Event{
		Type:    api.EventWorkflowCompleted,
		Payload: api.WorkflowCompletedPayload{Output: "out"},
	}
	_, err = r.store.AppendEvents(r.ctx, "run-1", 1, []api.Event{done})
	r.NoError(err)

	reuse, reuseStarted := newRun("wf-1", "run-3")
	reuse.CreatedAt = time.Now().Add(time.Millisecond)
	err = r.store.CreateRun(r.ctx, reuse, reuseStarted, true)
	r.NoErrorf(err, "CreateRun after terminal failed: %v", err)

	// GetRun resolves to the newest run for the workflow ID.
	got, err := r.store.GetRun(r.ctx, "wf-1")
	r.NoError(err)
	r.Equal("run-3", got.RunID)
}

func (r *RedisStoreTestSuite) TestListRunsFilters() {
	specs := []struct {
		workflowID string
		runID      string
		workflow   string
		terminal   bool
	}{
		{"wf-1", "run-1", "order-flow", true},
		{"wf-2", "run-2", "order-flow", false},
		{"wf-3", "run-3", "billing-flow", false},
	}
	for _, spec := range specs {
		run, started := newRun(spec.workflowID, spec.runID)
		run.Workflow = spec.workflow
		r.NoError(r.store.CreateRun(r.ctx, run, started, false))
		if spec.terminal {
			done := api.Event{
				Type:    api.EventWorkflowCompleted,
				Payload: api.WorkflowCompletedPayload{Output: "out"},
			}
			_, err := r.store.AppendEvents(r.ctx, spec.runID, 1, []api.Event{done})
			r.NoError(err)
		}
	}

	all, err := r.store.ListRuns(r.ctx, api.RunListOptions{})
	r.NoError(err)
	r.Len(all, 3)

	orders, err := r.store.ListRuns(r.ctx, api.RunListOptions{Workflow: "order-flow"})
	r.NoError(err)
	r.Len(orders, 2)

	running, err := r.store.ListRuns(r.ctx, api.RunListOptions{Status: api.StatusRunning})
	r.NoError(err)
	r.Len(running, 2)

	both, err := r.store.ListRuns(r.ctx, api.RunListOptions{Workflow: "order-flow", Status: api.StatusCompleted})
	r.NoError(err)
	r.Require().Len(both, 1)
	r.Equal("run-1", both[0].RunID)
}

func (r *RedisStoreTestSuite) TestGetRunUnknownID() {
	_, err := r.store.GetRun(r.ctx, "nope")
	r.True(errors.Is(err, api.ErrRunNotFound))

	_, err = r.store.GetRunByID(r.ctx, "nope")
	r.True(errors.Is(err, api.ErrRunNotFound))
}
