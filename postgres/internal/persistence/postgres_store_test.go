package persistence

import (
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/ekorhonen/weft/pkg/api"
)

func (p *PostgresStoreTestSuite) TestCreateRunAndReadBack() {
	run, started := newRun("wf-1", "run-1")

	err := p.store.CreateRun(p.ctx, run, started, false)
	p.NoErrorf(err, "CreateRun failed: %v", err)

	got, err := p.store.GetRun(p.ctx, "wf-1")
	p.NoErrorf(err, "GetRun failed: %v", err)
	p.Equal("run-1", got.RunID)
	p.Equal(api.StatusRunning, got.Status)
	p.Equal("in", got.Input)

	byID, err := p.store.GetRunByID(p.ctx, "run-1")
	p.NoErrorf(err, "GetRunByID failed: %v", err)
	p.Equal("wf-1", byID.WorkflowID)

	events, version, err := p.store.ReadEvents(p.ctx, "run-1", 0)
	p.NoErrorf(err, "ReadEvents failed: %v", err)
	p.Equal(1, version)
	p.Len(events, 1)
	p.Equal(api.EventWorkflowStarted, events[0].Type)
	p.Equal(1, events[0].Seq)

	payload, ok := events[0].Payload.(api.WorkflowStartedPayload)
	p.Truef(ok, "expected WorkflowStartedPayload, got %T", events[0].Payload)
	p.Equal("wf-1", payload.WorkflowID)
}

func (p *PostgresStoreTestSuite) TestAppendEventsVersionConflict() {
	run, started := newRun("wf-1", "run-1")
	p.NoError(p.store.CreateRun(p.ctx, run, started, false))

	ev := api.Event{
		Type:    api.EventActivityScheduled,
		Payload: api.ActivityScheduledPayload{ActivityID: "activity-1", Activity: "charge", Attempt: 1},
	}

	version, err := p.store.AppendEvents(p.ctx, "run-1", 1, []api.Event{ev})
	p.NoErrorf(err, "AppendEvents failed: %v", err)
	p.Equal(2, version)

	// A second append against the version we already consumed loses.
	_, err = p.store.AppendEvents(p.ctx, "run-1", 1, []api.Event{ev})
	p.ErrorIs(err, api.ErrConcurrencyConflict)

	_, err = p.store.AppendEvents(p.ctx, "missing", 1, []api.Event{ev})
	p.ErrorIs(err, api.ErrRunNotFound)
}

func (p *PostgresStoreTestSuite) TestTerminalEventUpdatesProjection() {
	run, started := newRun("wf-1", "run-1")
	p.NoError(p.store.CreateRun(p.ctx, run, started, false))

	done := api.Event{
		Type:    api.EventWorkflowCompleted,
		Payload: api.WorkflowCompletedPayload{Output: "out"},
	}
	_, err := p.store.AppendEvents(p.ctx, "run-1", 1, []api.Event{done})
	p.NoErrorf(err, "AppendEvents failed: %v", err)

	got, err := p.store.GetRunByID(p.ctx, "run-1")
	p.NoErrorf(err, "GetRunByID failed: %v", err)
	p.Equal(api.StatusCompleted, got.Status)
	p.Equal("out", got.Output)

	// Terminal runs accept no further events.
	_, err = p.store.AppendEvents(p.ctx, "run-1", 2, []api.Event{done})
	p.ErrorIs(err, api.ErrConcurrencyConflict)
}

func (p *PostgresStoreTestSuite) TestFailedProjectionCarriesError() {
	run, started := newRun("wf-1", "run-1")
	p.NoError(p.store.CreateRun(p.ctx, run, started, false))

	failed := api.Event{
		Type:    api.EventWorkflowFailed,
		Payload: api.WorkflowFailedPayload{Message: "charge declined"},
	}
	_, err := p.store.AppendEvents(p.ctx, "run-1", 1, []api.Event{failed})
	p.NoErrorf(err, "AppendEvents failed: %v", err)

	got, err := p.store.GetRunByID(p.ctx, "run-1")
	p.NoErrorf(err, "GetRunByID failed: %v", err)
	p.Equal(api.StatusFailed, got.Status)
	p.Require().NotNil(got.Err)
	p.Equal("charge declined", got.Err.Error())
}

func (p *PostgresStoreTestSuite) TestReadEventsFromVersion() {
	run, started := newRun("wf-1", "run-1")
	p.NoError(p.store.CreateRun(p.ctx, run, started, false))

	for i := 0; i < 3; i++ {
		ev := api.Event{
			Type:    api.EventActivityScheduled,
			Payload: api.ActivityScheduledPayload{ActivityID: "activity-1", Activity: "charge", Attempt: i + 1},
		}
		_, err := p.store.AppendEvents(p.ctx, "run-1", 1+i, []api.Event{ev})
		p.NoErrorf(err, "AppendEvents %d failed: %v", i, err)
	}

	events, version, err := p.store.ReadEvents(p.ctx, "run-1", 2)
	p.NoErrorf(err, "ReadEvents failed: %v", err)
	p.Equal(4, version)
	p.Len(events, 2)
	p.Equal(3, events[0].Seq)
	p.Equal(4, events[1].Seq)
}

func (p *PostgresStoreTestSuite) TestRejectDuplicateOpenWorkflow() {
	run, started := newRun("wf-1", "run-1")
	p.NoError(p.store.CreateRun(p.ctx, run, started, true))

	dup, dupStarted := newRun("wf-1", "run-2")
	err := p.store.CreateRun(p.ctx, dup, dupStarted, true)
	p.ErrorIs(err, api.ErrAlreadyExists)

	// Once the first run is terminal the workflow ID is reusable.
	done := api.Event{
		Type:    api.EventWorkflowCompleted,
		Payload: api.WorkflowCompletedPayload{Output: "out"},
	}
	_, err = p.store.AppendEvents(p.ctx, "run-1", 1, []api.Event{done})
	p.NoError(err)

	reuse, reuseStarted := newRun("wf-1", "run-3")
	reuse.CreatedAt = time.Now().Add(time.Millisecond)
	err = p.store.CreateRun(p.ctx, reuse, reuseStarted, true)
	p.NoErrorf(err, "CreateRun after terminal failed: %v", err)

	// GetRun resolves to the newest run for the workflow ID.
	got, err := p.store.GetRun(p.ctx, "wf-1")
	p.NoError(err)
	p.Equal("run-3", got.RunID)
}

func (p *PostgresStoreTestSuite) TestListRunsFilters() {
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
		p.NoError(p.store.CreateRun(p.ctx, run, started, false))
		if spec.terminal {
			done := api.Event{
				Type:    api.EventWorkflowCompleted,
				Payload: api.WorkflowCompletedPayload{Output: "out"},
			}
			_, err := p.store.AppendEvents(p.ctx, spec.runID, 1, []api.Event{done})
			p.NoError(err)
		}
	}

	all, err := p.store.ListRuns(p.ctx, api.RunListOptions{})
	p.NoError(err)
	p.Len(all, 3)

	orders, err := p.store.ListRuns(p.ctx, api.RunListOptions{Workflow: "order-flow"})
	p.NoError(err)
	p.Len(orders, 2)

	running, err := p.store.ListRuns(p.ctx, api.RunListOptions{Status: api.StatusRunning})
	p.NoError(err)
	p.Len(running, 2)

	both, err := p.store.ListRuns(p.ctx, api.RunListOptions{Workflow: "order-flow", Status: api.StatusCompleted})
	p.NoError(err)
	p.Require().Len(both, 1)
	p.Equal("run-1", both[0].RunID)
}

func (p *PostgresStoreTestSuite) TestGetRunUnknownID() {
	_, err := p.store.GetRun(p.ctx, "nope")
	p.True(errors.Is(err, api.ErrRunNotFound))

	_, err = p.store.GetRunByID(p.ctx, "nope")
	p.True(errors.Is(err, api.ErrRunNotFound))
}
