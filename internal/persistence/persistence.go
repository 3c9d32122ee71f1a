package persistence

import (
	"context"

	"github.com/ekorhonen/weft/pkg/api"
)

// Store is the durable home of workflow runs: an append-only event log per
// run plus a run projection used for status and result queries.
//
// Durability contract: once AppendEvents returns, the events are visible to
// every subsequent ReadEvents. Events are never deleted or reordered within a
// run.
type Store interface {
	// CreateRun opens a new run: it records the run projection and appends
	// the given WorkflowStarted event as sequence 1, atomically. With
	// rejectDuplicate set it fails with api.ErrAlreadyExists when an open run
	// shares run.WorkflowID.
	CreateRun(ctx context.Context, run *api.WorkflowRun, started api.Event, rejectDuplicate bool) error

	// AppendEvents appends events after expectedVersion (the current history
	// length the caller read). It fails with api.ErrConcurrencyConflict when
	// another appender won the race. Terminal events update the run
	// projection in the same atomic step. Returns the new version.
	AppendEvents(ctx context.Context, runID string, expectedVersion int, events []api.Event) (int, error)

	// ReadEvents returns the ordered events with Seq > fromVersion, plus the
	// run's current version.
	ReadEvents(ctx context.Context, runID string, fromVersion int) ([]api.Event, int, error)

	// GetRun returns the latest run for a workflow ID, by creation time.
	GetRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error)

	// GetRunByID returns a run by its run ID.
	GetRunByID(ctx context.Context, runID string) (*api.WorkflowRun, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter api.RunListOptions) ([]*api.WorkflowRun, error)
}
