package persistence

import (
	"context"
	"sync"

	"github.com/ekorhonen/weft/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. It is not durable
// and is intended for tests and local development.
type InMemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*api.WorkflowRun // by run ID
	events map[string][]api.Event      // by run ID, ordered by Seq

	// byWorkflow tracks run IDs per workflow ID in creation order.
	byWorkflow map[string][]string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:       make(map[string]*api.WorkflowRun),
		events:     make(map[string][]api.Event),
		byWorkflow: make(map[string][]string),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateRun(ctx context.Context, run *api.WorkflowRun, started api.Event, rejectDuplicate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rejectDuplicate {
		for _, id := range s.byWorkflow[run.WorkflowID] {
			if !s.runs[id].Status.Terminal() {
				return api.ErrAlreadyExists
			}
		}
	}

	copied := *run
	started.RunID = run.RunID
	started.Seq = 1

	s.runs[run.RunID] = &copied
	s.events[run.RunID] = []api.Event{started}
	s.byWorkflow[run.WorkflowID] = append(s.byWorkflow[run.WorkflowID], run.RunID)
	return nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, runID string, expectedVersion int, events []api.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, api.ErrRunNotFound
	}
	if run.Status.Terminal() {
		// The caller's view is stale: re-reading will show the terminal event.
		return 0, api.ErrConcurrencyConflict
	}

	history := s.events[runID]
	if len(history) != expectedVersion {
		return 0, api.ErrConcurrencyConflict
	}

	for i := range events {
		events[i].RunID = runID
		events[i].Seq = expectedVersion + i + 1
		history = append(history, events[i])
		ApplyProjection(run, events[i])
	}
	s.events[runID] = history
	return len(history), nil
}

func (s *InMemoryStore) ReadEvents(ctx context.Context, runID string, fromVersion int) ([]api.Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.events[runID]
	if !ok {
		return nil, 0, api.ErrRunNotFound
	}
	if fromVersion > len(history) {
		fromVersion = len(history)
	}
	out := make([]api.Event, len(history)-fromVersion)
	copy(out, history[fromVersion:])
	return out, len(history), nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byWorkflow[workflowID]
	if len(ids) == 0 {
		return nil, api.ErrRunNotFound
	}
	copied := *s.runs[ids[len(ids)-1]]
	return &copied, nil
}

func (s *InMemoryStore) GetRunByID(ctx context.Context, runID string) (*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter api.RunListOptions) ([]*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.WorkflowRun
	for _, run := range s.runs {
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		copied := *run
		out = append(out, &copied)
	}
	return out, nil
}
