package engine

import (
	"fmt"
	"sync"

	"github.com/ekorhonen/weft/pkg/api"
)

// registry maps workflow and activity type names to their handlers. Lookups
// happen by the name carried in events and tasks; registration validates
// names and duplicates up front.
type registry struct {
	mu         sync.RWMutex
	workflows  map[string]api.WorkflowFunc
	activities map[string]activityEntry
}

type activityEntry struct {
	fn   api.ActivityFunc
	opts api.ActivityOptions
}

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]api.WorkflowFunc),
		activities: make(map[string]activityEntry),
	}
}

func (r *registry) registerWorkflow(name string, fn api.WorkflowFunc) error {
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow already registered: %s", name)
	}
	r.workflows[name] = fn
	return nil
}

func (r *registry) registerActivity(name string, fn api.ActivityFunc, opts api.ActivityOptions) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.activities[name] = activityEntry{fn: fn, opts: opts}
	return nil
}

func (r *registry) workflow(name string) (api.WorkflowFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", name)
	}
	return fn, nil
}

func (r *registry) activity(name string) (activityEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.activities[name]
	if !ok {
		return activityEntry{}, fmt.Errorf("activity %q not registered", name)
	}
	return entry, nil
}
