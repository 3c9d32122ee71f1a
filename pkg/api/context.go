package api

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

// ErrSuspended is returned from WorkflowContext methods when the requested
// outcome is not yet present in the run's history. Workflow code must
// propagate it unchanged; the replayer recognizes it and parks the run until
// the outstanding activity or timer resolves.
var ErrSuspended = errors.New("workflow suspended awaiting history")

// IsSuspend reports whether err is a suspension request.
func IsSuspend(err error) bool {
	return errors.Is(err, ErrSuspended)
}

// ActivityRecord is the replay-time view of one activity invocation,
// aggregated from its ActivityScheduled/outcome events.
type ActivityRecord struct {
	Activity string
	Attempts int

	Completed   bool
	Output      any
	CompletedAt time.Time

	Failed  bool
	Failure *ActivityError
}

// TimerRecord is the replay-time view of one durable timer.
type TimerRecord struct {
	FireAt  time.Time
	Fired   bool
	FiredAt time.Time
}

// ContextSeed is everything the engine derives from a run's history before
// invoking the workflow function. It is an input to NewWorkflowContext and is
// not meant for use by workflow authors.
type ContextSeed struct {
	Workflow   string
	WorkflowID string
	RunID      string
	StartedAt  time.Time

	Activities map[string]*ActivityRecord
	Timers     map[string]*TimerRecord
}

// WorkflowContext is the only gateway between deterministic workflow code and
// the outside world. Every method either answers from recorded history or
// emits a command and suspends.
type WorkflowContext struct {
	seed ContextSeed

	logicalNow time.Time
	rng        *rand.Rand

	nextActivity int
	nextTimer    int

	commands  []Command
	suspended bool
	ndErr     error
}

// NewWorkflowContext is used by the engine when replaying a run. Workflow
// authors never construct contexts themselves.
func NewWorkflowContext(seed ContextSeed) *WorkflowContext {
	if seed.Activities == nil {
		seed.Activities = make(map[string]*ActivityRecord)
	}
	if seed.Timers == nil {
		seed.Timers = make(map[string]*TimerRecord)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed.RunID))
	return &WorkflowContext{
		seed:       seed,
		logicalNow: seed.StartedAt,
		rng:        rand.New(rand.NewSource(int64(h.Sum64()))),
	}
}

// WorkflowID returns the logical workflow identifier.
func (c *WorkflowContext) WorkflowID() string { return c.seed.WorkflowID }

// RunID returns the identifier of this execution.
func (c *WorkflowContext) RunID() string { return c.seed.RunID }

// Now returns the run's logical time: the start time, advanced by recorded
// activity completions and timer firings consumed so far. It is stable across
// replays, unlike the wall clock.
func (c *WorkflowContext) Now() time.Time { return c.logicalNow }

// Random returns a pseudo-random source seeded from the run ID, so the same
// sequence is observed on every replay of this run.
func (c *WorkflowContext) Random() *rand.Rand { return c.rng }

// ExecuteActivity requests one invocation of a registered activity. Outcomes
// already present in the history are returned without re-executing the
// handler. A pending invocation suspends the workflow; a terminal failure is
// returned as *ActivityError.
//
// Invocations are identified by call order, so the sequence of
// ExecuteActivity calls must be deterministic.
func (c *WorkflowContext) ExecuteActivity(activity string, input any, opts ...ActivityOption) (any, error) {
	c.nextActivity++
	id := fmt.Sprintf("activity-%d", c.nextActivity)

	rec, ok := c.seed.Activities[id]
	if !ok {
		var o ActivityOptions
		for _, opt := range opts {
			opt(&o)
		}
		c.commands = append(c.commands, ScheduleActivityCommand{
			ActivityID: id,
			Activity:   activity,
			Input:      input,
			Options:    o,
		})
		c.suspended = true
		return nil, ErrSuspended
	}

	if rec.Activity != activity {
		c.ndErr = fmt.Errorf("%w: history has %q scheduled as %s, code requested %q",
			ErrNondeterminism, rec.Activity, id, activity)
		return nil, c.ndErr
	}

	switch {
	case rec.Completed:
		c.advance(rec.CompletedAt)
		return rec.Output, nil
	case rec.Failed:
		return nil, rec.Failure
	default:
		// Scheduled with no outcome yet: the engine is waiting on it.
		c.suspended = true
		return nil, ErrSuspended
	}
}

// Sleep parks the workflow on a durable timer for d. On replay, a fired
// timer returns immediately and advances logical time to the recorded firing.
func (c *WorkflowContext) Sleep(d time.Duration) error {
	c.nextTimer++
	id := fmt.Sprintf("timer-%d", c.nextTimer)

	rec, ok := c.seed.Timers[id]
	if !ok {
		c.commands = append(c.commands, StartTimerCommand{
			TimerID: id,
			FireAt:  c.logicalNow.Add(d),
		})
		c.suspended = true
		return ErrSuspended
	}
	if !rec.Fired {
		c.suspended = true
		return ErrSuspended
	}
	c.advance(rec.FiredAt)
	return nil
}

func (c *WorkflowContext) advance(t time.Time) {
	if t.After(c.logicalNow) {
		c.logicalNow = t
	}
}

// Commands returns the commands collected during this replay pass.
func (c *WorkflowContext) Commands() []Command { return c.commands }

// Suspended reports whether the workflow parked on missing history.
func (c *WorkflowContext) Suspended() bool { return c.suspended }

// NondeterminismError returns the detection error, if replay diverged from
// the recorded history.
func (c *WorkflowContext) NondeterminismError() error { return c.ndErr }
