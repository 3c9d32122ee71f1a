package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekorhonen/weft/internal/persistence"
	"github.com/ekorhonen/weft/internal/replay"
	"github.com/ekorhonen/weft/internal/taskqueue"
	"github.com/ekorhonen/weft/pkg/api"
)

const (
	// DefaultDecisionQueue and DefaultActivityQueue are the queue names used
	// when Config leaves them empty. Timer tasks ride the decision queue.
	DefaultDecisionQueue = "weft-decisions"
	DefaultActivityQueue = "weft-activities"

	// executionTimeoutTimerID marks the per-run execution timeout timer.
	executionTimeoutTimerID = "execution-timeout"

	// maxAppendRetries bounds the re-read/append loop used when recording
	// outcomes. Conflicts are benign; each retry re-reads the history.
	maxAppendRetries = 5
)

// Config describes how to construct an engine.
type Config struct {
	Store    persistence.Store
	Queue    taskqueue.Queue
	Observer api.Observer

	DecisionQueue string
	ActivityQueue string

	// ResultPollInterval controls how often GetResult re-checks the run.
	ResultPollInterval time.Duration
}

type engineImpl struct {
	store    persistence.Store
	queue    taskqueue.Queue
	observer api.Observer
	reg      *registry

	decisionQueue string
	activityQueue string
	resultPoll    time.Duration
}

// New creates an Engine from the given configuration.
func New(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	dq := cfg.DecisionQueue
	if dq == "" {
		dq = DefaultDecisionQueue
	}
	aq := cfg.ActivityQueue
	if aq == "" {
		aq = DefaultActivityQueue
	}
	poll := cfg.ResultPollInterval
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	return &engineImpl{
		store:         cfg.Store,
		queue:         cfg.Queue,
		observer:      obs,
		reg:           newRegistry(),
		decisionQueue: dq,
		activityQueue: aq,
		resultPoll:    poll,
	}
}

// Ensure engineImpl implements the full Engine surface.
var _ api.Engine = (*engineImpl)(nil)

// Activity and timer task IDs are derived from what history records, and
// Enqueue treats an existing ID as a no-op. A redelivered decision can
// therefore restore tasks lost between append and enqueue without
// duplicating live ones. Decision tasks keep random IDs; a surplus decision
// parks harmlessly.
func activityTaskID(runID, activityID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", runID, activityID, attempt)
}

func timerTaskID(runID, timerID string) string {
	return fmt.Sprintf("%s/timer/%s", runID, timerID)
}

func (e *engineImpl) RegisterWorkflow(name string, fn api.WorkflowFunc) error {
	return e.reg.registerWorkflow(name, fn)
}

func (e *engineImpl) RegisterActivity(name string, fn api.ActivityFunc, opts api.ActivityOptions) error {
	return e.reg.registerActivity(name, fn, opts)
}

func (e *engineImpl) StartWorkflow(ctx context.Context, workflow string, input any, opts api.StartOptions) (*api.WorkflowRun, error) {
	if _, err := e.reg.workflow(workflow); err != nil {
		return nil, fmt.Errorf("unknown workflow: %s", workflow)
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	now := time.Now()
	run := &api.WorkflowRun{
		WorkflowID: workflowID,
		RunID:      uuid.NewString(),
		Workflow:   workflow,
		Status:     api.StatusRunning,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	started := api.Event{
		Type: api.EventWorkflowStarted,
		At:   now,
		Payload: api.WorkflowStartedPayload{
			Workflow:         workflow,
			WorkflowID:       workflowID,
			Input:            input,
			ExecutionTimeout: opts.ExecutionTimeout,
		},
	}

	if err := e.store.CreateRun(ctx, run, started, opts.RejectDuplicate); err != nil {
		return nil, err
	}
	e.observer.OnRunStart(ctx, run)

	if err := e.enqueueDecision(ctx, run.RunID); err != nil {
		return run, err
	}
	if opts.ExecutionTimeout > 0 {
		err := e.queue.Enqueue(ctx, taskqueue.Task{
			ID:        timerTaskID(run.RunID, executionTimeoutTimerID),
			Queue:     e.decisionQueue,
			Kind:      taskqueue.TaskKindTimer,
			RunID:     run.RunID,
			TimerID:   executionTimeoutTimerID,
			NotBefore: now.Add(opts.ExecutionTimeout),
		})
		if err != nil {
			return run, err
		}
	}
	return run, nil
}

func (e *engineImpl) GetRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	return e.store.GetRun(ctx, workflowID)
}

func (e *engineImpl) GetResult(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	for {
		run, err := e.store.GetRun(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			// Still running when the caller's wait budget ran out.
			return run, api.ErrStillRunning
		case <-time.After(e.resultPoll):
		}
	}
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.WorkflowRun, error) {
	return e.store.ListRuns(ctx, opts)
}

func (e *engineImpl) GetHistory(ctx context.Context, workflowID string) ([]api.Event, error) {
	run, err := e.store.GetRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	events, _, err := e.store.ReadEvents(ctx, run.RunID, 0)
	return events, err
}

func (e *engineImpl) RequestCancel(ctx context.Context, workflowID string, reason string) error {
	run, err := e.store.GetRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	for try := 0; try < maxAppendRetries; try++ {
		history, version, err := e.store.ReadEvents(ctx, run.RunID, 0)
		if err != nil {
			return err
		}
		if terminalStatus(history).Terminal() {
			return nil
		}
		if cancelRequested(history) {
			return nil
		}

		_, err = e.store.AppendEvents(ctx, run.RunID, version, []api.Event{{
			Type:    api.EventWorkflowCancelRequested,
			At:      time.Now(),
			Payload: api.CancelRequestedPayload{Reason: reason},
		}})
		if errors.Is(err, api.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return err
		}
		return e.enqueueDecision(ctx, run.RunID)
	}
	return api.ErrConcurrencyConflict
}

// HandleDecision replays the run and applies the resulting commands with the
// optimistic version check. ErrConcurrencyConflict means another worker
// advanced the run first; the caller must not ack the task.
func (e *engineImpl) HandleDecision(ctx context.Context, runID string) error {
	start := time.Now()

	history, version, err := e.store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return api.ErrRunNotFound
	}
	startedPayload, ok := history[0].Payload.(api.WorkflowStartedPayload)
	if !ok {
		return fmt.Errorf("run %s: malformed history head", runID)
	}

	fn, err := e.reg.workflow(startedPayload.Workflow)
	if err != nil {
		// This worker may simply not host the workflow; let the task
		// redeliver to one that does.
		return err
	}

	res, err := replay.Replay(runID, fn, history)
	if errors.Is(err, api.ErrNondeterminism) {
		// Fatal for the run: record the failure rather than guessing at
		// state, and surface the detail to operators via the run error.
		e.observer.OnDecision(ctx, runID, 0, err, time.Since(start))
		return e.failRun(ctx, runID, err.Error())
	}
	if err != nil {
		e.observer.OnDecision(ctx, runID, 0, err, time.Since(start))
		return err
	}
	if res.Status.Terminal() || len(res.Commands) == 0 {
		// Terminal already, or parked on an outstanding activity/timer. A
		// parked run re-enqueues the tasks history says are outstanding:
		// normally no-ops, but after a crash or enqueue failure between
		// append and enqueue they are what revives the run.
		if !res.Status.Terminal() {
			if err := e.reenqueuePending(ctx, runID, history); err != nil {
				return err
			}
		}
		e.observer.OnDecision(ctx, runID, 0, nil, time.Since(start))
		return nil
	}

	events, followOn, err := e.translateCommands(runID, res.Commands)
	if err != nil {
		// A command referenced an unregistered activity: a definition bug,
		// terminal for the run.
		e.observer.OnDecision(ctx, runID, 0, err, time.Since(start))
		return e.failRun(ctx, runID, err.Error())
	}

	if _, err := e.store.AppendEvents(ctx, runID, version, events); err != nil {
		e.observer.OnDecision(ctx, runID, 0, err, time.Since(start))
		if errors.Is(err, api.ErrConcurrencyConflict) {
			return api.ErrConcurrencyConflict
		}
		return err
	}

	for _, t := range followOn {
		if err := e.queue.Enqueue(ctx, t); err != nil {
			return err
		}
	}
	e.observer.OnDecision(ctx, runID, len(events), nil, time.Since(start))
	e.notifyIfFinished(ctx, runID, events)
	return nil
}

// translateCommands maps replay commands to history events plus the task
// enqueues that must follow a successful append.
func (e *engineImpl) translateCommands(runID string, commands []api.Command) ([]api.Event, []taskqueue.Task, error) {
	now := time.Now()
	var events []api.Event
	var followOn []taskqueue.Task

	for _, cmd := range commands {
		switch c := cmd.(type) {
		case api.ScheduleActivityCommand:
			entry, err := e.reg.activity(c.Activity)
			if err != nil {
				return nil, nil, err
			}
			opts := mergeOptions(entry.opts, c.Options)
			policy := api.RetryPolicy{MaxAttempts: 1}
			if opts.Retry != nil {
				policy = *opts.Retry
			}

			events = append(events, api.Event{
				Type: api.EventActivityScheduled,
				At:   now,
				Payload: api.ActivityScheduledPayload{
					ActivityID:      c.ActivityID,
					Activity:        c.Activity,
					Input:           c.Input,
					Attempt:         1,
					Retry:           policy,
					StartToClose:    opts.StartToClose,
					ScheduleToClose: opts.ScheduleToClose,
				},
			})
			followOn = append(followOn, taskqueue.Task{
				ID:         activityTaskID(runID, c.ActivityID, 1),
				Queue:      e.activityQueue,
				Kind:       taskqueue.TaskKindActivity,
				RunID:      runID,
				ActivityID: c.ActivityID,
				Attempt:    1,
			})

		case api.StartTimerCommand:
			events = append(events, api.Event{
				Type:    api.EventTimerStarted,
				At:      now,
				Payload: api.TimerStartedPayload{TimerID: c.TimerID, FireAt: c.FireAt},
			})
			followOn = append(followOn, taskqueue.Task{
				ID:        timerTaskID(runID, c.TimerID),
				Queue:     e.decisionQueue,
				Kind:      taskqueue.TaskKindTimer,
				RunID:     runID,
				TimerID:   c.TimerID,
				NotBefore: c.FireAt,
			})

		case api.CompleteWorkflowCommand:
			events = append(events, api.Event{
				Type:    api.EventWorkflowCompleted,
				At:      now,
				Payload: api.WorkflowCompletedPayload{Output: c.Output},
			})

		case api.FailWorkflowCommand:
			events = append(events, api.Event{
				Type:    api.EventWorkflowFailed,
				At:      now,
				Payload: api.WorkflowFailedPayload{Message: c.Message},
			})

		case api.CancelWorkflowCommand:
			events = append(events, api.Event{
				Type:    api.EventWorkflowTerminated,
				At:      now,
				Payload: api.WorkflowTerminatedPayload{Reason: c.Reason},
			})
		}
	}
	return events, followOn, nil
}

// reenqueuePending enqueues a task for every unresolved activity attempt and
// unfired timer in history. The deterministic IDs make this idempotent
// against tasks that are still queued or leased.
func (e *engineImpl) reenqueuePending(ctx context.Context, runID string, history []api.Event) error {
	activities, timers := pendingWork(history)
	for _, sp := range activities {
		err := e.queue.Enqueue(ctx, taskqueue.Task{
			ID:         activityTaskID(runID, sp.ActivityID, sp.Attempt),
			Queue:      e.activityQueue,
			Kind:       taskqueue.TaskKindActivity,
			RunID:      runID,
			ActivityID: sp.ActivityID,
			Attempt:    sp.Attempt,
		})
		if err != nil {
			return err
		}
	}
	for _, tp := range timers {
		err := e.queue.Enqueue(ctx, taskqueue.Task{
			ID:        timerTaskID(runID, tp.TimerID),
			Queue:     e.decisionQueue,
			Kind:      taskqueue.TaskKindTimer,
			RunID:     runID,
			TimerID:   tp.TimerID,
			NotBefore: tp.FireAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// absorbStale finishes a delivery that history says is stale. Staleness
// still drives progress: a recorded outcome re-enqueues the decision that
// may have been lost with it, and a superseded attempt re-enqueues the
// newest one.
func (e *engineImpl) absorbStale(ctx context.Context, runID, activityID string, inv invocation) error {
	switch {
	case inv.runTerminal || inv.scheduled == nil:
		return nil
	case inv.resolved:
		return e.enqueueDecision(ctx, runID)
	default:
		return e.queue.Enqueue(ctx, taskqueue.Task{
			ID:         activityTaskID(runID, activityID, inv.latestAttempt),
			Queue:      e.activityQueue,
			Kind:       taskqueue.TaskKindActivity,
			RunID:      runID,
			ActivityID: activityID,
			Attempt:    inv.latestAttempt,
		})
	}
}

// HandleActivity executes one activity attempt and records its outcome.
// Redeliveries of attempts that already have a recorded outcome (or were
// superseded by a newer attempt) are absorbed without re-recording: under
// at-least-once delivery this is what keeps recorded effects exactly-once.
func (e *engineImpl) HandleActivity(ctx context.Context, runID, activityID string, attempt int) error {
	history, _, err := e.store.ReadEvents(ctx, runID, 0)
	if err != nil {
		return err
	}
	inv := invocationState(history, activityID)
	if inv.skip(attempt) {
		return e.absorbStale(ctx, runID, activityID, inv)
	}
	scheduled := *inv.scheduled

	entry, err := e.reg.activity(scheduled.Activity)
	if err != nil {
		return e.recordActivityFailure(ctx, runID, activityID, attempt, api.CategoryTerminal, err.Error())
	}

	e.observer.OnActivityStart(ctx, runID, scheduled.Activity, activityID, attempt)

	actx := ctx
	var cancel context.CancelFunc
	if scheduled.StartToClose > 0 {
		actx, cancel = context.WithTimeout(ctx, scheduled.StartToClose)
	}
	start := time.Now()
	out, runErr := invoke(entry.fn, actx, scheduled.Input)
	if cancel != nil {
		cancel()
	}
	e.observer.OnActivityCompleted(ctx, runID, scheduled.Activity, activityID, attempt, runErr, time.Since(start))

	if runErr == nil {
		return e.recordActivitySuccess(ctx, runID, activityID, attempt, out)
	}

	category := classify(runErr)
	// Exceeding start-to-close or schedule-to-close is terminal for the
	// invocation regardless of remaining retry budget.
	startToCloseExpired := scheduled.StartToClose > 0 &&
		errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	withinBudget := scheduled.ScheduleToClose <= 0 ||
		time.Now().Before(inv.firstScheduledAt.Add(scheduled.ScheduleToClose))
	if !startToCloseExpired && withinBudget && ShouldRetry(attempt, category, runErr.Error(), scheduled.Retry) {
		return e.recordActivityRetry(ctx, runID, activityID, attempt, scheduled, NextBackoff(attempt, scheduled.Retry))
	}
	return e.recordActivityFailure(ctx, runID, activityID, attempt, category, runErr.Error())
}

// invoke calls an activity handler, converting panics into errors so a
// faulty handler cannot take the worker down with it.
func invoke(fn api.ActivityFunc, ctx context.Context, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return fn(ctx, input)
}

func (e *engineImpl) recordActivitySuccess(ctx context.Context, runID, activityID string, attempt int, output any) error {
	return e.recordOutcome(ctx, runID, activityID, attempt, func() (api.Event, *taskqueue.Task) {
		ev := api.Event{
			Type: api.EventActivityCompleted,
			At:   time.Now(),
			Payload: api.ActivityCompletedPayload{
				ActivityID: activityID,
				Attempt:    attempt,
				Output:     output,
			},
		}
		t := taskqueue.Task{Queue: e.decisionQueue, Kind: taskqueue.TaskKindDecision, RunID: runID}
		return ev, &t
	})
}

func (e *engineImpl) recordActivityFailure(ctx context.Context, runID, activityID string, attempt int, category, message string) error {
	return e.recordOutcome(ctx, runID, activityID, attempt, func() (api.Event, *taskqueue.Task) {
		ev := api.Event{
			Type: api.EventActivityFailed,
			At:   time.Now(),
			Payload: api.ActivityFailedPayload{
				ActivityID: activityID,
				Attempt:    attempt,
				Category:   category,
				Message:    message,
			},
		}
		t := taskqueue.Task{Queue: e.decisionQueue, Kind: taskqueue.TaskKindDecision, RunID: runID}
		return ev, &t
	})
}

func (e *engineImpl) recordActivityRetry(ctx context.Context, runID, activityID string, attempt int, scheduled api.ActivityScheduledPayload, backoff time.Duration) error {
	return e.recordOutcome(ctx, runID, activityID, attempt, func() (api.Event, *taskqueue.Task) {
		next := scheduled
		next.Attempt = attempt + 1
		ev := api.Event{
			Type:    api.EventActivityScheduled,
			At:      time.Now(),
			Payload: next,
		}
		t := taskqueue.Task{
			ID:         activityTaskID(runID, activityID, attempt+1),
			Queue:      e.activityQueue,
			Kind:       taskqueue.TaskKindActivity,
			RunID:      runID,
			ActivityID: activityID,
			Attempt:    attempt + 1,
			NotBefore:  time.Now().Add(backoff),
		}
		return ev, &t
	})
}

// recordOutcome appends one outcome event with a bounded re-read loop on
// version conflicts, rechecking on every pass that the outcome is still
// wanted (the run may have gone terminal, or a redelivery may have raced us).
func (e *engineImpl) recordOutcome(ctx context.Context, runID, activityID string, attempt int, build func() (api.Event, *taskqueue.Task)) error {
	for try := 0; try < maxAppendRetries; try++ {
		history, version, err := e.store.ReadEvents(ctx, runID, 0)
		if err != nil {
			return err
		}

		inv := invocationState(history, activityID)
		if inv.skip(attempt) {
			return e.absorbStale(ctx, runID, activityID, inv)
		}

		ev, followOn := build()
		if _, err := e.store.AppendEvents(ctx, runID, version, []api.Event{ev}); err != nil {
			if errors.Is(err, api.ErrConcurrencyConflict) {
				continue
			}
			return err
		}
		if followOn != nil {
			return e.queue.Enqueue(ctx, *followOn)
		}
		return nil
	}
	return api.ErrConcurrencyConflict
}

// HandleTimer records TimerFired once the timer is due, or times out the run
// for the execution-timeout timer.
func (e *engineImpl) HandleTimer(ctx context.Context, runID, timerID string) error {
	for try := 0; try < maxAppendRetries; try++ {
		history, version, err := e.store.ReadEvents(ctx, runID, 0)
		if err != nil {
			return err
		}
		if terminalStatus(history).Terminal() {
			return nil
		}

		var events []api.Event
		if timerID == executionTimeoutTimerID {
			events = []api.Event{{
				Type:    api.EventWorkflowTimedOut,
				At:      time.Now(),
				Payload: api.WorkflowTimedOutPayload{},
			}}
		} else {
			if !timerPending(history, timerID) {
				return nil
			}
			events = []api.Event{{
				Type:    api.EventTimerFired,
				At:      time.Now(),
				Payload: api.TimerFiredPayload{TimerID: timerID},
			}}
		}

		if _, err := e.store.AppendEvents(ctx, runID, version, events); err != nil {
			if errors.Is(err, api.ErrConcurrencyConflict) {
				continue
			}
			return err
		}
		if timerID == executionTimeoutTimerID {
			e.notifyIfFinished(ctx, runID, events)
			return nil
		}
		return e.enqueueDecision(ctx, runID)
	}
	return api.ErrConcurrencyConflict
}

// failRun force-fails a run, used for nondeterminism and definition errors.
func (e *engineImpl) failRun(ctx context.Context, runID string, message string) error {
	for try := 0; try < maxAppendRetries; try++ {
		history, version, err := e.store.ReadEvents(ctx, runID, 0)
		if err != nil {
			return err
		}
		if terminalStatus(history).Terminal() {
			return nil
		}

		events := []api.Event{{
			Type:    api.EventWorkflowFailed,
			At:      time.Now(),
			Payload: api.WorkflowFailedPayload{Message: message},
		}}
		if _, err := e.store.AppendEvents(ctx, runID, version, events); err != nil {
			if errors.Is(err, api.ErrConcurrencyConflict) {
				continue
			}
			return err
		}
		e.notifyIfFinished(ctx, runID, events)
		return nil
	}
	return api.ErrConcurrencyConflict
}

func (e *engineImpl) enqueueDecision(ctx context.Context, runID string) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Queue: e.decisionQueue,
		Kind:  taskqueue.TaskKindDecision,
		RunID: runID,
	})
}

// notifyIfFinished fires OnRunFinished when the appended events include a
// terminal one.
func (e *engineImpl) notifyIfFinished(ctx context.Context, runID string, appended []api.Event) {
	terminal := false
	for _, ev := range appended {
		switch ev.Payload.(type) {
		case api.WorkflowCompletedPayload, api.WorkflowFailedPayload,
			api.WorkflowTerminatedPayload, api.WorkflowTimedOutPayload:
			terminal = true
		}
	}
	if !terminal {
		return
	}
	if run, err := e.store.GetRunByID(ctx, runID); err == nil {
		e.observer.OnRunFinished(ctx, run)
	}
}

func mergeOptions(base, override api.ActivityOptions) api.ActivityOptions {
	out := base
	if override.Retry != nil {
		out.Retry = override.Retry
	}
	if override.StartToClose > 0 {
		out.StartToClose = override.StartToClose
	}
	if override.ScheduleToClose > 0 {
		out.ScheduleToClose = override.ScheduleToClose
	}
	return out
}
