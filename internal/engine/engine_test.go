package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ekorhonen/weft/internal/persistence"
	"github.com/ekorhonen/weft/internal/replay"
	"github.com/ekorhonen/weft/internal/taskqueue"
	"github.com/ekorhonen/weft/pkg/api"
)

// harness wires an engine to in-memory backends and pumps tasks through the
// handlers directly, standing in for standalone workers.
type harness struct {
	store *persistence.InMemoryStore
	queue taskqueue.Queue
	eng   api.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue()
	eng := New(Config{Store: store, Queue: queue})
	return &harness{store: store, queue: queue, eng: eng}
}

// pumpOne claims a single task from the given queue and runs its handler,
// acking on success and nacking (immediate redelivery) on conflict.
// It returns false if no task became available within the wait.
func (h *harness) pumpOne(t *testing.T, queue string, wait time.Duration) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	task, err := h.queue.Dequeue(ctx, queue, "test-worker", time.Minute)
	if err != nil {
		return false
	}

	switch task.Kind {
	case taskqueue.TaskKindDecision:
		err = h.eng.HandleDecision(context.Background(), task.RunID)
	case taskqueue.TaskKindActivity:
		err = h.eng.HandleActivity(context.Background(), task.RunID, task.ActivityID, task.Attempt)
	case taskqueue.TaskKindTimer:
		err = h.eng.HandleTimer(context.Background(), task.RunID, task.TimerID)
	default:
		t.Fatalf("unexpected task kind %q", task.Kind)
	}

	if errors.Is(err, api.ErrConcurrencyConflict) {
		if nackErr := h.queue.Nack(context.Background(), task.ID, "test-worker", time.Now()); nackErr != nil {
			t.Fatalf("nack: %v", nackErr)
		}
		return true
	}
	if err != nil {
		t.Fatalf("handle %s task for run %s: %v", task.Kind, task.RunID, err)
	}
	if ackErr := h.queue.Ack(context.Background(), task.ID, "test-worker"); ackErr != nil {
		t.Fatalf("ack: %v", ackErr)
	}
	return true
}

// pumpUntilTerminal drains both queues until the run reaches a terminal
// status, then returns the final run.
func (h *harness) pumpUntilTerminal(t *testing.T, workflowID string) *api.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.store.GetRun(context.Background(), workflowID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		if h.pumpOne(t, DefaultDecisionQueue, 10*time.Millisecond) {
			continue
		}
		h.pumpOne(t, DefaultActivityQueue, 10*time.Millisecond)
	}
	t.Fatalf("run %s did not finish", workflowID)
	return nil
}

func (h *harness) history(t *testing.T, workflowID string) []api.Event {
	t.Helper()
	events, err := h.eng.GetHistory(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	return events
}

func eventTypes(events []api.Event) []api.EventType {
	types := make([]api.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestPipelineWorkflowCompletes(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"extract", "transform", "load"} {
		name := name
		err := h.eng.RegisterActivity(name, func(ctx context.Context, input any) (any, error) {
			return fmt.Sprintf("%s(%v)", name, input), nil
		}, api.ActivityOptions{})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	err := h.eng.RegisterWorkflow("pipeline", func(ctx *api.WorkflowContext, input any) (any, error) {
		a, err := ctx.ExecuteActivity("extract", input)
		if err != nil {
			return nil, err
		}
		b, err := ctx.ExecuteActivity("transform", a)
		if err != nil {
			return nil, err
		}
		return ctx.ExecuteActivity("load", b)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	run, err := h.eng.StartWorkflow(context.Background(), "pipeline", "seed", api.StartOptions{WorkflowID: "pipeline-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != api.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", run.Status)
	}

	final := h.pumpUntilTerminal(t, "pipeline-1")
	if final.Status != api.StatusCompleted {
		t.Fatalf("status = %s (err %v), want COMPLETED", final.Status, final.Err)
	}
	if got, want := final.Output, "load(transform(extract(seed)))"; got != want {
		t.Fatalf("output = %v, want %v", got, want)
	}

	want := []api.EventType{
		api.EventWorkflowStarted,
		api.EventActivityScheduled, api.EventActivityCompleted,
		api.EventActivityScheduled, api.EventActivityCompleted,
		api.EventActivityScheduled, api.EventActivityCompleted,
		api.EventWorkflowCompleted,
	}
	got := eventTypes(h.history(t, "pipeline-1"))
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	err := h.eng.RegisterActivity("flaky", func(ctx context.Context, input any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}, api.ActivityOptions{
		Retry: &api.RetryPolicy{
			InitialBackoff:    time.Millisecond,
			BackoffMultiplier: 2,
			MaxBackoff:        5 * time.Millisecond,
			MaxAttempts:       5,
		},
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("retrying", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("flaky", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "retrying", nil, api.StartOptions{WorkflowID: "retry-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final := h.pumpUntilTerminal(t, "retry-1")
	if final.Status != api.StatusCompleted {
		t.Fatalf("status = %s (err %v), want COMPLETED", final.Status, final.Err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("activity ran %d times, want 3", got)
	}

	// Each retry appends a fresh schedule event sharing the activity id.
	var attempts []int
	for _, ev := range h.history(t, "retry-1") {
		if p, ok := ev.Payload.(api.ActivityScheduledPayload); ok {
			attempts = append(attempts, p.Attempt)
			if p.ActivityID != "activity-1" {
				t.Fatalf("activity id = %s, want activity-1", p.ActivityID)
			}
		}
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Fatalf("scheduled attempts = %v, want [1 2 3]", attempts)
	}
}

func TestTerminalErrorFailsWorkflow(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	err := h.eng.RegisterActivity("validate", func(ctx context.Context, input any) (any, error) {
		calls.Add(1)
		return nil, api.NewTerminalError(errors.New("invalid order id"))
	}, api.ActivityOptions{
		Retry: &api.RetryPolicy{InitialBackoff: time.Millisecond, MaxAttempts: 10},
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("validated", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("validate", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "validated", nil, api.StartOptions{WorkflowID: "terminal-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final := h.pumpUntilTerminal(t, "terminal-1")
	if final.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("terminal error retried: %d calls, want 1", got)
	}
	if final.Err == nil || !strings.Contains(final.Err.Error(), "invalid order id") {
		t.Fatalf("run error = %v, want the activity message", final.Err)
	}
}

func TestNonRetryableMessageFailsWorkflow(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	err := h.eng.RegisterActivity("charge", func(ctx context.Context, input any) (any, error) {
		calls.Add(1)
		return nil, errors.New("card declined")
	}, api.ActivityOptions{
		Retry: &api.RetryPolicy{
			InitialBackoff: time.Millisecond,
			MaxAttempts:    10,
			NonRetryable:   []string{"card declined"},
		},
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("payment", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("charge", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "payment", nil, api.StartOptions{WorkflowID: "payment-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final := h.pumpUntilTerminal(t, "payment-1")
	if final.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("non-retryable error retried: %d calls, want 1", got)
	}
}

func TestWorkflowCatchesActivityError(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterActivity("risky", func(ctx context.Context, input any) (any, error) {
		return nil, api.NewTerminalError(errors.New("nope"))
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("fallback", func(ctx *api.WorkflowContext, input any) (any, error) {
		out, err := ctx.ExecuteActivity("risky", input)
		if err != nil {
			var actErr *api.ActivityError
			if !errors.As(err, &actErr) {
				return nil, err
			}
			return "fallback", nil
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "fallback", nil, api.StartOptions{WorkflowID: "fallback-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final := h.pumpUntilTerminal(t, "fallback-1")
	if final.Status != api.StatusCompleted {
		t.Fatalf("status = %s (err %v), want COMPLETED", final.Status, final.Err)
	}
	if final.Output != "fallback" {
		t.Fatalf("output = %v, want fallback", final.Output)
	}
}

func TestTimerFiresAndWorkflowResumes(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterWorkflow("napper", func(ctx *api.WorkflowContext, input any) (any, error) {
		if err := ctx.Sleep(20 * time.Millisecond); err != nil {
			return nil, err
		}
		return "rested", nil
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "napper", nil, api.StartOptions{WorkflowID: "napper-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final := h.pumpUntilTerminal(t, "napper-1")
	if final.Status != api.StatusCompleted {
		t.Fatalf("status = %s (err %v), want COMPLETED", final.Status, final.Err)
	}
	if final.Output != "rested" {
		t.Fatalf("output = %v, want rested", final.Output)
	}

	got := eventTypes(h.history(t, "napper-1"))
	want := []api.EventType{
		api.EventWorkflowStarted,
		api.EventTimerStarted, api.EventTimerFired,
		api.EventWorkflowCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
}

func TestCancelParkedWorkflow(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterActivity("slow", func(ctx context.Context, input any) (any, error) {
		return "done", nil
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("cancelable", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("slow", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "cancelable", nil, api.StartOptions{WorkflowID: "cancel-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Process only the first decision so the run parks on the activity.
	if !h.pumpOne(t, DefaultDecisionQueue, time.Second) {
		t.Fatalf("no decision task")
	}
	if err := h.eng.RequestCancel(context.Background(), "cancel-1", "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !h.pumpOne(t, DefaultDecisionQueue, 50*time.Millisecond) {
			break
		}
	}

	run, err := h.eng.GetRun(context.Background(), "cancel-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != api.StatusTerminated {
		t.Fatalf("status = %s, want TERMINATED", run.Status)
	}

	// The outstanding activity delivery is absorbed without being recorded.
	version := len(h.history(t, "cancel-1"))
	h.pumpOne(t, DefaultActivityQueue, 50*time.Millisecond)
	if got := len(h.history(t, "cancel-1")); got != version {
		t.Fatalf("history grew after terminal: %d -> %d", version, got)
	}
}

func TestCancelTerminalRunIsNoop(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterWorkflow("instant", func(ctx *api.WorkflowContext, input any) (any, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	if _, err := h.eng.StartWorkflow(context.Background(), "instant", nil, api.StartOptions{WorkflowID: "instant-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.pumpUntilTerminal(t, "instant-1")

	if err := h.eng.RequestCancel(context.Background(), "instant-1", "late"); err != nil {
		t.Fatalf("cancel after completion: %v", err)
	}
	run, _ := h.eng.GetRun(context.Background(), "instant-1")
	if run.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", run.Status)
	}
}

func TestExecutionTimeoutTimesOutRun(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterWorkflow("longhaul", func(ctx *api.WorkflowContext, input any) (any, error) {
		if err := ctx.Sleep(time.Hour); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	_, err = h.eng.StartWorkflow(context.Background(), "longhaul", nil, api.StartOptions{
		WorkflowID:       "longhaul-1",
		ExecutionTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	final := h.pumpUntilTerminal(t, "longhaul-1")
	if final.Status != api.StatusTimedOut {
		t.Fatalf("status = %s, want TIMED_OUT", final.Status)
	}
}

func TestNondeterministicWorkflowFailsRun(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterActivity("step-a", func(ctx context.Context, input any) (any, error) { return "a", nil }, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = h.eng.RegisterActivity("step-b", func(ctx context.Context, input any) (any, error) { return "b", nil }, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// The workflow consults mutable state outside its history, so replay
	// takes a different path than the original execution did.
	var flipped atomic.Bool
	err = h.eng.RegisterWorkflow("unstable", func(ctx *api.WorkflowContext, input any) (any, error) {
		name := "step-a"
		if flipped.Load() {
			name = "step-b"
		}
		out, err := ctx.ExecuteActivity(name, input)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.ExecuteActivity(name, out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "unstable", nil, api.StartOptions{WorkflowID: "unstable-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !h.pumpOne(t, DefaultDecisionQueue, time.Second) {
		t.Fatalf("no decision task")
	}
	if !h.pumpOne(t, DefaultActivityQueue, time.Second) {
		t.Fatalf("no activity task")
	}
	flipped.Store(true)

	final := h.pumpUntilTerminal(t, "unstable-1")
	if final.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if final.Err == nil || !strings.Contains(final.Err.Error(), "nondeterminism") {
		t.Fatalf("run error = %v, want nondeterminism detail", final.Err)
	}
}

func TestUnknownWorkflowRejected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.StartWorkflow(context.Background(), "ghost", nil, api.StartOptions{}); err == nil {
		t.Fatalf("expected error starting unregistered workflow")
	}
}

func TestRejectDuplicateWorkflowID(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterWorkflow("pending", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("missing", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "pending", nil, api.StartOptions{WorkflowID: "dup-1", RejectDuplicate: true}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err = h.eng.StartWorkflow(context.Background(), "pending", nil, api.StartOptions{WorkflowID: "dup-1", RejectDuplicate: true})
	if !errors.Is(err, api.ErrAlreadyExists) {
		t.Fatalf("second start err = %v, want ErrAlreadyExists", err)
	}
}

func TestGetResultWaitsAndTimesOut(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterWorkflow("stalled", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("never", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}
	if _, err := h.eng.StartWorkflow(context.Background(), "stalled", nil, api.StartOptions{WorkflowID: "stalled-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	run, err := h.eng.GetResult(ctx, "stalled-1")
	if !errors.Is(err, api.ErrStillRunning) {
		t.Fatalf("err = %v, want ErrStillRunning", err)
	}
	if run == nil || run.Status != api.StatusRunning {
		t.Fatalf("run = %+v, want RUNNING snapshot", run)
	}
}

func TestStaleDecisionConflictIsBenign(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterActivity("noop", func(ctx context.Context, input any) (any, error) { return nil, nil }, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = h.eng.RegisterWorkflow("raced", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("noop", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	run, err := h.eng.StartWorkflow(context.Background(), "raced", nil, api.StartOptions{WorkflowID: "raced-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Two workers pick up equivalent decision work for the same version.
	// The second append hits the version check and must surface the
	// conflict instead of double-recording.
	history, version, err := h.store.ReadEvents(context.Background(), run.RunID, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history = %d events, want 1", len(history))
	}
	if err := h.eng.HandleDecision(context.Background(), run.RunID); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err = h.store.AppendEvents(context.Background(), run.RunID, version, []api.Event{{
		Type:    api.EventActivityScheduled,
		At:      time.Now(),
		Payload: api.ActivityScheduledPayload{ActivityID: "activity-1", Activity: "noop", Attempt: 1},
	}})
	if !errors.Is(err, api.ErrConcurrencyConflict) {
		t.Fatalf("stale append err = %v, want ErrConcurrencyConflict", err)
	}
}

// faultyQueue injects a bounded number of Enqueue failures for one task
// kind, standing in for a queue outage between history append and the task
// hand-off.
type faultyQueue struct {
	taskqueue.Queue
	failKind  taskqueue.TaskKind
	remaining atomic.Int32
}

func (q *faultyQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	if t.Kind == q.failKind && q.remaining.Add(-1) >= 0 {
		return errors.New("queue unavailable")
	}
	return q.Queue.Enqueue(ctx, t)
}

func newFaultyHarness(t *testing.T, failKind taskqueue.TaskKind) (*harness, *faultyQueue) {
	t.Helper()
	store := persistence.NewInMemoryStore()
	fq := &faultyQueue{Queue: taskqueue.NewInMemoryQueue(), failKind: failKind}
	eng := New(Config{Store: store, Queue: fq})
	return &harness{store: store, queue: fq, eng: eng}, fq
}

func TestLostActivityTaskIsRestoredOnRedelivery(t *testing.T) {
	h, fq := newFaultyHarness(t, taskqueue.TaskKindActivity)

	err := h.eng.RegisterActivity("ship", func(ctx context.Context, input any) (any, error) {
		return "shipped", nil
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("shipping", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("ship", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "shipping", nil, api.StartOptions{WorkflowID: "recover-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The first decision appends the schedule event but the activity task
	// hand-off fails; the worker nacks for redelivery.
	fq.remaining.Store(1)
	ctx := context.Background()
	task, err := fq.Dequeue(ctx, DefaultDecisionQueue, "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := h.eng.HandleDecision(ctx, task.RunID); err == nil {
		t.Fatalf("decision succeeded despite queue outage")
	}
	if err := fq.Nack(ctx, task.ID, "test-worker", time.Now()); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// The schedule is on record but its task is gone.
	if got := eventTypes(h.history(t, "recover-1")); got[len(got)-1] != api.EventActivityScheduled {
		t.Fatalf("history = %v, want a trailing schedule event", got)
	}
	if n := fq.Len(DefaultActivityQueue); n != 0 {
		t.Fatalf("activity queue len = %d, want 0", n)
	}

	// The redelivered decision parks and restores the lost task.
	final := h.pumpUntilTerminal(t, "recover-1")
	if final.Status != api.StatusCompleted {
		t.Fatalf("status = %s (err %v), want COMPLETED", final.Status, final.Err)
	}
	if final.Output != "shipped" {
		t.Fatalf("output = %v, want shipped", final.Output)
	}
}

func TestLostDecisionAfterOutcomeIsRestored(t *testing.T) {
	h, fq := newFaultyHarness(t, taskqueue.TaskKindDecision)

	err := h.eng.RegisterActivity("ping", func(ctx context.Context, input any) (any, error) {
		return "pong", nil
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("pinger", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("ping", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "pinger", nil, api.StartOptions{WorkflowID: "stale-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.pumpOne(t, DefaultDecisionQueue, time.Second) {
		t.Fatalf("no decision task")
	}

	// The outcome is recorded but the follow-on decision hand-off fails.
	fq.remaining.Store(1)
	ctx := context.Background()
	task, err := fq.Dequeue(ctx, DefaultActivityQueue, "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := h.eng.HandleActivity(ctx, task.RunID, task.ActivityID, task.Attempt); err == nil {
		t.Fatalf("activity succeeded despite queue outage")
	}
	if err := fq.Nack(ctx, task.ID, "test-worker", time.Now()); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// The redelivery finds the outcome on record, re-enqueues the decision
	// and the run finishes; the outcome is not recorded twice.
	final := h.pumpUntilTerminal(t, "stale-1")
	if final.Status != api.StatusCompleted {
		t.Fatalf("status = %s (err %v), want COMPLETED", final.Status, final.Err)
	}
	if final.Output != "pong" {
		t.Fatalf("output = %v, want pong", final.Output)
	}
	completions := 0
	for _, ev := range h.history(t, "stale-1") {
		if _, ok := ev.Payload.(api.ActivityCompletedPayload); ok {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("recorded %d completions, want 1", completions)
	}
}

func TestStartToCloseExpiryIsTerminal(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	err := h.eng.RegisterActivity("sluggish", func(ctx context.Context, input any) (any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, api.ActivityOptions{
		Retry:        &api.RetryPolicy{InitialBackoff: time.Millisecond, MaxAttempts: 5},
		StartToClose: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("register activity: %v", err)
	}
	err = h.eng.RegisterWorkflow("deadline", func(ctx *api.WorkflowContext, input any) (any, error) {
		return ctx.ExecuteActivity("sluggish", input)
	})
	if err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	if _, err := h.eng.StartWorkflow(context.Background(), "deadline", nil, api.StartOptions{WorkflowID: "deadline-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final := h.pumpUntilTerminal(t, "deadline-1")
	if final.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	// One attempt, no retries, a timeout category on record.
	if got := calls.Load(); got != 1 {
		t.Fatalf("activity ran %d times, want 1", got)
	}
	scheduled := 0
	var failure *api.ActivityFailedPayload
	for _, ev := range h.history(t, "deadline-1") {
		switch p := ev.Payload.(type) {
		case api.ActivityScheduledPayload:
			scheduled++
		case api.ActivityFailedPayload:
			failure = &p
		}
	}
	if scheduled != 1 {
		t.Fatalf("scheduled %d attempts, want 1", scheduled)
	}
	if failure == nil || failure.Category != api.CategoryTimeout {
		t.Fatalf("failure = %+v, want %s category", failure, api.CategoryTimeout)
	}
}

func TestReplayIsDeterministicAcrossPrefixes(t *testing.T) {
	h := newHarness(t)

	err := h.eng.RegisterActivity("stage", func(ctx context.Context, input any) (any, error) {
		return fmt.Sprintf("%v+", input), nil
	}, api.ActivityOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	fn := func(ctx *api.WorkflowContext, input any) (any, error) {
		out := input
		for i := 0; i < 3; i++ {
			next, err := ctx.ExecuteActivity("stage", out)
			if err != nil {
				return nil, err
			}
			out = next
		}
		return out, nil
	}
	if err := h.eng.RegisterWorkflow("staged", fn); err != nil {
		t.Fatalf("register workflow: %v", err)
	}

	run, err := h.eng.StartWorkflow(context.Background(), "staged", "x", api.StartOptions{WorkflowID: "staged-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	final := h.pumpUntilTerminal(t, "staged-1")
	if final.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}

	// Replaying the full history again, or any prefix ending at an event
	// boundary, must give the same answers every time.
	history := h.history(t, "staged-1")
	for i := 0; i < 3; i++ {
		res, err := replay.Replay(run.RunID, fn, history)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if res.Status != api.StatusCompleted {
			t.Fatalf("replay %d status = %s", i, res.Status)
		}
	}
	res, err := replay.Replay(run.RunID, fn, history[:2])
	if err != nil {
		t.Fatalf("prefix replay: %v", err)
	}
	if res.Status != api.StatusRunning || len(res.Commands) != 0 {
		t.Fatalf("prefix replay = %+v, want parked RUNNING", res)
	}
}
