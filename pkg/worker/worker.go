// Package worker provides the task-processing runtime: it leases tasks from
// a queue, dispatches them to the engine's handlers, and keeps leases alive
// with heartbeats while a handler runs. Any number of workers may share the
// same queues; leases keep a task with one worker at a time, and lease expiry
// returns the task to the pool when a worker dies mid-flight.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ekorhonen/weft/internal/taskqueue"
	"github.com/ekorhonen/weft/pkg/api"
)

// Config tunes a Worker. The zero value gets sensible defaults from New.
type Config struct {
	// WorkerID identifies this worker as a lease owner. Defaults to a
	// random UUID.
	WorkerID string

	// Queues lists the queues this worker drains, in priority order.
	Queues []string

	// LeaseTTL is the visibility timeout requested on dequeue. A task whose
	// lease lapses without an ack is redelivered to another worker.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often a held lease is renewed while the
	// handler runs. Defaults to a third of LeaseTTL.
	HeartbeatInterval time.Duration

	// MaxTaskAttempts drops a task after this many deliveries, so a task
	// whose handler can never succeed does not circulate forever.
	// 0 means never drop.
	MaxTaskAttempts int

	// RedeliverDelay is the backoff applied when a handler fails with an
	// unexpected error. Conflicts are redelivered immediately.
	RedeliverDelay time.Duration

	Logger *slog.Logger
}

// Worker leases tasks and runs them through a TaskHandler.
type Worker struct {
	queue   taskqueue.Queue
	handler api.TaskHandler
	cfg     Config
	log     *slog.Logger
}

// New creates a worker that processes tasks from queue via handler.
func New(queue taskqueue.Queue, handler api.TaskHandler, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.LeaseTTL / 3
	}
	if cfg.RedeliverDelay <= 0 {
		cfg.RedeliverDelay = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		log:     log.With(slog.String("worker_id", cfg.WorkerID)),
	}
}

// ID returns the worker's lease owner identity.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Run processes tasks until ctx is canceled. It cycles through the
// configured queues, giving each a short dequeue window so one idle queue
// does not starve the others.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, q := range w.cfg.Queues {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := w.ProcessOne(ctx, q); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				w.log.ErrorContext(ctx, "task_failed", slog.String("queue", q), slog.Any("error", err))
			}
		}
	}
}

// ProcessOne leases at most one task from the named queue and runs it to an
// ack or nack. It reports whether a task was processed; a false return with a
// nil or context error simply means the queue stayed empty for the window.
func (w *Worker) ProcessOne(ctx context.Context, queue string) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	task, err := w.queue.Dequeue(dctx, queue, w.cfg.WorkerID, w.cfg.LeaseTTL)
	cancel()
	if err != nil {
		return false, err
	}

	if w.cfg.MaxTaskAttempts > 0 && task.Attempts > w.cfg.MaxTaskAttempts {
		// Poison task: drop it rather than letting it circulate forever.
		w.log.WarnContext(ctx, "task_dropped",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.String("run_id", task.RunID),
			slog.Int("deliveries", task.Attempts),
		)
		return true, w.queue.Ack(ctx, task.ID, w.cfg.WorkerID)
	}

	err = w.execute(ctx, task)
	switch {
	case err == nil:
		ackErr := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID)
		if errors.Is(ackErr, taskqueue.ErrLeaseLost) {
			// The lease lapsed after the handler finished. The outcome is on
			// record; the redelivery will be absorbed.
			return true, nil
		}
		return true, ackErr
	case errors.Is(err, api.ErrConcurrencyConflict):
		// Benign: another worker advanced the run first. Put the task back
		// immediately so the re-read sees the new history.
		return true, w.queue.Nack(ctx, task.ID, w.cfg.WorkerID, time.Now())
	case errors.Is(err, taskqueue.ErrLeaseLost):
		// The lease lapsed mid-flight; the task already belongs to someone
		// else, so there is nothing to ack or nack.
		return true, nil
	default:
		w.log.ErrorContext(ctx, "task_error",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.String("run_id", task.RunID),
			slog.Any("error", err),
		)
		nackErr := w.queue.Nack(ctx, task.ID, w.cfg.WorkerID, time.Now().Add(w.cfg.RedeliverDelay))
		if nackErr != nil {
			return true, errors.Join(err, nackErr)
		}
		return true, err
	}
}

// execute dispatches the task to its handler with the lease kept alive by a
// background heartbeat. If a renewal reveals the lease is lost, the
// handler's context is canceled so it stops duplicating work another worker
// may already own.
func (w *Worker) execute(ctx context.Context, task *taskqueue.Task) error {
	hctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	defer close(done)
	go w.heartbeat(hctx, task.ID, done, cancel)

	var err error
	switch task.Kind {
	case taskqueue.TaskKindDecision:
		err = w.handler.HandleDecision(hctx, task.RunID)
	case taskqueue.TaskKindActivity:
		err = w.handler.HandleActivity(hctx, task.RunID, task.ActivityID, task.Attempt)
	case taskqueue.TaskKindTimer:
		err = w.handler.HandleTimer(hctx, task.RunID, task.TimerID)
	default:
		err = errors.New("unknown task kind " + string(task.Kind))
	}

	if cause := context.Cause(hctx); errors.Is(cause, taskqueue.ErrLeaseLost) {
		return taskqueue.ErrLeaseLost
	}
	return err
}

func (w *Worker) heartbeat(ctx context.Context, taskID string, done <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.RenewLease(ctx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL)
			if errors.Is(err, taskqueue.ErrLeaseLost) {
				w.log.WarnContext(ctx, "lease_lost", slog.String("task_id", taskID))
				cancel(taskqueue.ErrLeaseLost)
				return
			}
		}
	}
}
