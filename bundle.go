package weft

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"

	"github.com/ekorhonen/weft/internal/engine"
	"github.com/ekorhonen/weft/internal/persistence"
	"github.com/ekorhonen/weft/internal/taskqueue"
	workerpkg "github.com/ekorhonen/weft/pkg/worker"
)

// WorkerBundle wires together an Engine, the task queue it schedules onto,
// and a worker pool that drains that queue. The engine alone only records
// decisions; runs make progress while at least one worker is running.
type WorkerBundle struct {
	Engine Engine

	// queue is kept unexported; the public API focuses on Engine and the
	// worker pool. Tests reach it through NewWorker.
	queue taskqueue.Queue
	wcfg  workerpkg.Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newBundle(store persistence.Store, queue taskqueue.Queue, cfg workerpkg.Config, obs Observer) *WorkerBundle {
	// The worker's queue list doubles as the engine's queue names: the
	// first entry receives decision and timer tasks, the second activities.
	dq, aq := engine.DefaultDecisionQueue, engine.DefaultActivityQueue
	if len(cfg.Queues) >= 2 && cfg.Queues[0] != "" && cfg.Queues[1] != "" {
		dq, aq = cfg.Queues[0], cfg.Queues[1]
	} else {
		cfg.Queues = []string{dq, aq}
	}
	eng := engine.New(engine.Config{
		Store:         store,
		Queue:         queue,
		Observer:      obs,
		DecisionQueue: dq,
		ActivityQueue: aq,
	})
	return &WorkerBundle{Engine: eng, queue: queue, wcfg: cfg}
}

// NewInMemoryBundle constructs an Engine plus worker pool with no
// durability. State is lost on process exit; intended for tests and
// development.
func NewInMemoryBundle(cfg workerpkg.Config) *WorkerBundle {
	return NewInMemoryBundleWithObserver(cfg, nil)
}

// NewInMemoryBundleWithObserver is NewInMemoryBundle with an Observer
// attached to the engine.
func NewInMemoryBundleWithObserver(cfg workerpkg.Config, obs Observer) *WorkerBundle {
	return newBundle(persistence.NewInMemoryStore(), taskqueue.NewInMemoryQueue(), cfg, obs)
}

// NewSQLiteBundle constructs a durable Engine + queue + worker pool sharing
// the provided SQLite database. Run history and queued tasks survive process
// restarts; on startup, workers resume whatever the previous process left
// leased or queued.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:weft.db?_journal=WAL")
//	bundle, err := weft.NewSQLiteBundle(db, worker.Config{})
//	// register workflows and activities on bundle.Engine
//	_ = bundle.StartWorkers(ctx, 2)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	return NewSQLiteBundleWithObserver(db, cfg, nil)
}

// NewSQLiteBundleWithObserver is NewSQLiteBundle with an Observer attached
// to the engine.
func NewSQLiteBundleWithObserver(db *sql.DB, cfg workerpkg.Config, obs Observer) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, queue, cfg, obs), nil
}

// NewWorker creates an additional worker with its own lease identity,
// processing the bundle's queues. Use it to run workers in separate
// goroutines or processes under caller control instead of StartWorkers.
func (b *WorkerBundle) NewWorker() *workerpkg.Worker {
	cfg := b.wcfg
	cfg.WorkerID = ""
	return workerpkg.New(b.queue, b.Engine, cfg)
}

// StartWorkers starts concurrency workers, each with a distinct lease
// identity, that process tasks until Stop is called. Calling StartWorkers
// again without Stop is an error.
func (b *WorkerBundle) StartWorkers(ctx context.Context, concurrency int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("weft: workers already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true

	b.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		w := b.NewWorker()
		go func() {
			defer b.wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				slog.Error("weft: worker stopped", slog.String("worker_id", w.ID()), slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Stop cancels the workers started by StartWorkers and waits for them to
// exit. Tasks leased at shutdown are redelivered once their leases lapse.
func (b *WorkerBundle) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	b.running = false
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}
