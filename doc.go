// Package weft provides a lightweight, embeddable durable-workflow engine
// for Go.
//
// Weft is designed for backend services that need multi-step operations to
// survive process crashes: order pipelines, provisioning flows, payment
// retries, long-lived background jobs. It runs fully in Go with no external
// orchestrator; durability comes from an append-only event log per run, and
// progress comes from workers that lease tasks from a queue.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. WorkflowContext
//  3. Worker
//  4. WorkerBundle / LocalRunner
//
// # Engine
//
// The Engine registers workflow and activity functions, starts runs,
// answers queries (GetRun, GetResult, ListRuns, GetHistory), and requests
// cancellation. It records every state change as an event in the run's
// history; the history is the only source of truth, and current state is
// always recoverable by replaying it.
//
// # WorkflowContext
//
// Workflow functions receive a WorkflowContext and must be deterministic:
// all interaction with the outside world goes through ExecuteActivity and
// Sleep, and time and randomness come from Now and Random. The function is
// re-executed from the top on every decision; completed steps answer
// instantly from history, and the first step without a recorded outcome
// parks the run until a worker resolves it.
//
// Activity functions are ordinary Go functions. They may block, call
// external services, and fail; the engine applies each invocation's retry
// policy and records exactly one outcome per invocation.
//
// # Worker
//
// A Worker leases tasks (decisions, activities, timers) from a queue with a
// visibility timeout, heartbeats while a handler runs, and acks on success.
// A worker that dies mid-task simply stops heartbeating; the lease lapses
// and another worker picks the task up. Workers scale horizontally against
// shared backends.
//
// # Backends
//
// Engines and queues can be backed by different storage:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres (the weft/postgres submodule)
//   - Redis (the weft/redis submodule)
//
// Each backend provides both the event log and a matching task queue, so a
// single database carries a complete deployment.
//
// # Getting Started
//
// LocalRunner bundles an in-memory engine, queue, and worker pool:
//
//	runner := weft.NewLocalRunner()
//	_ = runner.Engine.RegisterActivity("greet", greet, weft.ActivityOptions{})
//	_ = runner.Engine.RegisterWorkflow("hello", hello)
//
//	ctx := context.Background()
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	run, err := runner.Run(ctx, "hello", "world", weft.StartOptions{})
//
// For durable deployments, construct a SQLite bundle instead:
//
//	db, _ := sql.Open("sqlite", "file:weft.db?_journal=WAL")
//	bundle, err := weft.NewSQLiteBundle(db, worker.Config{})
package weft
