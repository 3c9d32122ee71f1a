package api

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task processing.
type Observer interface {
	// OnRunStart is called once when a run is started, before the first
	// decision task is enqueued.
	OnRunStart(ctx context.Context, run *WorkflowRun)

	// OnRunFinished is called when a run reaches any terminal status.
	OnRunFinished(ctx context.Context, run *WorkflowRun)

	// OnDecision is called after each decision cycle. commands is the number
	// of commands applied; err is non-nil for conflicts and replay failures.
	OnDecision(ctx context.Context, runID string, commands int, err error, duration time.Duration)

	// OnActivityStart is called before an activity handler attempt runs.
	OnActivityStart(ctx context.Context, runID, activity, activityID string, attempt int)

	// OnActivityCompleted is called after an activity handler attempt
	// returns, for both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, runID, activity, activityID string, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *WorkflowRun)    {}
func (NoopObserver) OnRunFinished(ctx context.Context, run *WorkflowRun) {}
func (NoopObserver) OnDecision(ctx context.Context, runID string, commands int, err error, d time.Duration) {
}
func (NoopObserver) OnActivityStart(ctx context.Context, runID, activity, activityID string, attempt int) {
}
func (NoopObserver) OnActivityCompleted(ctx context.Context, runID, activity, activityID string, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFinished(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunFinished(ctx, run)
	}
}

func (c *CompositeObserver) OnDecision(ctx context.Context, runID string, commands int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnDecision(ctx, runID, commands, err, d)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, runID, activity, activityID string, attempt int) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, runID, activity, activityID, attempt)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, runID, activity, activityID string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, runID, activity, activityID, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / decision / activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *WorkflowRun) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", run.Workflow),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.RunID),
	)
}

func (o *LoggingObserver) OnRunFinished(ctx context.Context, run *WorkflowRun) {
	level := slog.LevelInfo
	if run.Status != StatusCompleted {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "run_finished",
		slog.String("workflow", run.Workflow),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.RunID),
		slog.String("status", string(run.Status)),
		slog.Any("error", run.Err),
	)
}

func (o *LoggingObserver) OnDecision(ctx context.Context, runID string, commands int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "decision",
		slog.String("run_id", runID),
		slog.Int("commands", commands),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, runID, activity, activityID string, attempt int) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("run_id", runID),
		slog.String("activity", activity),
		slog.String("activity_id", activityID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, runID, activity, activityID string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("run_id", runID),
		slog.String("activity", activity),
		slog.String("activity_id", activityID),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted   atomic.Int64
	runsCompleted atomic.Int64
	runsFailed    atomic.Int64

	decisions         atomic.Int64
	decisionConflicts atomic.Int64

	activityAttempts      atomic.Int64
	activityFailures      atomic.Int64
	totalActivityDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	OpenRuns      int64

	Decisions         int64
	DecisionConflicts int64

	ActivityAttempts    int64
	ActivityFailures    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *WorkflowRun) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunFinished(ctx context.Context, run *WorkflowRun) {
	if run.Status == StatusCompleted {
		m.runsCompleted.Add(1)
		return
	}
	m.runsFailed.Add(1)
}

func (m *BasicMetrics) OnDecision(ctx context.Context, runID string, commands int, err error, d time.Duration) {
	m.decisions.Add(1)
	if errors.Is(err, ErrConcurrencyConflict) {
		m.decisionConflicts.Add(1)
	}
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, runID, activity, activityID string, attempt int, err error, d time.Duration) {
	m.activityAttempts.Add(1)
	if err != nil {
		m.activityFailures.Add(1)
		return
	}
	m.totalActivityDuration.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	attempts := m.activityAttempts.Load()
	failures := m.activityFailures.Load()
	totalNs := m.totalActivityDuration.Load()

	var avg time.Duration
	if ok := attempts - failures; ok > 0 {
		avg = time.Duration(totalNs / ok)
	}

	return BasicMetricsSnapshot{
		RunsStarted:         started,
		RunsCompleted:       completed,
		RunsFailed:          failed,
		OpenRuns:            started - completed - failed,
		Decisions:           m.decisions.Load(),
		DecisionConflicts:   m.decisionConflicts.Load(),
		ActivityAttempts:    attempts,
		ActivityFailures:    failures,
		AvgActivityDuration: avg,
	}
}
