package api

import (
	"context"
	"time"
)

// WorkflowFunc is the author-written logic of a workflow. It must be
// deterministic: it may read prior activity results (via ctx), compute, and
// request new work, but must not perform I/O, read the wall clock, or use
// unseeded randomness. Deterministic substitutes are provided on
// WorkflowContext (Now, Random, Sleep).
//
// When the function needs an outcome that is not yet in the history it
// returns a suspension error; the author propagates it unchanged:
//
//	out, err := ctx.ExecuteActivity("charge", order)
//	if err != nil {
//	    return nil, err // suspension or recorded activity failure
//	}
type WorkflowFunc func(ctx *WorkflowContext, input any) (any, error)

// ActivityFunc is a unit of externally visible work. It runs outside replay,
// under an at-least-once contract: a crashed worker's attempt may have
// partially applied its effects before redelivery, so handlers must be
// idempotent.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityOptions are the defaults attached to an activity registration.
// Per-call overrides may be passed to ExecuteActivity.
type ActivityOptions struct {
	// Retry applies when the handler fails with a retryable category.
	// A nil/zero policy means a single attempt.
	Retry *RetryPolicy

	// StartToClose bounds a single attempt's execution time. Exceeding it
	// fails the invocation with CategoryTimeout; no further attempts run.
	StartToClose time.Duration

	// ScheduleToClose bounds total elapsed time across all attempts of one
	// invocation; exceeding it is terminal regardless of remaining budget.
	ScheduleToClose time.Duration
}

// ActivityOption mutates per-call activity options.
type ActivityOption func(*ActivityOptions)

// WithRetry overrides the registered retry policy for one invocation.
func WithRetry(p RetryPolicy) ActivityOption {
	return func(o *ActivityOptions) { o.Retry = &p }
}

// WithStartToClose overrides the single-attempt deadline.
func WithStartToClose(d time.Duration) ActivityOption {
	return func(o *ActivityOptions) { o.StartToClose = d }
}

// WithScheduleToClose overrides the whole-invocation deadline.
func WithScheduleToClose(d time.Duration) ActivityOption {
	return func(o *ActivityOptions) { o.ScheduleToClose = d }
}
