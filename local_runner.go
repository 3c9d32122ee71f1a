package weft

import (
	"context"

	workerpkg "github.com/ekorhonen/weft/pkg/worker"
)

// LocalRunner is an in-memory WorkerBundle for development, tests, and
// simple single-process deployments.
//
// Typical usage:
//
//	runner := weft.NewLocalRunner()
//	_ = runner.Engine.RegisterActivity("charge", chargeFn, weft.ActivityOptions{})
//	_ = runner.Engine.RegisterWorkflow("payment", paymentFn)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	run, err := runner.Run(ctx, "payment", input, weft.StartOptions{})
type LocalRunner struct {
	*WorkerBundle
}

// NewLocalRunner constructs a LocalRunner with default worker config.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{WorkerBundle: NewInMemoryBundle(workerpkg.Config{})}
}

// NewLocalRunnerWithObserver is NewLocalRunner with an Observer attached.
func NewLocalRunnerWithObserver(obs Observer) *LocalRunner {
	return &LocalRunner{WorkerBundle: NewInMemoryBundleWithObserver(workerpkg.Config{}, obs)}
}

// Run starts a workflow and blocks until it is terminal or ctx expires.
// Workers must already be running via StartWorkers.
func (r *LocalRunner) Run(ctx context.Context, workflow string, input any, opts StartOptions) (*WorkflowRun, error) {
	run, err := r.Engine.StartWorkflow(ctx, workflow, input, opts)
	if err != nil {
		return nil, err
	}
	return r.Engine.GetResult(ctx, run.WorkflowID)
}
