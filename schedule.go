package weft

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule starts workflows on a cron cadence. Each firing begins a fresh
// run with a unique workflow id derived from the schedule name, so recurring
// runs never collide with each other under RejectDuplicate semantics.
type Schedule struct {
	eng  Engine
	cron *cron.Cron
	log  *slog.Logger
}

// NewSchedule creates a schedule runner on top of eng. Specs use the
// standard five-field cron format plus the @every form.
func NewSchedule(eng Engine, logger *slog.Logger) *Schedule {
	if logger == nil {
		logger = slog.Default()
	}
	return &Schedule{
		eng:  eng,
		cron: cron.New(),
		log:  logger,
	}
}

// Add registers a recurring start of the named workflow. The name scopes
// the generated workflow ids; input and opts are reused for every firing.
func (s *Schedule) Add(spec, name, workflow string, input any, opts StartOptions) (cron.EntryID, error) {
	if name == "" {
		return 0, fmt.Errorf("schedule name must not be empty")
	}
	return s.cron.AddFunc(spec, func() {
		o := opts
		o.WorkflowID = fmt.Sprintf("%s-%d", name, time.Now().UnixNano())

		run, err := s.eng.StartWorkflow(context.Background(), workflow, input, o)
		if err != nil {
			s.log.Error("schedule_start_failed",
				slog.String("schedule", name),
				slog.String("workflow", workflow),
				slog.Any("error", err),
			)
			return
		}
		s.log.Info("schedule_started",
			slog.String("schedule", name),
			slog.String("workflow", workflow),
			slog.String("workflow_id", run.WorkflowID),
		)
	})
}

// Start begins firing schedules in a background goroutine.
func (s *Schedule) Start() { s.cron.Start() }

// Stop stops firing and waits for in-flight trigger callbacks to return.
// Runs already started keep going; only new firings stop.
func (s *Schedule) Stop() {
	<-s.cron.Stop().Done()
}
