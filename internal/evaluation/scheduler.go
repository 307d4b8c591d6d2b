package evaluation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/appctx"
)

// sweepTimeout bounds one background sweep across all pending sessions.
const sweepTimeout = 15 * time.Minute

// Scheduler sweeps completed-but-unevaluated sessions on a cron schedule. An
// empty schedule disables the sweep.
type Scheduler struct {
	workflow *Workflow
	cron     *cron.Cron
	stop     chan struct{}
}

// NewScheduler creates a sweep scheduler for the workflow.
func NewScheduler(w *Workflow) *Scheduler {
	return &Scheduler{
		workflow: w,
		cron:     cron.New(),
		stop:     make(chan struct{}),
	}
}

// Start registers the sweep and starts the cron runner.
func (s *Scheduler) Start() error {
	schedule := s.workflow.cfg.Schedule
	if schedule == "" {
		s.workflow.logger.Info("evaluation sweep disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return fmt.Errorf("invalid evaluation schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.workflow.logger.Info("evaluation sweep scheduled", zap.String("schedule", schedule))
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep() {
	ctx, cancel := appctx.Detached(s.stop, sweepTimeout)
	defer cancel()

	report, err := s.workflow.EvaluateAll(ctx, true)
	if err != nil {
		s.workflow.logger.Error("evaluation sweep failed", zap.Error(err))
		return
	}
	if report.Total > 0 {
		s.workflow.logger.Info("evaluation sweep finished",
			zap.Int("total", report.Total),
			zap.Int("successful", report.Successful),
			zap.Int("failed", report.Failed))
	}
}
