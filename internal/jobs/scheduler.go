package jobs

import (
	"context"
	"time"

	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// Scheduler runs the whole pipeline on a fixed interval inside the API process.
// Deployments with an external scheduler leave it off.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   *logging.Logger
}

// NewScheduler creates a scheduler. It does nothing until Run is called.
func NewScheduler(runner *Runner, interval time.Duration, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Run cycles until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	for _, job := range Pipeline {
		if ctx.Err() != nil {
			return
		}
		// Failures are logged by the runner; later steps still run.
		_, _ = s.runner.Run(ctx, job)
	}
}
