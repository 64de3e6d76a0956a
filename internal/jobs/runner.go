// Package jobs dispatches the scheduled pipeline steps by name and wraps each
// run with tracing, metrics and the run log.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/noshow-platform/internal/billing"
	"github.com/wolfman30/noshow-platform/internal/detection"
	"github.com/wolfman30/noshow-platform/internal/observability/metrics"
	"github.com/wolfman30/noshow-platform/internal/runlog"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

var jobsTracer = otel.Tracer("noshow/jobs")

// Job names as exposed on /cron/{job}.
const (
	NoShows        = "no-shows"
	LateCancels    = "late-cancels"
	ChargeQueue    = "charge-queue"
	ChargeAttempts = "fake-charge"
	StaleLocks     = "stale-locks"
)

// Pipeline is the order a full cycle runs in: detect, free stuck locks, queue,
// then charge.
var Pipeline = []string{NoShows, LateCancels, StaleLocks, ChargeQueue, ChargeAttempts}

// ErrUnknownJob is returned for names outside the pipeline.
var ErrUnknownJob = errors.New("jobs: unknown job")

// Canonical resolves a job name or alias.
func Canonical(name string) (string, bool) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case NoShows, LateCancels, ChargeQueue, ChargeAttempts, StaleLocks:
		return n, true
	case "charge-attempts":
		return ChargeAttempts, true
	default:
		return "", false
	}
}

// RunLog records job runs.
type RunLog interface {
	Record(ctx context.Context, run runlog.Run) error
}

// Components are the pipeline steps. Nil steps report ErrUnknownJob.
type Components struct {
	NoShows     *detection.NoShowDetector
	LateCancels *detection.LateCancelDetector
	Queue       *billing.ChargeQueue
	Attempter   *billing.ChargeAttempter
	Sweeper     *billing.StaleLockSweeper
}

// Runner runs one named job at a time.
type Runner struct {
	components Components
	runLog     RunLog
	metrics    *metrics.PipelineMetrics
	logger     *logging.Logger
	now        func() time.Time
}

// NewRunner creates a runner. runLog may be nil.
func NewRunner(c Components, runLog RunLog, m *metrics.PipelineMetrics, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		components: c,
		runLog:     runLog,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for run log timestamps.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// Run executes a job and returns its JSON summary.
func (r *Runner) Run(ctx context.Context, name string) (any, error) {
	job, ok := Canonical(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	log := r.logger.WithJob(job)

	ctx, span := jobsTracer.Start(ctx, "jobs.run")
	defer span.End()
	span.SetAttributes(attribute.String("noshow.job", job))

	started := time.Now()
	summary, run, err := r.dispatch(ctx, job)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		r.metrics.ObserveJob(job, "error", 0, elapsed)
		if !errors.Is(err, ErrUnknownJob) {
			log.Error("job failed", "error", err)
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("noshow.candidate_count", run.CandidateCount),
		attribute.Int("noshow.updated_count", run.UpdatedCount),
	)
	r.metrics.ObserveJob(job, "ok", run.UpdatedCount, elapsed)
	log.Info("job finished", "candidates", run.CandidateCount, "updated", run.UpdatedCount,
		"duration_ms", int64(elapsed*1000))

	r.record(ctx, log, run)
	return summary, nil
}

func (r *Runner) record(ctx context.Context, log *logging.Logger, run runlog.Run) {
	if r.runLog == nil {
		return
	}
	run.CreatedAt = r.now().UTC()
	if err := r.runLog.Record(ctx, run); err != nil {
		log.Warn("run log write failed", "error", err)
	}
}

func (r *Runner) dispatch(ctx context.Context, job string) (any, runlog.Run, error) {
	run := runlog.Run{Job: job}
	switch job {
	case NoShows:
		if r.components.NoShows == nil {
			break
		}
		res, err := r.components.NoShows.Run(ctx)
		if err != nil {
			return nil, run, err
		}
		run.CandidateCount, run.UpdatedCount = res.CandidateCount, res.UpdatedCount
		for _, cr := range res.PerClinic {
			run.AffectedIDs = append(run.AffectedIDs, cr.UpdatedIDs...)
		}
		run.Details = map[string]any{"ok": true, "now": res.Now, "perClinic": res.PerClinic}
		return res, run, nil

	case LateCancels:
		if r.components.LateCancels == nil {
			break
		}
		res, err := r.components.LateCancels.Run(ctx)
		if err != nil {
			return nil, run, err
		}
		run.CandidateCount, run.UpdatedCount = res.CandidateCount, res.UpdatedCount
		run.AffectedIDs = res.UpdatedIDs
		run.Details = map[string]any{"ok": true, "skippedClinics": res.SkippedClinics}
		return lateCancelSummary{OK: true, LateCancelResult: res}, run, nil

	case ChargeQueue:
		if r.components.Queue == nil {
			break
		}
		res, err := r.components.Queue.Run(ctx)
		if err != nil {
			return nil, run, err
		}
		run.CandidateCount, run.UpdatedCount = res.CandidateCount, res.QueuedCount
		run.AffectedIDs = res.QueuedIDs
		run.Details = map[string]any{
			"ok":          true,
			"now":         res.Now,
			"batchSize":   res.BatchSize,
			"eligibleIds": nonNil(res.EligibleIDs),
			"lockedIds":   res.QueuedIDs,
		}
		return queueSummary{Step: ChargeQueue, QueueResult: res}, run, nil

	case ChargeAttempts:
		if r.components.Attempter == nil {
			break
		}
		res, err := r.components.Attempter.Run(ctx)
		if err != nil {
			return nil, run, err
		}
		run.CandidateCount = res.ProcessedCount + res.SkippedCount
		run.UpdatedCount = res.ProcessedCount
		run.AffectedIDs = append(append([]string{}, res.ChargedIDs...), res.FailedIDs...)
		run.Details = map[string]any{
			"ok":           true,
			"successCount": res.SuccessCount,
			"failedCount":  res.FailedCount,
			"skippedCount": res.SkippedCount,
			"chargedIds":   nonNil(res.ChargedIDs),
			"failedIds":    nonNil(res.FailedIDs),
		}
		return attemptSummary{OK: true, AttemptResult: res}, run, nil

	case StaleLocks:
		if r.components.Sweeper == nil {
			break
		}
		res, err := r.components.Sweeper.Run(ctx)
		if err != nil {
			return nil, run, err
		}
		updated := res.ReleasedCount + res.ParkedCount
		run.CandidateCount, run.UpdatedCount = updated, updated
		run.AffectedIDs = append(append([]string{}, res.ReleasedIDs...), res.ParkedIDs...)
		run.Details = map[string]any{
			"ok": true, "disabled": res.Disabled,
			"releasedIds": res.ReleasedIDs, "parkedIds": res.ParkedIDs,
		}
		return res, run, nil
	}
	return nil, run, fmt.Errorf("%w: %q is not configured", ErrUnknownJob, job)
}

type lateCancelSummary struct {
	OK bool `json:"ok"`
	detection.LateCancelResult
}

type queueSummary struct {
	Step string `json:"step"`
	billing.QueueResult
}

type attemptSummary struct {
	OK bool `json:"ok"`
	billing.AttemptResult
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
