package bootstrap

import (
	"fmt"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/billing"
	appconfig "github.com/wolfman30/noshow-platform/internal/config"
	"github.com/wolfman30/noshow-platform/internal/detection"
	"github.com/wolfman30/noshow-platform/internal/jobs"
	"github.com/wolfman30/noshow-platform/internal/observability/metrics"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// App holds the wired services and HTTP handlers.
type App struct {
	Service      *appointments.Service
	Runner       *jobs.Runner
	Appointments *appointments.Handler
	Billing      *billing.Handler
	Cron         *jobs.Handler
}

// BuildApp wires the appointment service and the cron pipeline onto stores.
func BuildApp(cfg *appconfig.Config, stores *Stores, gateway billing.Gateway, m *metrics.PipelineMetrics, logger *logging.Logger) (*App, error) {
	if cfg == nil || stores == nil {
		return nil, fmt.Errorf("bootstrap: config and stores are required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("bootstrap: charge gateway is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	svc := appointments.NewService(stores.Appointments, stores.Rules,
		appointments.Policy{UndoWindow: cfg.UndoNoShowWindow}, m, logger)

	components := jobs.Components{
		NoShows:     detection.NewNoShowDetector(stores.Clinics, stores.Appointments, logger),
		LateCancels: detection.NewLateCancelDetector(stores.Clinics, stores.Appointments, cfg.LateCancelBatchSize, logger),
		Queue:       billing.NewChargeQueue(stores.Clinics, stores.Appointments, cfg.ChargeQueueBatchSize, logger),
		Attempter: billing.NewChargeAttempter(stores.Clinics, stores.Appointments, gateway, billing.AttempterOptions{
			MaxAttempts: cfg.MaxChargeAttempts,
			BatchSize:   cfg.ChargeAttemptBatchSize,
		}, m, logger),
		Sweeper: billing.NewStaleLockSweeper(stores.Clinics, stores.Appointments, cfg.StaleLockAfter, logger),
	}

	// A nil *runlog.Recorder must not become a non-nil interface.
	var (
		runLog  jobs.RunLog
		history jobs.RunHistory
	)
	if stores.RunLog != nil {
		runLog = stores.RunLog
		history = stores.RunLog
	}
	runner := jobs.NewRunner(components, runLog, m, logger)

	return &App{
		Service:      svc,
		Runner:       runner,
		Appointments: appointments.NewHandler(svc, logger),
		Billing:      billing.NewHandler(stores.Appointments, billing.NewRetryService(stores.Appointments, logger), logger),
		Cron:         jobs.NewHandler(runner, history, logger),
	}, nil
}
