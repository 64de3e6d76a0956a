package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/noshow-platform/internal/api/router"
	"github.com/wolfman30/noshow-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/noshow-platform/internal/config"
	"github.com/wolfman30/noshow-platform/internal/jobs"
	"github.com/wolfman30/noshow-platform/internal/observability/metrics"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

func main() {
	// .env is optional; real deployments use the environment.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting noshow-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := bootstrap.BuildStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	gateway, err := bootstrap.BuildGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize charge gateway", "error", err)
		os.Exit(1)
	}

	metricsHandler, pipelineMetrics := setupMetrics()
	app, err := bootstrap.BuildApp(cfg, stores, gateway, pipelineMetrics, logger)
	if err != nil {
		logger.Error("failed to wire application", "error", err)
		os.Exit(1)
	}

	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET not set; cron endpoints reject every call")
	}
	scheduler := setupScheduler(cfg, app.Runner, logger)
	if scheduler != nil {
		go scheduler.Run(ctx)
	}

	r := router.New(&router.Config{
		Logger:             logger,
		Appointments:       app.Appointments,
		Billing:            app.Billing,
		Cron:               app.Cron,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CronSecret:         cfg.CronSecret,
		ClinicJWTSecret:    cfg.ClinicJWTSecret,
		AllowClinicHeader:  cfg.AllowClinicHeader(),
		APIRateLimit:       cfg.APIRateLimit,
		APIRateBurst:       cfg.APIRateBurst,
		HealthCheck:        stores.Health,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupMetrics() (http.Handler, *metrics.PipelineMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewPipelineMetrics(reg)
}

// setupScheduler returns the in-process pipeline loop, or nil when an external
// scheduler drives the cron endpoints.
func setupScheduler(cfg *appconfig.Config, runner *jobs.Runner, logger *logging.Logger) *jobs.Scheduler {
	if cfg.LocalCronInterval <= 0 {
		return nil
	}
	logger.Info("local cron scheduler enabled", "interval", cfg.LocalCronInterval)
	return jobs.NewScheduler(runner, cfg.LocalCronInterval, logger)
}
