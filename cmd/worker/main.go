package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/optik-reconciler/internal/app"
	"github.com/noah-isme/optik-reconciler/internal/config"
	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/replay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, cfg, logger, "worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise infrastructure")
	}
	defer infra.Close(context.Background())

	svc := app.NewServices(infra)
	taskLogger := replay.Logger{L: logger}

	server := asynq.NewServerFromRedisClient(infra.Redis, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues: map[string]int{
			cfg.ReplayQueue: 6,
			"default":       1,
		},
		Logger:          taskLogger,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task_failed")
		}),
	})
	scheduler := asynq.NewSchedulerFromRedisClient(infra.Redis, &asynq.SchedulerOpts{
		Logger:   taskLogger,
		Location: time.UTC,
	})
	entryID, err := replay.RegisterSweep(scheduler, cfg.SweepSchedule, cfg.ReplayQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("register stale sweep")
	}
	logger.Info().Str("entry_id", entryID).Str("schedule", cfg.SweepSchedule).Msg("stale sweep scheduled")

	metricsSrv := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	if err := server.Start(svc.Worker.Mux()); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	logger.Info().Msg("worker starting")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	server.Shutdown()
	scheduler.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics shutdown")
	}
	logger.Info().Msg("worker shutdown complete")
}
