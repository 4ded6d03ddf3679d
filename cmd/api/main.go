package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/noah-isme/optik-reconciler/internal/admin"
	"github.com/noah-isme/optik-reconciler/internal/app"
	"github.com/noah-isme/optik-reconciler/internal/config"
	"github.com/noah-isme/optik-reconciler/internal/health"
	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().
		Str("env", cfg.AppEnv).
		Str("component", "api").
		Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, cfg, logger, "api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise infrastructure")
	}
	defer infra.Close(context.Background())

	svc := app.NewServices(infra)

	store, err := ratelimit.NewRedisStore(infra.Redis, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("init rate limit store")
	}
	webhookLimiter, err := ratelimit.New(store, cfg.WebhookRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse webhook rate limit")
	}

	deps := app.RouterDeps{
		Config:    cfg,
		Logger:    logger,
		Webhooks:  svc.Pipeline,
		Health:    health.Dependencies{DB: infra.Pool, Redis: infra.Redis},
		RateLimit: webhookLimiter,
		Metrics:   httpMetrics,
	}
	if cfg.AdminEnabled() {
		deps.Admin = &admin.Handler{
			Ledger:     svc.Ledger,
			Replays:    svc.Replays,
			StaleAfter: cfg.LedgerStaleAfter,
		}
	} else {
		logger.Warn().Msg("ADMIN_JWT_SECRET not set; admin api disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           app.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
}
