// Package app wires configuration, infrastructure and domain services into
// the api, worker and ledgerctl binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/optik-reconciler/internal/config"
	"github.com/noah-isme/optik-reconciler/internal/db"
	"github.com/noah-isme/optik-reconciler/internal/obs"
)

// Infra owns the process-wide connections.
type Infra struct {
	Config *config.Config
	Logger zerolog.Logger
	Pool   *pgxpool.Pool
	Redis  *redis.Client

	shutdownTracer obs.ShutdownFunc
}

// Open initialises tracing, Postgres and Redis. Migrations run first when
// MigrateOnStart is set. Callers must Close the returned Infra.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, component string) (*Infra, error) {
	in := &Infra{Config: cfg, Logger: logger}

	shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.TracingEnabled,
		ServiceName:   cfg.ServiceName,
		Endpoint:      cfg.TracingEndpoint,
		SamplingRatio: cfg.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	}
	in.shutdownTracer = shutdown

	if cfg.MigrateOnStart {
		if err := db.Up(cfg.DatabaseURL); err != nil {
			in.Close(ctx)
			return nil, err
		}
		logger.Info().Msg("migrations applied")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	in.Pool, err = openPool(connectCtx, cfg.DatabaseURL, cfg.ServiceName+"-"+component)
	if err != nil {
		in.Close(ctx)
		return nil, err
	}
	in.Redis, err = openRedis(connectCtx, cfg.RedisURL)
	if err != nil {
		in.Close(ctx)
		return nil, err
	}
	return in, nil
}

// Close releases connections in reverse order of acquisition.
func (in *Infra) Close(ctx context.Context) {
	if in.Redis != nil {
		if err := in.Redis.Close(); err != nil {
			in.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if in.Pool != nil {
		in.Pool.Close()
	}
	if in.shutdownTracer != nil {
		if err := in.shutdownTracer(ctx); err != nil {
			in.Logger.Error().Err(err).Msg("shutdown tracer")
		}
	}
}

func openPool(ctx context.Context, databaseURL, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := errors.Join(
		redisotel.InstrumentTracing(client),
		redisotel.InstrumentMetrics(client),
	); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("instrument redis: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
