// Command healthcheck runs one health check over recent job outcomes and
// rolls the capture feature back when the failure rate crosses the critical
// threshold. The workflow runner schedules it; the report and any rollback
// incident land as JSON artifacts in ARTIFACTS_DIR.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/artifacts"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/cache"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/usecase"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 1
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := cfg.DSN()
	if err != nil {
		slog.Error("store dsn invalid", slog.Any("error", err))
		return 1
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	captureRepo := postgres.NewCaptureRepo(pool)
	rolloutRepo := postgres.NewRolloutRepo(pool, postgres.PoolBeginner{Pool: pool})

	// A rollback must invalidate the shared cache, or the API keeps gating on
	// the pre-incident percentage until the TTL expires.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	rolloutCache := cache.NewRolloutCache(rdb, cfg.RolloutCacheTTL)

	rolloutSvc := usecase.NewRolloutService(rolloutRepo, rolloutCache, captureRepo)
	svc := usecase.NewHealthService(jobRepo, rolloutSvc)
	svc.RollbackTo = cfg.RollbackPercentage
	if cfg.RollbackReason != "" {
		svc.RollbackReason = cfg.RollbackReason
	}
	if cfg.TriggeredBy != "" {
		svc.TriggeredBy = cfg.TriggeredBy
	}

	rep, runErr := svc.Run(ctx, cfg.CheckType, cfg.ForceCheck)

	// The report is written even when the check errored; a failed rollback
	// with its incident attached is exactly what the on-call needs to see.
	writer := artifacts.NewWriter(cfg.ArtifactsDir)
	if path, err := writer.Write("health-report", rep); err != nil {
		slog.Error("failed to write health report", slog.Any("error", err))
	} else {
		slog.Info("health report written", slog.String("path", path))
	}
	if rep.Incident != nil {
		if path, err := writer.Write("rollback-incident", rep.Incident); err != nil {
			slog.Error("failed to write incident report", slog.Any("error", err))
		} else {
			slog.Info("incident report written", slog.String("path", path))
		}
	}

	if runErr != nil {
		slog.Error("health check failed", slog.Any("error", runErr))
		return 1
	}
	slog.Info("health check finished",
		slog.String("check_type", rep.CheckType),
		slog.Float64("error_rate", rep.ErrorRate),
		slog.Bool("critical", rep.Critical))
	return 0
}
