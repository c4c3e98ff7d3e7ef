// Command server starts the progressive capture API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/cache"
	httpserver "github.com/fairyhunter13/progressive-capture/internal/adapter/httpserver"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/jobrunner"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/progressive-capture/internal/app"
	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness check's minimal surface.
type redisPinger struct{ rdb *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, forge and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	dsn, err := cfg.DSN()
	if err != nil {
		slog.Error("store dsn invalid", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	progressRepo := postgres.NewProgressRepo(pool)
	captureRepo := postgres.NewCaptureRepo(pool)
	rolloutRepo := postgres.NewRolloutRepo(pool, postgres.PoolBeginner{Pool: pool})

	// Start cleanup service for job retention
	if cfg.JobRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(postgres.PoolBeginner{Pool: pool}, cfg.JobRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.JobRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Rollout cache (Redis)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	rolloutCache := cache.NewRolloutCache(rdb, cfg.RolloutCacheTTL)

	// Low-latency back-end (Redpanda producer)
	producer, err := redpanda.NewProducer(redpanda.ProducerConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.CaptureTopic,
		Partitions:  cfg.TopicPartitions,
		Replication: cfg.TopicReplication,
	})
	if err != nil {
		slog.Error("queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	// Batch back-end (external workflow runner)
	runner := jobrunner.NewClient(cfg)
	workflows, err := config.LoadWorkflowConfig(cfg.WorkflowsFile)
	if err != nil {
		slog.Error("workflow config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Usecases
	rolloutSvc := usecase.NewRolloutService(rolloutRepo, rolloutCache, captureRepo)
	captureSvc := usecase.NewCaptureService(jobRepo, progressRepo, captureRepo,
		producer, runner, rolloutSvc, workflows)

	// Readiness checks
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, redisPinger{rdb: rdb}, producer)

	// HTTP server
	srv := httpserver.NewServer(cfg, captureSvc, rolloutSvc, jobRepo, progressRepo,
		dbCheck, redisCheck, kafkaCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
