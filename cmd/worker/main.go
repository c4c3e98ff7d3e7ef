// Command worker runs the low-latency capture back-end: a Redpanda consumer
// group feeding a dynamic worker pool, plus the stuck-job sweeper.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/forge"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/progressive-capture/internal/app"
	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/service/governor"
	"github.com/fairyhunter13/progressive-capture/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose queue and capture metrics on a dedicated port; the worker has no
	// API surface of its own.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database connection
	dsn, err := cfg.DSN()
	if err != nil {
		slog.Error("store dsn invalid", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	progressRepo := postgres.NewProgressRepo(pool)
	captureRepo := postgres.NewCaptureRepo(pool)

	// Forge client: compound path with fine-grained fallback, budget-governed.
	gov := governor.NewGovernor(cfg.GovernorWarningRemaining, cfg.GovernorCriticalRemaining, cfg.GovernorEfficiencyPoints)
	pacer := forge.NewPacer(cfg.ForgeRatePerSec, cfg.ForgeRateBurst)
	compound := forge.NewCompoundClient(cfg, gov, pacer)
	rest := forge.NewRESTClient(cfg, gov, pacer)
	hybrid := forge.NewHybridClient(compound, rest, cfg.UseCompound)

	runner := usecase.NewCaptureRunner(jobRepo, progressRepo, captureRepo, hybrid, gov, cfg.PerJobItemCap)
	runner.StoreTimeout = cfg.StoreTimeout

	// Worker (Redpanda consumer) with dynamic worker pool
	consumer, err := redpanda.NewConsumer(redpanda.ConsumerConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.CaptureGroup,
		Topic:           cfg.CaptureTopic,
		MinWorkers:      cfg.WorkerMinConcurrency,
		MaxWorkers:      cfg.WorkerMaxConcurrency,
		ScalingInterval: cfg.WorkerScalingInterval,
		IdleTimeout:     cfg.WorkerIdleTimeout,
		Partitions:      cfg.TopicPartitions,
		Replication:     cfg.TopicReplication,
	}, runner)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	// Stuck-job sweeper: reaps processing rows abandoned by crashed workers.
	if sweeper := app.NewStuckJobSweeper(jobRepo, cfg.StuckJobTTL, cfg.SweeperInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	slog.Info("worker started, waiting for capture events",
		slog.String("group", cfg.CaptureGroup),
		slog.String("topic", cfg.CaptureTopic),
		slog.Int("max_workers", cfg.WorkerMaxConcurrency))

	// Start blocks until the context is cancelled, then drains the pool.
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
