// Command batchrun executes one batch capture job to completion. The external
// workflow runner invokes it with the job id and capture inputs in the
// environment; the run is bounded by BATCH_RUN_TIMEOUT and leaves a JSON
// summary artifact behind.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/artifacts"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/forge"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
	"github.com/fairyhunter13/progressive-capture/internal/service/governor"
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

	// The router created the job row when it dispatched the workflow; the run
	// is meaningless without it.
	if cfg.JobID == "" {
		slog.Error("JOB_ID not set")
		return 1
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, cfg.BatchRunTimeout)
	defer cancel()

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
	progressRepo := postgres.NewProgressRepo(pool)
	captureRepo := postgres.NewCaptureRepo(pool)

	job, err := jobRepo.Get(ctx, cfg.JobID)
	if err != nil {
		slog.Error("job row not found",
			slog.String("job_id", cfg.JobID),
			slog.Any("error", err))
		return 1
	}

	gov := governor.NewGovernor(cfg.GovernorWarningRemaining, cfg.GovernorCriticalRemaining, cfg.GovernorEfficiencyPoints)
	pacer := forge.NewPacer(cfg.ForgeRatePerSec, cfg.ForgeRateBurst)
	hybrid := forge.NewHybridClient(
		forge.NewCompoundClient(cfg, gov, pacer),
		forge.NewRESTClient(cfg, gov, pacer),
		cfg.UseCompound)

	// Batch runs are uncapped; MAX_ITEMS bounds the item list when set.
	runner := usecase.NewCaptureRunner(jobRepo, progressRepo, captureRepo, hybrid, gov, 0)
	runner.StoreTimeout = cfg.StoreTimeout

	// Env inputs win over the stored row so a re-dispatch can narrow the run.
	data := cfg.CaptureJobData()
	if data.TimeRangeDays == nil {
		data.TimeRangeDays = job.TimeRangeDays
	}

	res, runErr := runner.Run(ctx, domain.CaptureEvent{
		JobID:          job.ID,
		Kind:           job.Kind,
		RepositoryID:   job.RepositoryID,
		RepositoryName: job.RepositoryName,
		PRNumbers:      data.PRNumbers,
		TimeRangeDays:  data.TimeRangeDays,
		MaxItems:       data.MaxItems,
	})

	writer := artifacts.NewWriter(cfg.ArtifactsDir)
	if path, err := writer.Write("batch-run-summary", res); err != nil {
		slog.Error("failed to write run summary", slog.Any("error", err))
	} else {
		slog.Info("run summary written", slog.String("path", path))
	}

	if runErr != nil {
		slog.Error("batch run failed",
			slog.String("job_id", job.ID),
			slog.Any("error", runErr))
		return 1
	}
	slog.Info("batch run finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(res.Status)),
		slog.Int("processed", res.Processed),
		slog.Int("failed", res.Failed))
	return 0
}
