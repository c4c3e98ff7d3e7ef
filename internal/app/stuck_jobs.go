package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// StuckJobSweeper fails jobs that have been processing longer than the
// configured age. A worker that crashed mid-run never writes a terminal
// status; without the sweeper those jobs would sit in processing forever.
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

func NewStuckJobSweeper(jobs domain.JobRepository, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 3 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckJobSweeper{
		jobs:             jobs,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	totalChecked := 0
	totalMarkedFailed := 0

	for {
		jobs, err := s.jobs.ListStale(ctx, cutoff, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		if len(jobs) == 0 {
			break
		}
		totalChecked += len(jobs)

		marked := 0
		for _, j := range jobs {
			jobCtx, jobSpan := tracer.Start(ctx, "StuckJobSweeper.markFailed")
			jobSpan.SetAttributes(
				attribute.String("job.id", j.ID),
				attribute.String("job.kind", j.Kind),
			)
			msg := fmt.Sprintf("job processing exceeded maximum age %v; marked failed by sweeper", s.maxProcessingAge)
			if err := s.jobs.UpdateStatus(jobCtx, j.ID, domain.JobFailed, &msg); err != nil {
				jobSpan.RecordError(err)
				slog.Error("stuck job sweep failed to update job status", slog.String("job_id", j.ID), slog.Any("error", err))
			} else {
				marked++
			}
			jobSpan.End()
		}
		totalMarkedFailed += marked

		// Marked jobs leave the processing state, so the next ListStale call
		// returns the following batch. A barren pass would repeat the same
		// page forever; stop and retry on the next tick instead.
		if marked == 0 || len(jobs) < pageSize {
			break
		}
	}

	if totalMarkedFailed > 0 {
		slog.Warn("stuck jobs marked failed",
			slog.Int("checked", totalChecked),
			slog.Int("failed", totalMarkedFailed))
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", totalChecked),
		attribute.Int("jobs.total_marked_failed", totalMarkedFailed),
	)
}
