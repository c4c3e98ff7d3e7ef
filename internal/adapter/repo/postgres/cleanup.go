package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService deletes terminal capture jobs past the retention window.
// Progress rows go with their job in the same transaction; the normalised
// capture projections are durable and never touched here.
type CleanupService struct {
	DB            Beginner
	RetentionDays int
}

// NewCleanupService creates a cleanup service with the given retention.
func NewCleanupService(db Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{DB: db, RetentionDays: retentionDays}
}

// CleanupOldData removes terminal jobs (and their progress rows) created
// before the retention cutoff.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	progTag, err := tx.Exec(ctx, `
		DELETE FROM progressive_capture_progress
		WHERE job_id IN (
			SELECT id FROM progressive_capture_jobs
			WHERE status IN ('completed','failed') AND created_at < $1
		)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup progress: %w", err)
	}

	jobTag, err := tx.Exec(ctx, `
		DELETE FROM progressive_capture_jobs
		WHERE status IN ('completed','failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup jobs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("job retention cleanup completed",
		slog.Int64("deleted_jobs", jobTag.RowsAffected()),
		slog.Int64("deleted_progress", progTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic runs cleanup immediately and then on the given interval until
// the context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
