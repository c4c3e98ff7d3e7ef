package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// ProgressRepo persists per-job progress counters.
type ProgressRepo struct{ Pool PgxPool }

// NewProgressRepo constructs a ProgressRepo with the given pool.
func NewProgressRepo(p PgxPool) *ProgressRepo { return &ProgressRepo{Pool: p} }

// Upsert writes the progress row for p.JobID. Counters are merged with
// GREATEST so concurrent writers can never move a count backwards.
func (r *ProgressRepo) Upsert(ctx domain.Context, p domain.Progress) error {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.Upsert")
	defer span.End()
	if p.JobID == "" {
		return fmt.Errorf("op=progress.upsert: empty job id: %w", domain.ErrInvalidArgument)
	}
	recent, err := json.Marshal(p.RecentErrors)
	if err != nil {
		return fmt.Errorf("op=progress.upsert: marshal recent errors: %w", err)
	}
	q := `INSERT INTO progressive_capture_progress (job_id, total, processed, failed, current_item, recent_errors, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (job_id) DO UPDATE SET
	        total = GREATEST(progressive_capture_progress.total, EXCLUDED.total),
	        processed = GREATEST(progressive_capture_progress.processed, EXCLUDED.processed),
	        failed = GREATEST(progressive_capture_progress.failed, EXCLUDED.failed),
	        current_item = EXCLUDED.current_item,
	        recent_errors = EXCLUDED.recent_errors,
	        updated_at = EXCLUDED.updated_at`
	_, err = r.Pool.Exec(ctx, q, p.JobID, p.Total, p.Processed, p.Failed, p.CurrentItem, recent, time.Now().UTC())
	if err != nil {
		return mapStoreError("progress.upsert", err)
	}
	return nil
}

// Get loads the progress row for a job.
func (r *ProgressRepo) Get(ctx domain.Context, jobID string) (domain.Progress, error) {
	tracer := otel.Tracer("repo.progress")
	ctx, span := tracer.Start(ctx, "progress.Get")
	defer span.End()
	q := `SELECT job_id, total, processed, failed, COALESCE(current_item,''), recent_errors, updated_at
	      FROM progressive_capture_progress WHERE job_id=$1`
	row := r.Pool.QueryRow(ctx, q, jobID)
	var p domain.Progress
	var recent []byte
	if err := row.Scan(&p.JobID, &p.Total, &p.Processed, &p.Failed, &p.CurrentItem, &recent, &p.UpdatedAt); err != nil {
		return domain.Progress{}, mapStoreError("progress.get", err)
	}
	if len(recent) > 0 {
		if err := json.Unmarshal(recent, &p.RecentErrors); err != nil {
			return domain.Progress{}, fmt.Errorf("op=progress.get: unmarshal recent errors: %w", err)
		}
	}
	return p, nil
}
