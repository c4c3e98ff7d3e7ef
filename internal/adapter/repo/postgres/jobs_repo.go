package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// JobRepo persists and loads capture jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// allowedPrior maps each target status to the statuses a job may hold before
// the transition. Terminal states have no exits.
var allowedPrior = map[domain.JobStatus][]string{
	domain.JobProcessing: {string(domain.JobPending)},
	domain.JobCompleted:  {string(domain.JobProcessing)},
	domain.JobFailed:     {string(domain.JobPending), string(domain.JobProcessing)},
}

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := j.Status
	if status == "" {
		status = domain.JobPending
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=job.create: marshal metadata: %w", err)
	}
	q := `INSERT INTO progressive_capture_jobs (id, kind, repository_id, repository_name, backend, status, run_id, time_range_days, metadata, error, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.Pool.Exec(ctx, q, id, j.Kind, j.RepositoryID, j.RepositoryName, j.Backend, status, j.RunID, j.TimeRangeDays, meta, j.Error, time.Now().UTC())
	if err != nil {
		return "", mapStoreError("job.create", err)
	}
	return id, nil
}

// UpdateStatus moves a job to status, recording errMsg when present. The
// transition is guarded so statuses only move forward: pending -> processing
// -> (completed | failed). A job already past the requested transition
// reports ErrStoreConflict; a missing job reports ErrNotFound.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	prior, ok := allowedPrior[status]
	if !ok {
		return fmt.Errorf("op=job.update_status: status %q: %w", status, domain.ErrInvalidArgument)
	}
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	q := `UPDATE progressive_capture_jobs
	      SET status=$2, error=$3,
	          started_at = CASE WHEN $2 = 'processing' THEN $4 ELSE started_at END,
	          completed_at = CASE WHEN $2 IN ('completed','failed') THEN $4 ELSE completed_at END
	      WHERE id=$1 AND status = ANY($5)`
	tag, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC(), prior)
	if err != nil {
		return mapStoreError("job.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		row := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM progressive_capture_jobs WHERE id=$1)`, id)
		if scanErr := row.Scan(&exists); scanErr != nil {
			return mapStoreError("job.update_status", scanErr)
		}
		if !exists {
			return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.update_status: job %s not in %v: %w", id, prior, domain.ErrStoreConflict)
	}
	return nil
}

// SetRunID records the external run id for a batch job.
func (r *JobRepo) SetRunID(ctx domain.Context, id, runID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetRunID")
	defer span.End()
	q := `UPDATE progressive_capture_jobs SET run_id=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, runID)
	if err != nil {
		return mapStoreError("job.set_run_id", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_run_id: %w", domain.ErrNotFound)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, kind, repository_id, repository_name, backend, status, run_id, time_range_days, metadata, COALESCE(error,''), created_at, started_at, completed_at
	      FROM progressive_capture_jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, mapStoreError("job.get", err)
	}
	return j, nil
}

// Stats aggregates job outcomes created since the given time.
func (r *JobRepo) Stats(ctx domain.Context, since time.Time) (domain.JobStats, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Stats")
	defer span.End()
	q := `SELECT count(*),
	             count(*) FILTER (WHERE status = 'completed'),
	             count(*) FILTER (WHERE status = 'failed'),
	             count(*) FILTER (WHERE status = 'processing')
	      FROM progressive_capture_jobs WHERE created_at >= $1`
	row := r.Pool.QueryRow(ctx, q, since.UTC())
	var s domain.JobStats
	if err := row.Scan(&s.Total, &s.Completed, &s.Failed, &s.Processing); err != nil {
		return domain.JobStats{}, mapStoreError("job.stats", err)
	}
	return s, nil
}

// ListStale returns processing jobs whose started_at predates olderThan.
// The stuck-job sweeper uses this to fail abandoned work.
func (r *JobRepo) ListStale(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStale")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, kind, repository_id, repository_name, backend, status, run_id, time_range_days, metadata, COALESCE(error,''), created_at, started_at, completed_at
	      FROM progressive_capture_jobs
	      WHERE status = 'processing' AND started_at < $1
	      ORDER BY started_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, olderThan.UTC(), limit)
	if err != nil {
		return nil, mapStoreError("job.list_stale", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapStoreError("job.list_stale", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("job.list_stale", err)
	}
	return jobs, nil
}

// rowScanner covers pgx.Row and pgx.Rows for shared scan helpers.
type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var meta []byte
	if err := row.Scan(&j.ID, &j.Kind, &j.RepositoryID, &j.RepositoryName, &j.Backend, &j.Status, &j.RunID, &j.TimeRangeDays, &meta, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return domain.Job{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return j, nil
}
