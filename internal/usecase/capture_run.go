package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
	"github.com/fairyhunter13/progressive-capture/pkg/textx"
)

const (
	// maxConsecutiveFailures aborts a job once this many items fail in a row.
	maxConsecutiveFailures = 10
	// rateExhaustedCeiling caps the sleep before the single rate-limit retry.
	rateExhaustedCeiling = time.Minute
	// defaultListLimit bounds the store listing when neither the worker cap
	// nor max items constrain the run.
	defaultListLimit = 1000
	// defaultStoreTimeout bounds every store call issued by the runner.
	defaultStoreTimeout = 10 * time.Second
	// maxErrorText clamps error messages persisted on rows.
	maxErrorText = 500
)

// RunResult summarises one finished capture run for logs and artifacts.
type RunResult struct {
	JobID          string           `json:"job_id"`
	Kind           string           `json:"kind"`
	Repository     string           `json:"repository"`
	Status         domain.JobStatus `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	Total          int              `json:"total"`
	Processed      int              `json:"processed"`
	Failed         int              `json:"failed"`
	Skipped        bool             `json:"skipped,omitempty"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
}

// CaptureRunner executes one capture job: it claims the row, walks the items
// sequentially through the forge client and records progress after every
// item. Both back-ends run jobs through it; only the surrounding process
// differs.
type CaptureRunner struct {
	Jobs     domain.JobRepository
	Progress domain.ProgressRepository
	Captures domain.CaptureRepository
	Forge    domain.ForgeReader
	Budget   domain.BudgetTracker

	// ItemCap bounds items per job; zero means uncapped (batch runs).
	ItemCap int
	// StoreTimeout bounds each store call; zero uses the default.
	StoreTimeout time.Duration
}

// NewCaptureRunner constructs a runner with the given dependencies.
func NewCaptureRunner(jobs domain.JobRepository, progress domain.ProgressRepository, captures domain.CaptureRepository,
	forge domain.ForgeReader, budget domain.BudgetTracker, itemCap int) *CaptureRunner {
	return &CaptureRunner{
		Jobs:         jobs,
		Progress:     progress,
		Captures:     captures,
		Forge:        forge,
		Budget:       budget,
		ItemCap:      itemCap,
		StoreTimeout: defaultStoreTimeout,
	}
}

// Run processes one capture event end to end. Item failures are local: they
// are recorded in progress and the job continues; the job itself fails only
// on ten consecutive item failures, cancellation or timeout. The terminal
// status is always written, even when the context is already done.
func (r *CaptureRunner) Run(ctx domain.Context, ev domain.CaptureEvent) (RunResult, error) {
	tracer := otel.Tracer("usecase.capture")
	ctx, span := tracer.Start(ctx, "capture.Run")
	defer span.End()

	start := time.Now()
	res := RunResult{JobID: ev.JobID, Kind: ev.Kind, Repository: ev.RepositoryName}

	// Claim the row before the first forge call. A conflict means another
	// worker already ran this job (duplicate delivery); skip quietly.
	if err := r.updateStatus(ctx, ev.JobID, domain.JobProcessing, nil); err != nil {
		if errors.Is(err, domain.ErrStoreConflict) {
			slog.Info("job already claimed; skipping", slog.String("job_id", ev.JobID))
			res.Skipped = true
			return res, nil
		}
		return res, fmt.Errorf("op=capture.Run: claim job: %w", err)
	}
	observability.StartProcessingJob(ev.Kind)

	repo, err := r.getRepository(ctx, ev.RepositoryID)
	if err != nil {
		return r.finish(ctx, res, start, domain.JobFailed, "unknown repository")
	}

	items, err := r.itemsToProcess(ctx, ev)
	if err != nil {
		return r.finish(ctx, res, start, domain.JobFailed, "listing items: "+textx.Truncate(err.Error(), maxErrorText))
	}

	progress := domain.Progress{JobID: ev.JobID, Total: len(items)}
	r.recordProgress(ctx, &progress)
	slog.Info("capture run started",
		slog.String("job_id", ev.JobID),
		slog.String("kind", ev.Kind),
		slog.String("repository", ev.RepositoryName),
		slog.Int("items", len(items)))

	consecutive := 0
	for _, number := range items {
		// Between items is the cancellation point; the item under way always
		// finishes so its rows stay consistent.
		if ctx.Err() != nil {
			res.Total, res.Processed, res.Failed = progress.Total, progress.Processed, progress.Failed
			return r.finish(ctx, res, start, domain.JobFailed, cancelReason(ctx.Err()))
		}

		progress.CurrentItem = fmt.Sprintf("PR #%d", number)
		if err := r.processItem(ctx, ev.Kind, repo, number); err != nil {
			progress.Failed++
			consecutive++
			progress.AddError(domain.ItemError{
				ItemID:     fmt.Sprintf("%d", number),
				Message:    textx.Truncate(err.Error(), maxErrorText),
				OccurredAt: time.Now().UTC(),
			})
			slog.Warn("capture item failed",
				slog.String("job_id", ev.JobID),
				slog.Int("pr_number", number),
				slog.Int("consecutive", consecutive),
				slog.Any("error", err))
		} else {
			progress.Processed++
			consecutive = 0
		}
		r.recordProgress(ctx, &progress)

		if consecutive >= maxConsecutiveFailures {
			res.Total, res.Processed, res.Failed = progress.Total, progress.Processed, progress.Failed
			return r.finish(ctx, res, start, domain.JobFailed,
				fmt.Sprintf("aborted after %d consecutive item failures", consecutive))
		}
	}

	res.Total, res.Processed, res.Failed = progress.Total, progress.Processed, progress.Failed
	return r.finish(ctx, res, start, domain.JobCompleted, "")
}

// processItem captures one PR. A rate-exhausted attempt sleeps until the
// budget resets (capped at one minute) and retries exactly once.
func (r *CaptureRunner) processItem(ctx domain.Context, kind string, repo domain.Repository, number int) error {
	err := r.captureItem(ctx, kind, repo, number)
	if !errors.Is(err, domain.ErrRateExhausted) {
		return err
	}

	wait := rateExhaustedCeiling
	if resetAt, ok := r.Budget.ResetAt(); ok {
		if until := time.Until(resetAt); until < wait {
			wait = until
		}
	}
	if wait > 0 {
		slog.Warn("rate budget exhausted; sleeping before retry",
			slog.Int("pr_number", number),
			slog.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return err
		}
	}
	return r.captureItem(ctx, kind, repo, number)
}

// captureItem issues the forge reads for the job kind and upserts the
// normalised records. Upsert conflicts are idempotent successes.
func (r *CaptureRunner) captureItem(ctx domain.Context, kind string, repo domain.Repository, number int) error {
	if err := r.Budget.Admit(); err != nil {
		return err
	}

	switch kind {
	case domain.JobKindReviews:
		reviews, err := r.Forge.GetPRReviews(ctx, repo.Owner, repo.Name, number)
		if err != nil {
			return err
		}
		for _, rv := range reviews {
			rv.Body = textx.SanitizeText(rv.Body)
			if err := r.ignoreConflict(r.upsertReview(ctx, repo.ID, number, rv)); err != nil {
				return err
			}
		}
		return nil
	case domain.JobKindComments:
		comments, err := r.Forge.GetPRComments(ctx, repo.Owner, repo.Name, number)
		if err != nil {
			return err
		}
		return r.storeComments(ctx, repo.ID, number, comments)
	default:
		// details, file-changes and historical-sync capture the complete
		// record: the compound read already paid for every section.
		data, err := r.Forge.GetPRCompleteData(ctx, repo.Owner, repo.Name, number)
		if err != nil {
			return err
		}
		data.PullRequest.Title = textx.SanitizeText(data.PullRequest.Title)
		data.PullRequest.Body = textx.SanitizeText(data.PullRequest.Body)
		if err := r.ignoreConflict(r.upsertPullRequest(ctx, repo.ID, data.PullRequest, data.Files)); err != nil {
			return err
		}
		for _, rv := range data.Reviews {
			rv.Body = textx.SanitizeText(rv.Body)
			if err := r.ignoreConflict(r.upsertReview(ctx, repo.ID, number, rv)); err != nil {
				return err
			}
		}
		return r.storeComments(ctx, repo.ID, number, domain.PRComments{
			IssueComments:  data.IssueComments,
			ReviewComments: data.ReviewComments,
		})
	}
}

func (r *CaptureRunner) storeComments(ctx domain.Context, repositoryID string, number int, comments domain.PRComments) error {
	for _, c := range comments.IssueComments {
		c.Body = textx.SanitizeText(c.Body)
		if err := r.ignoreConflict(r.upsertIssueComment(ctx, repositoryID, number, c)); err != nil {
			return err
		}
	}
	for _, c := range comments.ReviewComments {
		c.Body = textx.SanitizeText(c.Body)
		if err := r.ignoreConflict(r.upsertReviewComment(ctx, repositoryID, number, c)); err != nil {
			return err
		}
	}
	return nil
}

// itemsToProcess builds the PR list for the run: explicit numbers when the
// event carries them, otherwise candidates from the store for the requested
// window. The forge is never consulted for discovery.
func (r *CaptureRunner) itemsToProcess(ctx domain.Context, ev domain.CaptureEvent) ([]int, error) {
	limit := defaultListLimit
	if r.ItemCap > 0 && r.ItemCap < limit {
		limit = r.ItemCap
	}
	if ev.MaxItems != nil && *ev.MaxItems < limit {
		limit = *ev.MaxItems
	}

	if len(ev.PRNumbers) > 0 {
		items := ev.PRNumbers
		if len(items) > limit {
			items = items[:limit]
		}
		return items, nil
	}
	if ev.TimeRangeDays == nil {
		return nil, nil
	}

	since := time.Now().UTC().AddDate(0, 0, -*ev.TimeRangeDays)
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Captures.ListRecentPRNumbers(sctx, ev.RepositoryID, since, limit)
}

// finish writes the terminal status. The write is detached from the run
// context so cancelled and timed-out jobs still land in a terminal state.
func (r *CaptureRunner) finish(ctx domain.Context, res RunResult, start time.Time, status domain.JobStatus, reason string) (RunResult, error) {
	res.Status = status
	res.Reason = reason
	res.ElapsedSeconds = time.Since(start).Seconds()

	detached := context.WithoutCancel(ctx)
	var errMsg *string
	if reason != "" {
		errMsg = &reason
	}
	if err := r.updateStatus(detached, res.JobID, status, errMsg); err != nil {
		observability.FailJob(res.Kind)
		return res, fmt.Errorf("op=capture.Run: terminal status: %w", err)
	}

	observability.ObserveCaptureRun(res.Processed, res.Failed)
	observability.ObserveJobDuration(res.Kind, string(status), res.ElapsedSeconds)
	if status == domain.JobCompleted {
		observability.CompleteJob(res.Kind)
		slog.Info("capture run completed",
			slog.String("job_id", res.JobID),
			slog.Int("processed", res.Processed),
			slog.Int("failed", res.Failed),
			slog.Float64("elapsed_seconds", res.ElapsedSeconds))
		return res, nil
	}

	observability.FailJob(res.Kind)
	slog.Error("capture run failed",
		slog.String("job_id", res.JobID),
		slog.String("reason", reason),
		slog.Int("processed", res.Processed),
		slog.Int("failed", res.Failed))
	return res, fmt.Errorf("op=capture.Run: job %s: %s", res.JobID, reason)
}

// recordProgress upserts the progress row. Failures are logged and absorbed:
// losing a progress beat never fails the run.
func (r *CaptureRunner) recordProgress(ctx domain.Context, p *domain.Progress) {
	p.UpdatedAt = time.Now().UTC()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout())
	defer cancel()
	if err := r.Progress.Upsert(sctx, *p); err != nil {
		slog.Warn("progress update failed", slog.String("job_id", p.JobID), slog.Any("error", err))
	}
}

func (r *CaptureRunner) updateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Jobs.UpdateStatus(sctx, id, status, errMsg)
}

func (r *CaptureRunner) getRepository(ctx domain.Context, id string) (domain.Repository, error) {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Captures.GetRepository(sctx, id)
}

func (r *CaptureRunner) upsertPullRequest(ctx domain.Context, repositoryID string, pr domain.PullRequest, files []domain.PRFile) error {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Captures.UpsertPullRequest(sctx, repositoryID, pr, files)
}

func (r *CaptureRunner) upsertReview(ctx domain.Context, repositoryID string, number int, rv domain.Review) error {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Captures.UpsertReview(sctx, repositoryID, number, rv)
}

func (r *CaptureRunner) upsertIssueComment(ctx domain.Context, repositoryID string, number int, c domain.IssueComment) error {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Captures.UpsertIssueComment(sctx, repositoryID, number, c)
}

func (r *CaptureRunner) upsertReviewComment(ctx domain.Context, repositoryID string, number int, c domain.ReviewComment) error {
	sctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Captures.UpsertReviewComment(sctx, repositoryID, number, c)
}

func (r *CaptureRunner) storeTimeout() time.Duration {
	if r.StoreTimeout > 0 {
		return r.StoreTimeout
	}
	return defaultStoreTimeout
}

func (r *CaptureRunner) ignoreConflict(err error) error {
	if errors.Is(err, domain.ErrStoreConflict) {
		return nil
	}
	return err
}

func cancelReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "cancelled"
}
