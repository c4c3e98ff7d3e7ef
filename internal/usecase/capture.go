// Package usecase contains the application services between the transport
// adapters and the domain ports: the capture router, the rollout controller,
// the per-job capture runner and the health monitor.
package usecase

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// jobDataRules mirrors domain.JobData with the validation tags the router
// enforces before any row is written.
type jobDataRules struct {
	Kind           string `validate:"required,oneof=details reviews comments historical-sync file-changes"`
	RepositoryID   string `validate:"required,max=255"`
	RepositoryName string `validate:"required,max=255"`
	TriggerSource  string `validate:"required,oneof=manual scheduled"`
	PRNumbers      []int  `validate:"omitempty,dive,gt=0"`
	TimeRangeDays  *int   `validate:"omitempty,gt=0"`
	MaxItems       *int   `validate:"omitempty,gt=0"`
}

// Classify picks the back-end for a capture request. The rules apply in
// order, first match wins: a window of at most one day, an explicit set of
// up to ten PRs, or a manual trigger stays low latency; everything else is
// batch work.
func Classify(d domain.JobData) domain.Backend {
	if d.TimeRangeDays != nil && *d.TimeRangeDays <= 1 {
		return domain.BackendLowLatency
	}
	if n := len(d.PRNumbers); n >= 1 && n <= 10 {
		return domain.BackendLowLatency
	}
	if d.TriggerSource == domain.TriggerManual {
		return domain.BackendLowLatency
	}
	return domain.BackendBatch
}

// RolloutGate is the slice of the rollout controller the router consults.
type RolloutGate interface {
	IsAllowed(ctx domain.Context, feature, repositoryID string) (bool, error)
}

// WorkflowResolver maps a job kind to the workflow name the batch runner
// dispatches.
type WorkflowResolver interface {
	WorkflowFor(kind string) (string, error)
}

// CaptureService is the hybrid router: it validates capture requests,
// consults the rollout gate, creates the job and progress rows and hands the
// job to the chosen back-end. Enqueue returns once dispatch is accepted,
// never after the work completes.
type CaptureService struct {
	Jobs      domain.JobRepository
	Progress  domain.ProgressRepository
	Captures  domain.CaptureRepository
	Queue     domain.Queue
	Runner    domain.BatchRunner
	Gate      RolloutGate
	Workflows WorkflowResolver

	// DispatchRetry bounds the single retry against a refusing back-end.
	DispatchRetry domain.RetryConfig
}

// NewCaptureService constructs the router with its dependencies.
func NewCaptureService(jobs domain.JobRepository, progress domain.ProgressRepository, captures domain.CaptureRepository,
	queue domain.Queue, runner domain.BatchRunner, gate RolloutGate, workflows WorkflowResolver) CaptureService {
	return CaptureService{
		Jobs:          jobs,
		Progress:      progress,
		Captures:      captures,
		Queue:         queue,
		Runner:        runner,
		Gate:          gate,
		Workflows:     workflows,
		DispatchRetry: domain.DefaultDispatchRetryConfig(),
	}
}

// Enqueue validates the request, routes it and dispatches to the chosen
// back-end. The rollout gate only decides whether hybrid routing is active:
// a gated repository still captures, it just stays on the low-latency path.
func (s CaptureService) Enqueue(ctx domain.Context, kind string, data domain.JobData) (string, error) {
	if err := s.validate(kind, data); err != nil {
		return "", err
	}

	repo, err := s.Captures.GetRepository(ctx, data.RepositoryID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("op=capture.Enqueue: unknown repository %s: %w", data.RepositoryID, domain.ErrInvalidArgument)
		}
		return "", fmt.Errorf("op=capture.Enqueue: %w", err)
	}

	backend := domain.BackendLowLatency
	gated := false
	allowed, gateErr := s.Gate.IsAllowed(ctx, domain.DefaultFeature, repo.ID)
	switch {
	case gateErr != nil:
		// The gate never blocks capture itself: an unreadable gate routes
		// everything to the low-latency back-end.
		slog.Warn("rollout gate unavailable; routing low latency",
			slog.String("repository_id", repo.ID),
			slog.Any("error", gateErr))
	case allowed:
		backend = Classify(data)
	default:
		gated = true
	}

	job := domain.Job{
		ID:             uuid.New().String(),
		Kind:           kind,
		RepositoryID:   repo.ID,
		RepositoryName: data.RepositoryName,
		Backend:        backend,
		Status:         domain.JobPending,
		TimeRangeDays:  data.TimeRangeDays,
		Metadata: map[string]any{
			"trigger_source": data.TriggerSource,
			"pr_count":       len(data.PRNumbers),
		},
	}
	if data.MaxItems != nil {
		job.Metadata["max_items"] = *data.MaxItems
	}

	jobID, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("op=capture.Enqueue: %w", err)
	}
	if err := s.Progress.Upsert(ctx, domain.Progress{JobID: jobID}); err != nil {
		return "", fmt.Errorf("op=capture.Enqueue: %w", err)
	}

	if err := s.dispatch(ctx, jobID, kind, backend, data); err != nil {
		reason := "dispatch refused by back-end"
		_ = s.Jobs.UpdateStatus(ctx, jobID, domain.JobFailed, &reason)
		cause := domain.ErrBackendUnavailable
		if gated {
			// The gated path has no second fallback: the request was already
			// forced onto low latency and that refused too.
			cause = domain.ErrRolloutGated
		}
		return "", fmt.Errorf("op=capture.Enqueue: dispatch %s: %w", backend, cause)
	}

	observability.EnqueueJob(kind, string(backend))
	slog.Info("capture job enqueued",
		slog.String("job_id", jobID),
		slog.String("kind", kind),
		slog.String("backend", string(backend)),
		slog.String("repository", data.RepositoryName))
	return jobID, nil
}

func (s CaptureService) validate(kind string, data domain.JobData) error {
	rules := jobDataRules{
		Kind:           kind,
		RepositoryID:   data.RepositoryID,
		RepositoryName: data.RepositoryName,
		TriggerSource:  data.TriggerSource,
		PRNumbers:      data.PRNumbers,
		TimeRangeDays:  data.TimeRangeDays,
		MaxItems:       data.MaxItems,
	}
	if err := getValidator().Struct(rules); err != nil {
		var fields []string
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
		}
		return fmt.Errorf("op=capture.Enqueue: invalid fields [%s]: %w",
			strings.Join(fields, ", "), domain.ErrInvalidArgument)
	}
	return nil
}

// dispatch hands the job to its back-end, retrying a refusal once after a
// short bounded wait. No cross-dispatch: the alternate back-end is never
// tried.
func (s CaptureService) dispatch(ctx domain.Context, jobID, kind string, backend domain.Backend, data domain.JobData) error {
	var lastErr error
	for attempt := 0; attempt <= s.DispatchRetry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := s.DispatchRetry.DelayFor(attempt - 1)
			slog.Warn("back-end refused dispatch; retrying",
				slog.String("job_id", jobID),
				slog.String("backend", string(backend)),
				slog.Duration("wait", wait),
				slog.Any("error", lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if backend == domain.BackendBatch {
			lastErr = s.dispatchBatch(ctx, jobID, kind, data)
		} else {
			lastErr = s.Queue.EnqueueCapture(ctx, domain.CaptureEvent{
				JobID:          jobID,
				Kind:           kind,
				RepositoryID:   data.RepositoryID,
				RepositoryName: data.RepositoryName,
				PRNumbers:      data.PRNumbers,
				TimeRangeDays:  data.TimeRangeDays,
				MaxItems:       data.MaxItems,
			})
		}
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// dispatchBatch resolves the workflow for the job kind, invokes the external
// runner and stores the returned run id on the job row.
func (s CaptureService) dispatchBatch(ctx domain.Context, jobID, kind string, data domain.JobData) error {
	workflow, err := s.Workflows.WorkflowFor(kind)
	if err != nil {
		return err
	}
	inputs := map[string]string{
		"repository_id":   data.RepositoryID,
		"repository_name": data.RepositoryName,
		"job_id":          jobID,
	}
	if len(data.PRNumbers) > 0 {
		inputs["pr_numbers"] = joinInts(data.PRNumbers)
	}
	if data.TimeRangeDays != nil {
		inputs["time_range"] = strconv.Itoa(*data.TimeRangeDays)
	}
	if data.MaxItems != nil {
		inputs["max_items"] = strconv.Itoa(*data.MaxItems)
	}

	runID, err := s.Runner.Dispatch(ctx, workflow, inputs)
	if err != nil {
		return err
	}
	if err := s.Jobs.SetRunID(ctx, jobID, runID); err != nil {
		// The run is already accepted; losing the id is not a dispatch
		// failure, but the row should say why it is missing.
		slog.Error("failed to persist run id",
			slog.String("job_id", jobID),
			slog.String("run_id", runID),
			slog.Any("error", err))
	}
	return nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
