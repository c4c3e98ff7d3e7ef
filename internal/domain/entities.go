package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrRateExhausted      = errors.New("rate budget exhausted")
	ErrTransport          = errors.New("transport failure")
	ErrStoreConflict      = errors.New("store conflict")
	ErrStoreError         = errors.New("store error")
	ErrEmergencyStopped   = errors.New("emergency stopped")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrRolloutGated       = errors.New("rollout gated")
)

// JobKind enumerates capture job kinds
const (
	JobKindDetails    = "details"
	JobKindReviews    = "reviews"
	JobKindComments   = "comments"
	JobKindHistorical = "historical-sync"
	JobKindFileChange = "file-changes"
)

// Backend enumerates the two dispatch targets
type Backend string

const (
	BackendLowLatency Backend = "lowlatency"
	BackendBatch      Backend = "batch"
)

// TriggerSource values accepted on JobData
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is the unit of work created by the router.
// Invariants: status moves pending -> processing -> (completed | failed);
// StartedAt set iff status >= processing; CompletedAt set iff terminal.
type Job struct {
	ID             string
	Kind           string
	RepositoryID   string
	RepositoryName string
	Backend        Backend
	Status         JobStatus
	RunID          *string
	TimeRangeDays  *int
	Metadata       map[string]any
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ItemError is one bounded recent-error record on a Progress row.
type ItemError struct {
	ItemID     string    `json:"item_id"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Progress tracks per-job counters. Counts never decrease and
// Processed+Failed <= Total once Total > 0.
type Progress struct {
	JobID        string
	Total        int
	Processed    int
	Failed       int
	CurrentItem  string
	RecentErrors []ItemError
	UpdatedAt    time.Time
}

// maxRecentErrors bounds the RecentErrors ring on a Progress row.
const maxRecentErrors = 10

// AddError appends an item error, keeping only the newest maxRecentErrors.
func (p *Progress) AddError(e ItemError) {
	p.RecentErrors = append(p.RecentErrors, e)
	if len(p.RecentErrors) > maxRecentErrors {
		p.RecentErrors = p.RecentErrors[len(p.RecentErrors)-maxRecentErrors:]
	}
}

// JobData is the router's input. PRNumbers and TimeRangeDays are optional;
// TriggerSource is one of {manual, scheduled}.
type JobData struct {
	RepositoryID   string
	RepositoryName string
	PRNumbers      []int
	TimeRangeDays  *int
	MaxItems       *int
	TriggerSource  string
}

// CaptureEvent is the low-latency queue payload. Field set mirrors JobData
// plus the created job id so workers never re-derive routing inputs.
type CaptureEvent struct {
	JobID          string `json:"job_id"`
	Kind           string `json:"kind"`
	RepositoryID   string `json:"repository_id"`
	RepositoryName string `json:"repository_name"`
	PRNumbers      []int  `json:"pr_numbers,omitempty"`
	TimeRangeDays  *int   `json:"time_range_days,omitempty"`
	MaxItems       *int   `json:"max_items,omitempty"`
}

// Repository is the store's view of a tracked repository.
type Repository struct {
	ID       string
	Owner    string
	Name     string
	Category string
}

// Repository categories used by the repository_size rollout strategy.
const (
	CategoryTest   = "test"
	CategorySmall  = "small"
	CategoryMedium = "medium"
	CategoryLarge  = "large"
)

// JobStats aggregates job outcomes over a window for the health monitor.
type JobStats struct {
	Total      int64
	Completed  int64
	Failed     int64
	Processing int64
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	SetRunID(ctx Context, id, runID string) error
	Stats(ctx Context, since time.Time) (JobStats, error)
	ListStale(ctx Context, olderThan time.Time, limit int) ([]Job, error)
}

type ProgressRepository interface {
	Upsert(ctx Context, p Progress) error
	Get(ctx Context, jobID string) (Progress, error)
}

// CaptureRepository owns the normalised projection tables. Upserts key on
// natural keys: pull_requests on (repository_id, number), reviews and
// comments on github_id. Updating a PR never deletes its children.
type CaptureRepository interface {
	GetRepository(ctx Context, id string) (Repository, error)
	UpsertPullRequest(ctx Context, repositoryID string, pr PullRequest, files []PRFile) error
	UpsertReview(ctx Context, repositoryID string, prNumber int, r Review) error
	UpsertIssueComment(ctx Context, repositoryID string, prNumber int, c IssueComment) error
	UpsertReviewComment(ctx Context, repositoryID string, prNumber int, c ReviewComment) error
	ListRecentPRNumbers(ctx Context, repositoryID string, since time.Time, limit int) ([]int, error)
}

// Queue (port): low-latency back-end dispatch.

type Queue interface {
	EnqueueCapture(ctx Context, ev CaptureEvent) error
}

// BatchRunner (port): external job-runner dispatch. Dispatch returns the
// opaque run id and must not block waiting for the run to finish.

type BatchRunner interface {
	Dispatch(ctx Context, workflow string, inputs map[string]string) (string, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through unchanged.

type Context = context.Context
