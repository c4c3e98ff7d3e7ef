package domain

import "time"

// Normalised forge shapes. Both the compound and the fine-grained paths
// produce exactly these records; downstream workers never learn which path
// served them.

// Author identifies a forge user on PRs, reviews and comments.
type Author struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type PullRequest struct {
	ID           int64      `json:"id"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	State        string     `json:"state"`
	Draft        bool       `json:"draft"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changed_files"`
	Commits      int        `json:"commits"`
	Author       Author     `json:"author"`
	MergedBy     *Author    `json:"merged_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	MergedAt     *time.Time `json:"merged_at,omitempty"`
	Merged       bool       `json:"merged"`
	Mergeable    *bool      `json:"mergeable,omitempty"`
	BaseRef      string     `json:"base_ref"`
	HeadRef      string     `json:"head_ref"`
}

type PRFile struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Changes   int    `json:"changes"`
	Status    string `json:"status"`
}

type Review struct {
	ID          int64      `json:"id"`
	State       string     `json:"state"`
	Body        string     `json:"body"`
	Author      Author     `json:"author"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CommitID    string     `json:"commit_id"`
}

type IssueComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReviewComment is an inline diff comment; the positional fields are absent
// on outdated comments, hence pointers.
type ReviewComment struct {
	ID               int64     `json:"id"`
	Body             string    `json:"body"`
	Author           Author    `json:"author"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Path             string    `json:"path"`
	Position         *int      `json:"position,omitempty"`
	OriginalPosition *int      `json:"original_position,omitempty"`
	DiffHunk         string    `json:"diff_hunk"`
	InReplyToID      *int64    `json:"in_reply_to_id,omitempty"`
	ReviewID         *int64    `json:"review_id,omitempty"`
}

// PRCompleteData is the full normalised record for one pull request.
type PRCompleteData struct {
	PullRequest    PullRequest     `json:"pull_request"`
	Files          []PRFile        `json:"files"`
	Reviews        []Review        `json:"reviews"`
	IssueComments  []IssueComment  `json:"issue_comments"`
	ReviewComments []ReviewComment `json:"review_comments"`
}

// PRComments pairs the two comment kinds for the comments-only read.
type PRComments struct {
	IssueComments  []IssueComment  `json:"issue_comments"`
	ReviewComments []ReviewComment `json:"review_comments"`
}

// ForgeReader (port): the capability set both forge paths implement and the
// hybrid client composes.

type ForgeReader interface {
	GetPRCompleteData(ctx Context, owner, repo string, number int) (PRCompleteData, error)
	GetPRReviews(ctx Context, owner, repo string, number int) ([]Review, error)
	GetPRComments(ctx Context, owner, repo string, number int) (PRComments, error)
	GetRecentPRs(ctx Context, owner, repo string, since time.Time, limit int) ([]PullRequest, error)
}

// RateLimitSample is one budget observation fed to the governor. Samples are
// process-local and never persisted.
type RateLimitSample struct {
	Timestamp      time.Time
	Remaining      int
	Limit          int
	Cost           int
	QueryType      string
	ItemsProcessed int
	ResetAt        time.Time
}

// ForgeMetrics is the per-process counter snapshot the hybrid client exposes.
type ForgeMetrics struct {
	CompoundQueries    int64   `json:"compound_queries"`
	FineGrainedQueries int64   `json:"fine_grained_queries"`
	Fallbacks          int64   `json:"fallbacks"`
	TotalPointsSaved   int64   `json:"total_points_saved"`
	FallbackRate       float64 `json:"fallback_rate"`
	Efficiency         float64 `json:"efficiency"`
}

// BudgetTracker (port): the governor seam the forge clients feed and consult.
// Track is non-blocking pure memory; Admit returns ErrRateExhausted when the
// latest observed remaining budget sits below the critical threshold.

type BudgetTracker interface {
	Track(sample RateLimitSample)
	Admit() error
	ResetAt() (time.Time, bool)
}
