package forge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// RESTClient is the fine-grained forge path: one focused REST call per
// resource, each costing one budget point. A complete PR read is assembled
// from up to five independent calls.
type RESTClient struct {
	baseURL string
	token   string
	hc      *http.Client
	tracker domain.BudgetTracker
	pacer   *Pacer
	retry   domain.RetryConfig
}

// NewRESTClient constructs the fine-grained client from configuration.
func NewRESTClient(cfg config.Config, tracker domain.BudgetTracker, pacer *Pacer) *RESTClient {
	return &RESTClient{
		baseURL: cfg.ForgeAPIURL,
		token:   cfg.GithubToken,
		hc:      newHTTPClient(cfg.ForgeTimeout, queryTypeREST),
		tracker: tracker,
		pacer:   pacer,
		retry:   cfg.GetForgeRetryConfig(),
	}
}

// GetPRCompleteData assembles the full PR record from five REST calls.
func (c *RESTClient) GetPRCompleteData(ctx domain.Context, owner, repo string, number int) (domain.PRCompleteData, error) {
	data, _, err := c.getPRComplete(ctx, owner, repo, number)
	return data, err
}

// GetPRReviews fetches only the reviews of the PR.
func (c *RESTClient) GetPRReviews(ctx domain.Context, owner, repo string, number int) ([]domain.Review, error) {
	reviews, _, err := c.listReviews(ctx, owner, repo, number)
	return reviews, err
}

// GetPRComments fetches issue-level and inline review comments of the PR.
func (c *RESTClient) GetPRComments(ctx domain.Context, owner, repo string, number int) (domain.PRComments, error) {
	comments, _, err := c.listComments(ctx, owner, repo, number)
	return comments, err
}

// GetRecentPRs lists PRs updated since the given time, newest first.
func (c *RESTClient) GetRecentPRs(ctx domain.Context, owner, repo string, since time.Time, limit int) ([]domain.PullRequest, error) {
	prs, _, err := c.listRecent(ctx, owner, repo, since, limit)
	return prs, err
}

// getPRComplete runs the five-call assembly and reports how many calls were
// actually issued, so the hybrid can account fine-grained traffic precisely.
func (c *RESTClient) getPRComplete(ctx domain.Context, owner, repo string, number int) (domain.PRCompleteData, int, error) {
	var (
		data  domain.PRCompleteData
		calls int
	)

	var pr restPullRequest
	calls++
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number), &pr); err != nil {
		return data, calls, err
	}
	data.PullRequest = pr.toDomain()

	var files []restFile
	calls++
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=100", owner, repo, number), &files); err != nil {
		return data, calls, err
	}
	for _, f := range files {
		data.Files = append(data.Files, f.toDomain())
	}

	reviews, n, err := c.listReviews(ctx, owner, repo, number)
	calls += n
	if err != nil {
		return data, calls, err
	}
	data.Reviews = reviews

	comments, n, err := c.listComments(ctx, owner, repo, number)
	calls += n
	if err != nil {
		return data, calls, err
	}
	data.IssueComments = comments.IssueComments
	data.ReviewComments = comments.ReviewComments

	return data, calls, nil
}

func (c *RESTClient) listReviews(ctx domain.Context, owner, repo string, number int) ([]domain.Review, int, error) {
	var raw []restReview
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews?per_page=100", owner, repo, number), &raw); err != nil {
		return nil, 1, err
	}
	reviews := make([]domain.Review, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, r.toDomain())
	}
	return reviews, 1, nil
}

func (c *RESTClient) listComments(ctx domain.Context, owner, repo string, number int) (domain.PRComments, int, error) {
	var (
		out   domain.PRComments
		calls int
	)

	var issue []restIssueComment
	calls++
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, repo, number), &issue); err != nil {
		return out, calls, err
	}
	for _, ic := range issue {
		out.IssueComments = append(out.IssueComments, ic.toDomain())
	}

	var review []restReviewComment
	calls++
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d/comments?per_page=100", owner, repo, number), &review); err != nil {
		return out, calls, err
	}
	for _, rc := range review {
		out.ReviewComments = append(out.ReviewComments, rc.toDomain())
	}

	return out, calls, nil
}

func (c *RESTClient) listRecent(ctx domain.Context, owner, repo string, since time.Time, limit int) ([]domain.PullRequest, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var raw []restPullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=all&sort=updated&direction=desc&per_page=%d", owner, repo, limit)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, 1, err
	}
	prs := make([]domain.PullRequest, 0, len(raw))
	for _, pr := range raw {
		if !since.IsZero() && pr.UpdatedAt.Before(since) {
			continue
		}
		prs = append(prs, pr.toDomain())
	}
	return prs, 1, nil
}

// getJSON issues one fine-grained call with admission, pacing and bounded
// transport retries, then feeds the budget headers to the governor. Each
// call counts as one resource in the efficiency sample.
func (c *RESTClient) getJSON(ctx domain.Context, path string, out any) error {
	if c.tracker != nil {
		if err := c.tracker.Admit(); err != nil {
			return fmt.Errorf("op=forge.RESTClient.getJSON: %w", err)
		}
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	url := c.baseURL + path
	var (
		body      []byte
		remaining = -1
		limit     int
		resetAt   time.Time
	)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %v", domain.ErrTransport, err))
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
		defer func() { _ = resp.Body.Close() }()

		remaining, limit, resetAt = budgetHeaders(resp.Header)

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("%w: read body: %v", domain.ErrTransport, err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrNotFound, path))
		case resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode == http.StatusForbidden && remaining == 0:
			return backoff.Permanent(fmt.Errorf("%w: status %d on %s", domain.ErrRateExhausted, resp.StatusCode, path))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d on %s", domain.ErrTransport, resp.StatusCode, path)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d on %s", domain.ErrTransport, resp.StatusCode, path))
		}
	}

	err := backoff.Retry(op, backoffFor(ctx, c.retry))

	if c.tracker != nil && remaining >= 0 {
		c.tracker.Track(domain.RateLimitSample{
			Timestamp:      time.Now(),
			Remaining:      remaining,
			Limit:          limit,
			Cost:           restCallCost,
			QueryType:      queryTypeREST,
			ItemsProcessed: 1,
			ResetAt:        resetAt,
		})
	}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		slog.Warn("fine-grained forge call failed",
			slog.String("path", path),
			slog.Any("error", err))
		return fmt.Errorf("op=forge.RESTClient.getJSON: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("op=forge.RESTClient.getJSON: %w: decode %s: %v", domain.ErrTransport, path, err)
	}
	return nil
}

// budgetHeaders parses the standard rate-limit headers; remaining is -1 when
// the header is absent so missing data never looks like an empty budget.
func budgetHeaders(h http.Header) (remaining, limit int, resetAt time.Time) {
	remaining = -1
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			resetAt = time.Unix(sec, 0)
		}
	}
	return remaining, limit, resetAt
}

// Fine-grained wire shapes, normalised into domain records below.

type restUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

func (u *restUser) toDomain() domain.Author {
	if u == nil {
		return domain.Author{}
	}
	return domain.Author{ID: u.ID, Login: u.Login, AvatarURL: u.AvatarURL}
}

type restPullRequest struct {
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
	User         *restUser  `json:"user"`
	MergedBy     *restUser  `json:"merged_by"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at"`
	MergedAt     *time.Time `json:"merged_at"`
	Merged       bool       `json:"merged"`
	Mergeable    *bool      `json:"mergeable"`
	Base         struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (pr restPullRequest) toDomain() domain.PullRequest {
	out := domain.PullRequest{
		ID:           pr.ID,
		Number:       pr.Number,
		Title:        pr.Title,
		Body:         pr.Body,
		State:        pr.State,
		Draft:        pr.Draft,
		Additions:    pr.Additions,
		Deletions:    pr.Deletions,
		ChangedFiles: pr.ChangedFiles,
		Commits:      pr.Commits,
		Author:       pr.User.toDomain(),
		CreatedAt:    pr.CreatedAt,
		UpdatedAt:    pr.UpdatedAt,
		ClosedAt:     pr.ClosedAt,
		MergedAt:     pr.MergedAt,
		Merged:       pr.Merged || pr.MergedAt != nil,
		Mergeable:    pr.Mergeable,
		BaseRef:      pr.Base.Ref,
		HeadRef:      pr.Head.Ref,
	}
	if pr.MergedBy != nil {
		a := pr.MergedBy.toDomain()
		out.MergedBy = &a
	}
	return out
}

type restFile struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Changes   int    `json:"changes"`
	Status    string `json:"status"`
}

func (f restFile) toDomain() domain.PRFile {
	return domain.PRFile{
		Filename:  f.Filename,
		Additions: f.Additions,
		Deletions: f.Deletions,
		Changes:   f.Changes,
		Status:    f.Status,
	}
}

type restReview struct {
	ID          int64      `json:"id"`
	State       string     `json:"state"`
	Body        string     `json:"body"`
	User        *restUser  `json:"user"`
	SubmittedAt *time.Time `json:"submitted_at"`
	CommitID    string     `json:"commit_id"`
}

func (r restReview) toDomain() domain.Review {
	return domain.Review{
		ID:          r.ID,
		State:       r.State,
		Body:        r.Body,
		Author:      r.User.toDomain(),
		SubmittedAt: r.SubmittedAt,
		CommitID:    r.CommitID,
	}
}

type restIssueComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      *restUser `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c restIssueComment) toDomain() domain.IssueComment {
	return domain.IssueComment{
		ID:        c.ID,
		Body:      c.Body,
		Author:    c.User.toDomain(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type restReviewComment struct {
	ID               int64     `json:"id"`
	Body             string    `json:"body"`
	User             *restUser `json:"user"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Path             string    `json:"path"`
	Position         *int      `json:"position"`
	OriginalPosition *int      `json:"original_position"`
	DiffHunk         string    `json:"diff_hunk"`
	InReplyToID      *int64    `json:"in_reply_to_id"`
	ReviewID         *int64    `json:"pull_request_review_id"`
}

func (c restReviewComment) toDomain() domain.ReviewComment {
	return domain.ReviewComment{
		ID:               c.ID,
		Body:             c.Body,
		Author:           c.User.toDomain(),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		Path:             c.Path,
		Position:         c.Position,
		OriginalPosition: c.OriginalPosition,
		DiffHunk:         c.DiffHunk,
		InReplyToID:      c.InReplyToID,
		ReviewID:         c.ReviewID,
	}
}
