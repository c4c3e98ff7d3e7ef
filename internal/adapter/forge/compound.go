package forge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// CompoundClient is the compound forge path: one GraphQL query retrieves the
// whole PR graph and reports its own dynamic cost alongside the data.
type CompoundClient struct {
	url     string
	token   string
	hc      *http.Client
	tracker domain.BudgetTracker
	pacer   *Pacer
	retry   domain.RetryConfig
}

// NewCompoundClient constructs the compound client from configuration.
func NewCompoundClient(cfg config.Config, tracker domain.BudgetTracker, pacer *Pacer) *CompoundClient {
	return &CompoundClient{
		url:     cfg.ForgeGraphQLURL,
		token:   cfg.GithubToken,
		hc:      newHTTPClient(cfg.ForgeTimeout, queryTypeCompound),
		tracker: tracker,
		pacer:   pacer,
		retry:   cfg.GetForgeRetryConfig(),
	}
}

// GetPRCompleteData retrieves the full PR record in a single compound query.
func (c *CompoundClient) GetPRCompleteData(ctx domain.Context, owner, repo string, number int) (domain.PRCompleteData, error) {
	data, _, err := c.getPRCompleteData(ctx, owner, repo, number)
	return data, err
}

// GetPRReviews retrieves only the reviews of the PR.
func (c *CompoundClient) GetPRReviews(ctx domain.Context, owner, repo string, number int) ([]domain.Review, error) {
	reviews, _, err := c.getPRReviews(ctx, owner, repo, number)
	return reviews, err
}

// GetPRComments retrieves issue-level and inline review comments of the PR.
func (c *CompoundClient) GetPRComments(ctx domain.Context, owner, repo string, number int) (domain.PRComments, error) {
	comments, _, err := c.getPRComments(ctx, owner, repo, number)
	return comments, err
}

// GetRecentPRs lists PRs updated since the given time, newest first.
func (c *CompoundClient) GetRecentPRs(ctx domain.Context, owner, repo string, since time.Time, limit int) ([]domain.PullRequest, error) {
	prs, _, err := c.getRecentPRs(ctx, owner, repo, since, limit)
	return prs, err
}

const prCompleteQuery = `query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      databaseId number title body state isDraft
      additions deletions changedFiles merged mergeable
      createdAt updatedAt closedAt mergedAt
      baseRefName headRefName
      author { login avatarUrl ... on User { databaseId } }
      mergedBy { login avatarUrl ... on User { databaseId } }
      commits { totalCount }
      files(first: 100) { nodes { path additions deletions changeType } }
      reviews(first: 50) {
        nodes {
          databaseId state body submittedAt commit { oid }
          author { login avatarUrl ... on User { databaseId } }
          comments(first: 50) {
            nodes {
              databaseId body createdAt updatedAt path position originalPosition diffHunk
              author { login avatarUrl ... on User { databaseId } }
              replyTo { databaseId }
            }
          }
        }
      }
      comments(first: 50) {
        nodes { databaseId body createdAt updatedAt author { login avatarUrl ... on User { databaseId } } }
      }
    }
  }
  rateLimit { cost remaining limit resetAt }
}`

func (c *CompoundClient) getPRCompleteData(ctx domain.Context, owner, repo string, number int) (domain.PRCompleteData, int, error) {
	raw, rl, err := c.query(ctx, prCompleteQuery, map[string]any{
		"owner": owner, "name": repo, "number": number,
	})
	if err != nil {
		return domain.PRCompleteData{}, 0, err
	}

	var resp struct {
		Repository *struct {
			PullRequest *gqlPullRequest `json:"pullRequest"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.PRCompleteData{}, 0, fmt.Errorf("op=forge.CompoundClient.getPRCompleteData: %w: decode: %v", domain.ErrTransport, err)
	}
	if resp.Repository == nil || resp.Repository.PullRequest == nil {
		return domain.PRCompleteData{}, 0, fmt.Errorf("op=forge.CompoundClient.getPRCompleteData: pr %s/%s#%d: %w", owner, repo, number, domain.ErrNotFound)
	}

	data := resp.Repository.PullRequest.toCompleteData()
	items := 1 + len(data.Files) + len(data.Reviews) + len(data.IssueComments) + len(data.ReviewComments)
	c.track(rl, items)
	return data, rl.Cost, nil
}

const prReviewsQuery = `query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviews(first: 100) {
        nodes {
          databaseId state body submittedAt commit { oid }
          author { login avatarUrl ... on User { databaseId } }
        }
      }
    }
  }
  rateLimit { cost remaining limit resetAt }
}`

func (c *CompoundClient) getPRReviews(ctx domain.Context, owner, repo string, number int) ([]domain.Review, int, error) {
	raw, rl, err := c.query(ctx, prReviewsQuery, map[string]any{
		"owner": owner, "name": repo, "number": number,
	})
	if err != nil {
		return nil, 0, err
	}

	var resp struct {
		Repository *struct {
			PullRequest *struct {
				Reviews gqlReviewConn `json:"reviews"`
			} `json:"pullRequest"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, fmt.Errorf("op=forge.CompoundClient.getPRReviews: %w: decode: %v", domain.ErrTransport, err)
	}
	if resp.Repository == nil || resp.Repository.PullRequest == nil {
		return nil, 0, fmt.Errorf("op=forge.CompoundClient.getPRReviews: pr %s/%s#%d: %w", owner, repo, number, domain.ErrNotFound)
	}

	reviews := make([]domain.Review, 0, len(resp.Repository.PullRequest.Reviews.Nodes))
	for _, r := range resp.Repository.PullRequest.Reviews.Nodes {
		reviews = append(reviews, r.toDomain())
	}
	c.track(rl, len(reviews))
	return reviews, rl.Cost, nil
}

const prCommentsQuery = `query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      comments(first: 100) {
        nodes { databaseId body createdAt updatedAt author { login avatarUrl ... on User { databaseId } } }
      }
      reviews(first: 50) {
        nodes {
          databaseId
          comments(first: 50) {
            nodes {
              databaseId body createdAt updatedAt path position originalPosition diffHunk
              author { login avatarUrl ... on User { databaseId } }
              replyTo { databaseId }
            }
          }
        }
      }
    }
  }
  rateLimit { cost remaining limit resetAt }
}`

func (c *CompoundClient) getPRComments(ctx domain.Context, owner, repo string, number int) (domain.PRComments, int, error) {
	raw, rl, err := c.query(ctx, prCommentsQuery, map[string]any{
		"owner": owner, "name": repo, "number": number,
	})
	if err != nil {
		return domain.PRComments{}, 0, err
	}

	var resp struct {
		Repository *struct {
			PullRequest *struct {
				Comments gqlIssueCommentConn `json:"comments"`
				Reviews  gqlReviewConn       `json:"reviews"`
			} `json:"pullRequest"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.PRComments{}, 0, fmt.Errorf("op=forge.CompoundClient.getPRComments: %w: decode: %v", domain.ErrTransport, err)
	}
	if resp.Repository == nil || resp.Repository.PullRequest == nil {
		return domain.PRComments{}, 0, fmt.Errorf("op=forge.CompoundClient.getPRComments: pr %s/%s#%d: %w", owner, repo, number, domain.ErrNotFound)
	}

	var out domain.PRComments
	for _, ic := range resp.Repository.PullRequest.Comments.Nodes {
		out.IssueComments = append(out.IssueComments, ic.toDomain())
	}
	for _, rv := range resp.Repository.PullRequest.Reviews.Nodes {
		out.ReviewComments = append(out.ReviewComments, rv.reviewComments()...)
	}
	c.track(rl, len(out.IssueComments)+len(out.ReviewComments))
	return out, rl.Cost, nil
}

const recentPRsQuery = `query($owner: String!, $name: String!, $limit: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequests(first: $limit, orderBy: {field: UPDATED_AT, direction: DESC}, states: [OPEN, CLOSED, MERGED]) {
      nodes {
        databaseId number title body state isDraft
        additions deletions changedFiles merged mergeable
        createdAt updatedAt closedAt mergedAt
        baseRefName headRefName
        author { login avatarUrl ... on User { databaseId } }
        commits { totalCount }
      }
    }
  }
  rateLimit { cost remaining limit resetAt }
}`

func (c *CompoundClient) getRecentPRs(ctx domain.Context, owner, repo string, since time.Time, limit int) ([]domain.PullRequest, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	raw, rl, err := c.query(ctx, recentPRsQuery, map[string]any{
		"owner": owner, "name": repo, "limit": limit,
	})
	if err != nil {
		return nil, 0, err
	}

	var resp struct {
		Repository *struct {
			PullRequests struct {
				Nodes []gqlPullRequest `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, fmt.Errorf("op=forge.CompoundClient.getRecentPRs: %w: decode: %v", domain.ErrTransport, err)
	}
	if resp.Repository == nil {
		return nil, 0, fmt.Errorf("op=forge.CompoundClient.getRecentPRs: repo %s/%s: %w", owner, repo, domain.ErrNotFound)
	}

	prs := make([]domain.PullRequest, 0, len(resp.Repository.PullRequests.Nodes))
	for _, n := range resp.Repository.PullRequests.Nodes {
		pr := n.toDomainPR()
		if !since.IsZero() && pr.UpdatedAt.Before(since) {
			continue
		}
		prs = append(prs, pr)
	}
	c.track(rl, len(prs))
	return prs, rl.Cost, nil
}

// query posts one compound query with admission, pacing and bounded transport
// retries. It returns the raw data payload plus the budget object the query
// reported about itself.
func (c *CompoundClient) query(ctx domain.Context, query string, vars map[string]any) (json.RawMessage, gqlRateLimit, error) {
	var rl gqlRateLimit

	if c.tracker != nil {
		if err := c.tracker.Admit(); err != nil {
			return nil, rl, fmt.Errorf("op=forge.CompoundClient.query: %w", err)
		}
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, rl, err
	}

	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return nil, rl, fmt.Errorf("op=forge.CompoundClient.query: %w", err)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %v", domain.ErrTransport, err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("%w: read body: %v", domain.ErrTransport, err)
			}
			if err := json.Unmarshal(body, &envelope); err != nil {
				return fmt.Errorf("%w: decode envelope: %v", domain.ErrTransport, err)
			}
			if len(envelope.Errors) > 0 {
				return backoff.Permanent(classifyGQLErrors(envelope.Errors))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrRateExhausted, resp.StatusCode))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", domain.ErrTransport, resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrTransport, resp.StatusCode))
		}
	}

	if err := backoff.Retry(op, backoffFor(ctx, c.retry)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		slog.Warn("compound forge query failed", slog.Any("error", err))
		return nil, rl, fmt.Errorf("op=forge.CompoundClient.query: %w", err)
	}

	// Budget metadata rides inside the data payload.
	var meta struct {
		RateLimit gqlRateLimit `json:"rateLimit"`
	}
	if err := json.Unmarshal(envelope.Data, &meta); err == nil {
		rl = meta.RateLimit
	}
	return envelope.Data, rl, nil
}

// track feeds the query's self-reported budget to the governor.
func (c *CompoundClient) track(rl gqlRateLimit, items int) {
	if c.tracker == nil || rl.Limit == 0 {
		return
	}
	c.tracker.Track(domain.RateLimitSample{
		Timestamp:      time.Now(),
		Remaining:      rl.Remaining,
		Limit:          rl.Limit,
		Cost:           rl.Cost,
		QueryType:      queryTypeCompound,
		ItemsProcessed: items,
		ResetAt:        rl.ResetAt,
	})
}

// gqlError is one entry of the GraphQL errors array.
type gqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// classifyGQLErrors maps GraphQL error types onto domain sentinels. The first
// recognised type wins; anything unrecognised is a transport failure.
func classifyGQLErrors(errs []gqlError) error {
	for _, e := range errs {
		switch e.Type {
		case "NOT_FOUND":
			return fmt.Errorf("%w: %s", domain.ErrNotFound, e.Message)
		case "RATE_LIMITED":
			return fmt.Errorf("%w: %s", domain.ErrRateExhausted, e.Message)
		}
	}
	msg := "graphql error"
	if len(errs) > 0 {
		msg = errs[0].Message
	}
	return fmt.Errorf("%w: %s", domain.ErrTransport, msg)
}

// gqlRateLimit is the budget object every compound query asks about itself.
type gqlRateLimit struct {
	Cost      int       `json:"cost"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

// Compound wire shapes, normalised into domain records below.

type gqlActor struct {
	Login      string `json:"login"`
	AvatarURL  string `json:"avatarUrl"`
	DatabaseID int64  `json:"databaseId"`
}

func (a *gqlActor) toDomain() domain.Author {
	if a == nil {
		return domain.Author{}
	}
	return domain.Author{ID: a.DatabaseID, Login: a.Login, AvatarURL: a.AvatarURL}
}

type gqlCommitCount struct {
	TotalCount int `json:"totalCount"`
}

type gqlFile struct {
	Path       string `json:"path"`
	Additions  int    `json:"additions"`
	Deletions  int    `json:"deletions"`
	ChangeType string `json:"changeType"`
}

type gqlFileConn struct {
	Nodes []gqlFile `json:"nodes"`
}

type gqlReview struct {
	DatabaseID  int64      `json:"databaseId"`
	State       string     `json:"state"`
	Body        string     `json:"body"`
	SubmittedAt *time.Time `json:"submittedAt"`
	Author      *gqlActor  `json:"author"`
	Commit      *struct {
		OID string `json:"oid"`
	} `json:"commit"`
	Comments gqlReviewCommentConn `json:"comments"`
}

type gqlReviewConn struct {
	Nodes []gqlReview `json:"nodes"`
}

func (r gqlReview) toDomain() domain.Review {
	out := domain.Review{
		ID:          r.DatabaseID,
		State:       r.State,
		Body:        r.Body,
		Author:      r.Author.toDomain(),
		SubmittedAt: r.SubmittedAt,
	}
	if r.Commit != nil {
		out.CommitID = r.Commit.OID
	}
	return out
}

// reviewComments flattens the inline comments of one review, stamping the
// parent review id on each.
func (r gqlReview) reviewComments() []domain.ReviewComment {
	if len(r.Comments.Nodes) == 0 {
		return nil
	}
	reviewID := r.DatabaseID
	out := make([]domain.ReviewComment, 0, len(r.Comments.Nodes))
	for _, c := range r.Comments.Nodes {
		rc := c.toDomain()
		if reviewID != 0 {
			id := reviewID
			rc.ReviewID = &id
		}
		out = append(out, rc)
	}
	return out
}

type gqlIssueComment struct {
	DatabaseID int64     `json:"databaseId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Author     *gqlActor `json:"author"`
}

type gqlIssueCommentConn struct {
	Nodes []gqlIssueComment `json:"nodes"`
}

func (c gqlIssueComment) toDomain() domain.IssueComment {
	return domain.IssueComment{
		ID:        c.DatabaseID,
		Body:      c.Body,
		Author:    c.Author.toDomain(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type gqlReviewComment struct {
	DatabaseID       int64     `json:"databaseId"`
	Body             string    `json:"body"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Path             string    `json:"path"`
	Position         *int      `json:"position"`
	OriginalPosition *int      `json:"originalPosition"`
	DiffHunk         string    `json:"diffHunk"`
	Author           *gqlActor `json:"author"`
	ReplyTo          *struct {
		DatabaseID int64 `json:"databaseId"`
	} `json:"replyTo"`
}

type gqlReviewCommentConn struct {
	Nodes []gqlReviewComment `json:"nodes"`
}

func (c gqlReviewComment) toDomain() domain.ReviewComment {
	out := domain.ReviewComment{
		ID:               c.DatabaseID,
		Body:             c.Body,
		Author:           c.Author.toDomain(),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		Path:             c.Path,
		Position:         c.Position,
		OriginalPosition: c.OriginalPosition,
		DiffHunk:         c.DiffHunk,
	}
	if c.ReplyTo != nil {
		id := c.ReplyTo.DatabaseID
		out.InReplyToID = &id
	}
	return out
}

type gqlPullRequest struct {
	DatabaseID   int64               `json:"databaseId"`
	Number       int                 `json:"number"`
	Title        string              `json:"title"`
	Body         string              `json:"body"`
	State        string              `json:"state"`
	IsDraft      bool                `json:"isDraft"`
	Additions    int                 `json:"additions"`
	Deletions    int                 `json:"deletions"`
	ChangedFiles int                 `json:"changedFiles"`
	Merged       bool                `json:"merged"`
	Mergeable    string              `json:"mergeable"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	ClosedAt     *time.Time          `json:"closedAt"`
	MergedAt     *time.Time          `json:"mergedAt"`
	BaseRefName  string              `json:"baseRefName"`
	HeadRefName  string              `json:"headRefName"`
	Author       *gqlActor           `json:"author"`
	MergedBy     *gqlActor           `json:"mergedBy"`
	Commits      gqlCommitCount      `json:"commits"`
	Files        gqlFileConn         `json:"files"`
	Reviews      gqlReviewConn       `json:"reviews"`
	Comments     gqlIssueCommentConn `json:"comments"`
}

// toDomainPR normalises the compound PR shape onto the REST-equivalent
// domain record: states lowercase, MERGED folded into closed+merged, the
// mergeable enum reduced to a tri-state bool.
func (pr gqlPullRequest) toDomainPR() domain.PullRequest {
	out := domain.PullRequest{
		ID:           pr.DatabaseID,
		Number:       pr.Number,
		Title:        pr.Title,
		Body:         pr.Body,
		Draft:        pr.IsDraft,
		Additions:    pr.Additions,
		Deletions:    pr.Deletions,
		ChangedFiles: pr.ChangedFiles,
		Commits:      pr.Commits.TotalCount,
		Author:       pr.Author.toDomain(),
		CreatedAt:    pr.CreatedAt,
		UpdatedAt:    pr.UpdatedAt,
		ClosedAt:     pr.ClosedAt,
		MergedAt:     pr.MergedAt,
		Merged:       pr.Merged || pr.MergedAt != nil,
		BaseRef:      pr.BaseRefName,
		HeadRef:      pr.HeadRefName,
	}
	switch strings.ToUpper(pr.State) {
	case "MERGED":
		out.State = "closed"
		out.Merged = true
	default:
		out.State = strings.ToLower(pr.State)
	}
	switch pr.Mergeable {
	case "MERGEABLE":
		v := true
		out.Mergeable = &v
	case "CONFLICTING":
		v := false
		out.Mergeable = &v
	}
	if pr.MergedBy != nil {
		a := pr.MergedBy.toDomain()
		out.MergedBy = &a
	}
	return out
}

// toCompleteData expands the nested compound shape into the flat record.
func (pr gqlPullRequest) toCompleteData() domain.PRCompleteData {
	data := domain.PRCompleteData{PullRequest: pr.toDomainPR()}
	for _, f := range pr.Files.Nodes {
		data.Files = append(data.Files, domain.PRFile{
			Filename:  f.Path,
			Additions: f.Additions,
			Deletions: f.Deletions,
			Changes:   f.Additions + f.Deletions,
			Status:    strings.ToLower(f.ChangeType),
		})
	}
	for _, r := range pr.Reviews.Nodes {
		data.Reviews = append(data.Reviews, r.toDomain())
		data.ReviewComments = append(data.ReviewComments, r.reviewComments()...)
	}
	for _, ic := range pr.Comments.Nodes {
		data.IssueComments = append(data.IssueComments, ic.toDomain())
	}
	return data
}
