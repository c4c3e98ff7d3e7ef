package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// CaptureRepo owns the normalised projection tables fed by capture workers.
// Pull requests key on (repository_id, number); reviews and comments key on
// the forge-assigned github_id, so replays and overlapping jobs converge on
// the same rows. Updating a pull request never touches its children.
type CaptureRepo struct{ Pool PgxPool }

// NewCaptureRepo constructs a CaptureRepo with the given pool.
func NewCaptureRepo(p PgxPool) *CaptureRepo { return &CaptureRepo{Pool: p} }

// GetRepository loads a tracked repository by id. Unknown ids report
// ErrNotFound so the router can reject the capture request up front.
func (r *CaptureRepo) GetRepository(ctx domain.Context, id string) (domain.Repository, error) {
	tracer := otel.Tracer("repo.capture")
	ctx, span := tracer.Start(ctx, "capture.GetRepository")
	defer span.End()
	q := `SELECT id, owner, name, COALESCE(category,'') FROM repositories WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var repo domain.Repository
	if err := row.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.Category); err != nil {
		return domain.Repository{}, mapStoreError("capture.get_repository", err)
	}
	return repo, nil
}

// UpsertPullRequest writes one pull request row together with its file list.
func (r *CaptureRepo) UpsertPullRequest(ctx domain.Context, repositoryID string, pr domain.PullRequest, files []domain.PRFile) error {
	tracer := otel.Tracer("repo.capture")
	ctx, span := tracer.Start(ctx, "capture.UpsertPullRequest")
	defer span.End()
	author, err := json.Marshal(pr.Author)
	if err != nil {
		return fmt.Errorf("op=capture.upsert_pr: marshal author: %w", err)
	}
	var mergedBy []byte
	if pr.MergedBy != nil {
		mergedBy, err = json.Marshal(pr.MergedBy)
		if err != nil {
			return fmt.Errorf("op=capture.upsert_pr: marshal merged_by: %w", err)
		}
	}
	if files == nil {
		files = []domain.PRFile{}
	}
	fileDoc, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("op=capture.upsert_pr: marshal files: %w", err)
	}
	q := `INSERT INTO pull_requests (repository_id, number, github_id, title, body, state, draft, additions, deletions, changed_files, commits,
	        author, merged_by, created_at, updated_at, closed_at, merged_at, merged, mergeable, base_ref, head_ref, files, captured_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	      ON CONFLICT (repository_id, number) DO UPDATE SET
	        github_id=EXCLUDED.github_id, title=EXCLUDED.title, body=EXCLUDED.body, state=EXCLUDED.state,
	        draft=EXCLUDED.draft, additions=EXCLUDED.additions, deletions=EXCLUDED.deletions,
	        changed_files=EXCLUDED.changed_files, commits=EXCLUDED.commits, author=EXCLUDED.author,
	        merged_by=EXCLUDED.merged_by, created_at=EXCLUDED.created_at, updated_at=EXCLUDED.updated_at,
	        closed_at=EXCLUDED.closed_at, merged_at=EXCLUDED.merged_at, merged=EXCLUDED.merged,
	        mergeable=EXCLUDED.mergeable, base_ref=EXCLUDED.base_ref, head_ref=EXCLUDED.head_ref,
	        files=EXCLUDED.files, captured_at=EXCLUDED.captured_at`
	_, err = r.Pool.Exec(ctx, q, repositoryID, pr.Number, pr.ID, pr.Title, pr.Body, pr.State, pr.Draft,
		pr.Additions, pr.Deletions, pr.ChangedFiles, pr.Commits, author, mergedBy,
		pr.CreatedAt, pr.UpdatedAt, pr.ClosedAt, pr.MergedAt, pr.Merged, pr.Mergeable, pr.BaseRef, pr.HeadRef,
		fileDoc, time.Now().UTC())
	if err != nil {
		return mapStoreError("capture.upsert_pr", err)
	}
	return nil
}

// UpsertReview writes one review row keyed on its forge id.
func (r *CaptureRepo) UpsertReview(ctx domain.Context, repositoryID string, prNumber int, rv domain.Review) error {
	tracer := otel.Tracer("repo.capture")
	ctx, span := tracer.Start(ctx, "capture.UpsertReview")
	defer span.End()
	author, err := json.Marshal(rv.Author)
	if err != nil {
		return fmt.Errorf("op=capture.upsert_review: marshal author: %w", err)
	}
	q := `INSERT INTO reviews (github_id, repository_id, pr_number, state, body, author, submitted_at, commit_id, captured_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	      ON CONFLICT (github_id) DO UPDATE SET
	        state=EXCLUDED.state, body=EXCLUDED.body, author=EXCLUDED.author,
	        submitted_at=EXCLUDED.submitted_at, commit_id=EXCLUDED.commit_id, captured_at=EXCLUDED.captured_at`
	_, err = r.Pool.Exec(ctx, q, rv.ID, repositoryID, prNumber, rv.State, rv.Body, author, rv.SubmittedAt, rv.CommitID, time.Now().UTC())
	if err != nil {
		return mapStoreError("capture.upsert_review", err)
	}
	return nil
}

// UpsertIssueComment writes one conversation comment keyed on its forge id.
func (r *CaptureRepo) UpsertIssueComment(ctx domain.Context, repositoryID string, prNumber int, c domain.IssueComment) error {
	tracer := otel.Tracer("repo.capture")
	ctx, span := tracer.Start(ctx, "capture.UpsertIssueComment")
	defer span.End()
	author, err := json.Marshal(c.Author)
	if err != nil {
		return fmt.Errorf("op=capture.upsert_issue_comment: marshal author: %w", err)
	}
	q := `INSERT INTO comments (github_id, repository_id, pr_number, comment_type, body, author, created_at, updated_at, captured_at)
	      VALUES ($1,$2,$3,'issue',$4,$5,$6,$7,$8)
	      ON CONFLICT (github_id) DO UPDATE SET
	        body=EXCLUDED.body, author=EXCLUDED.author, updated_at=EXCLUDED.updated_at, captured_at=EXCLUDED.captured_at`
	_, err = r.Pool.Exec(ctx, q, c.ID, repositoryID, prNumber, c.Body, author, c.CreatedAt, c.UpdatedAt, time.Now().UTC())
	if err != nil {
		return mapStoreError("capture.upsert_issue_comment", err)
	}
	return nil
}

// UpsertReviewComment writes one inline diff comment keyed on its forge id.
// Positional fields stay NULL for outdated comments.
func (r *CaptureRepo) UpsertReviewComment(ctx domain.Context, repositoryID string, prNumber int, c domain.ReviewComment) error {
	tracer := otel.Tracer("repo.capture")
	ctx, span := tracer.Start(ctx, "capture.UpsertReviewComment")
	defer span.End()
	author, err := json.Marshal(c.Author)
	if err != nil {
		return fmt.Errorf("op=capture.upsert_review_comment: marshal author: %w", err)
	}
	q := `INSERT INTO comments (github_id, repository_id, pr_number, comment_type, body, author, created_at, updated_at,
	        path, position, original_position, diff_hunk, in_reply_to_id, review_id, captured_at)
	      VALUES ($1,$2,$3,'review',$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	      ON CONFLICT (github_id) DO UPDATE SET
	        body=EXCLUDED.body, author=EXCLUDED.author, updated_at=EXCLUDED.updated_at,
	        path=EXCLUDED.path, position=EXCLUDED.position, original_position=EXCLUDED.original_position,
	        diff_hunk=EXCLUDED.diff_hunk, in_reply_to_id=EXCLUDED.in_reply_to_id, review_id=EXCLUDED.review_id,
	        captured_at=EXCLUDED.captured_at`
	_, err = r.Pool.Exec(ctx, q, c.ID, repositoryID, prNumber, c.Body, author, c.CreatedAt, c.UpdatedAt,
		c.Path, c.Position, c.OriginalPosition, c.DiffHunk, c.InReplyToID, c.ReviewID, time.Now().UTC())
	if err != nil {
		return mapStoreError("capture.upsert_review_comment", err)
	}
	return nil
}

// ListRecentPRNumbers returns the numbers of pull requests updated since the
// given time, newest first. Historical-sync jobs use it to enumerate work.
func (r *CaptureRepo) ListRecentPRNumbers(ctx domain.Context, repositoryID string, since time.Time, limit int) ([]int, error) {
	tracer := otel.Tracer("repo.capture")
	ctx, span := tracer.Start(ctx, "capture.ListRecentPRNumbers")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT number FROM pull_requests
	      WHERE repository_id=$1 AND updated_at >= $2
	      ORDER BY updated_at DESC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, repositoryID, since.UTC(), limit)
	if err != nil {
		return nil, mapStoreError("capture.list_recent_prs", err)
	}
	defer rows.Close()
	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, mapStoreError("capture.list_recent_prs", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("capture.list_recent_prs", err)
	}
	return numbers, nil
}
