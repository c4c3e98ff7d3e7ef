//go:build integration

// Opt-in container tests for the store adapters: run with -tags integration.
// They provision throwaway Postgres and Redis instances and drive the real
// repositories through a capture lifecycle.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/cache"
	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// schema mirrors the hosted database; the test owns its instance so it
// creates the tables itself.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS progressive_capture_jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		repository_id TEXT NOT NULL DEFAULT '',
		repository_name TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		run_id TEXT,
		time_range_days INT,
		metadata JSONB,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS progressive_capture_progress (
		job_id TEXT PRIMARY KEY,
		total INT NOT NULL DEFAULT 0,
		processed INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		current_item TEXT,
		recent_errors JSONB,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rollout_configuration (
		id BIGSERIAL PRIMARY KEY,
		feature TEXT NOT NULL UNIQUE,
		percentage INT NOT NULL DEFAULT 0,
		strategy TEXT NOT NULL DEFAULT 'percentage',
		whitelisted_repos TEXT[],
		emergency_stop BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS rollout_history (
		id BIGSERIAL PRIMARY KEY,
		config_id BIGINT NOT NULL,
		feature TEXT NOT NULL,
		action TEXT NOT NULL,
		previous_percentage INT NOT NULL,
		new_percentage INT NOT NULL,
		reason TEXT,
		triggered_by TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		category TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS pull_requests (
		repository_id TEXT NOT NULL,
		number INT NOT NULL,
		github_id BIGINT,
		title TEXT,
		body TEXT,
		state TEXT,
		draft BOOLEAN,
		additions INT,
		deletions INT,
		changed_files INT,
		commits INT,
		author JSONB,
		merged_by JSONB,
		created_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		merged_at TIMESTAMPTZ,
		merged BOOLEAN,
		mergeable BOOLEAN,
		base_ref TEXT,
		head_ref TEXT,
		files JSONB,
		captured_at TIMESTAMPTZ,
		PRIMARY KEY (repository_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		github_id BIGINT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		pr_number INT NOT NULL,
		state TEXT,
		body TEXT,
		author JSONB,
		submitted_at TIMESTAMPTZ,
		commit_id TEXT,
		captured_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		github_id BIGINT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		pr_number INT NOT NULL,
		comment_type TEXT NOT NULL,
		body TEXT,
		author JSONB,
		created_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ,
		path TEXT,
		position INT,
		original_position INT,
		diff_hunk TEXT,
		in_reply_to_id BIGINT,
		review_id BIGINT,
		captured_at TIMESTAMPTZ
	)`,
}

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "capture",
			"POSTGRES_DB":       "capture",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:capture@%s:%s/capture?sslmode=disable", host, port.Port())
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestStoreIntegration(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgres(t, ctx)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	for _, stmt := range schema {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	jobs := postgres.NewJobRepo(pool)
	progress := postgres.NewProgressRepo(pool)
	captures := postgres.NewCaptureRepo(pool)
	rollouts := postgres.NewRolloutRepo(pool, postgres.PoolBeginner{Pool: pool})

	t.Run("job lifecycle", func(t *testing.T) {
		days := 30
		id, err := jobs.Create(ctx, domain.Job{
			Kind:           domain.JobKindDetails,
			RepositoryID:   "r1",
			RepositoryName: "acme/app",
			Backend:        domain.BackendLowLatency,
			TimeRangeDays:  &days,
			Metadata:       map[string]any{"trigger_source": "manual"},
		})
		require.NoError(t, err)

		require.NoError(t, jobs.UpdateStatus(ctx, id, domain.JobProcessing, nil))

		// The pending->processing claim is single-winner; a second delivery
		// of the same job must see the conflict.
		err = jobs.UpdateStatus(ctx, id, domain.JobProcessing, nil)
		require.ErrorIs(t, err, domain.ErrStoreConflict)

		require.NoError(t, jobs.UpdateStatus(ctx, id, domain.JobCompleted, nil))

		got, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, got.Status)
		require.NotNil(t, got.StartedAt)
		require.NotNil(t, got.CompletedAt)
		assert.Equal(t, "manual", got.Metadata["trigger_source"])

		stats, err := jobs.Stats(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.Completed, int64(1))
	})

	t.Run("stale jobs surface to the sweeper", func(t *testing.T) {
		id, err := jobs.Create(ctx, domain.Job{Kind: domain.JobKindReviews, RepositoryID: "r1"})
		require.NoError(t, err)
		require.NoError(t, jobs.UpdateStatus(ctx, id, domain.JobProcessing, nil))
		_, err = pool.Exec(ctx, `UPDATE progressive_capture_jobs SET started_at = now() - interval '4 hours' WHERE id=$1`, id)
		require.NoError(t, err)

		stale, err := jobs.ListStale(ctx, time.Now().Add(-3*time.Hour), 10)
		require.NoError(t, err)
		found := false
		for _, j := range stale {
			if j.ID == id {
				found = true
			}
		}
		assert.True(t, found, "backdated processing job must be listed")
	})

	t.Run("progress counters never regress", func(t *testing.T) {
		id, err := jobs.Create(ctx, domain.Job{Kind: domain.JobKindComments, RepositoryID: "r1"})
		require.NoError(t, err)

		require.NoError(t, progress.Upsert(ctx, domain.Progress{JobID: id, Total: 5, Processed: 3, Failed: 1}))
		// A late, smaller write must not move counters backwards.
		require.NoError(t, progress.Upsert(ctx, domain.Progress{JobID: id, Total: 5, Processed: 2, Failed: 0, CurrentItem: "pr-9"}))

		p, err := progress.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, p.Processed)
		assert.Equal(t, 1, p.Failed)
		assert.Equal(t, "pr-9", p.CurrentItem)
	})

	t.Run("rollout change is atomic with history", func(t *testing.T) {
		cfg, err := rollouts.ApplyChange(ctx, domain.RolloutChange{
			Feature:       domain.DefaultFeature,
			Action:        domain.RolloutActionUpdated,
			NewPercentage: 25,
			Reason:        "initial ramp",
			TriggeredBy:   domain.TriggeredByManual,
			Metadata:      map[string]any{"caller": "manual"},
		})
		require.NoError(t, err)
		assert.Equal(t, 25, cfg.Percentage)

		stop, active := true, false
		_, err = rollouts.ApplyChange(ctx, domain.RolloutChange{
			Feature:       domain.DefaultFeature,
			Action:        domain.RolloutActionStop,
			NewPercentage: 25,
			SetStop:       &stop,
			SetActive:     &active,
			Reason:        "incident",
			TriggeredBy:   domain.TriggeredByManual,
		})
		require.NoError(t, err)

		got, err := rollouts.Get(ctx, domain.DefaultFeature)
		require.NoError(t, err)
		assert.True(t, got.EmergencyStop)
		assert.Equal(t, 0, got.EffectivePercentage())

		entries, err := rollouts.History(ctx, domain.DefaultFeature, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, domain.RolloutActionStop, entries[0].Action, "newest first")
		assert.Equal(t, 25, entries[0].PreviousPercentage)
	})

	t.Run("capture projections upsert on natural keys", func(t *testing.T) {
		_, err := pool.Exec(ctx, `INSERT INTO repositories (id, owner, name, category) VALUES ('r1','acme','app','medium') ON CONFLICT (id) DO NOTHING`)
		require.NoError(t, err)

		repo, err := captures.GetRepository(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "acme", repo.Owner)

		pr := domain.PullRequest{
			ID:        9001,
			Number:    17,
			Title:     "first title",
			State:     "open",
			Author:    domain.Author{ID: 7, Login: "octocat"},
			CreatedAt: time.Now().UTC().Add(-time.Hour),
			UpdatedAt: time.Now().UTC(),
		}
		files := []domain.PRFile{{Filename: "main.go", Additions: 3, Changes: 3, Status: "modified"}}
		require.NoError(t, captures.UpsertPullRequest(ctx, "r1", pr, files))

		pr.Title = "second title"
		require.NoError(t, captures.UpsertPullRequest(ctx, "r1", pr, files))

		var count int
		var title string
		require.NoError(t, pool.QueryRow(ctx, `SELECT count(*), max(title) FROM pull_requests WHERE repository_id='r1' AND number=17`).Scan(&count, &title))
		assert.Equal(t, 1, count, "replays converge on one row")
		assert.Equal(t, "second title", title)

		require.NoError(t, captures.UpsertReview(ctx, "r1", 17, domain.Review{ID: 501, State: "APPROVED", Author: domain.Author{Login: "reviewer"}}))
		require.NoError(t, captures.UpsertIssueComment(ctx, "r1", 17, domain.IssueComment{ID: 601, Body: "lgtm", Author: domain.Author{Login: "octocat"}}))
		require.NoError(t, captures.UpsertReviewComment(ctx, "r1", 17, domain.ReviewComment{ID: 701, Body: "nit", Author: domain.Author{Login: "reviewer"}, Path: "main.go"}))

		numbers, err := captures.ListRecentPRNumbers(ctx, "r1", time.Now().Add(-24*time.Hour), 10)
		require.NoError(t, err)
		assert.Contains(t, numbers, 17)
	})

	t.Run("retention cleanup removes only old terminal jobs", func(t *testing.T) {
		id, err := jobs.Create(ctx, domain.Job{Kind: domain.JobKindDetails, RepositoryID: "r1"})
		require.NoError(t, err)
		require.NoError(t, jobs.UpdateStatus(ctx, id, domain.JobProcessing, nil))
		require.NoError(t, jobs.UpdateStatus(ctx, id, domain.JobCompleted, nil))
		require.NoError(t, progress.Upsert(ctx, domain.Progress{JobID: id, Total: 1, Processed: 1}))
		_, err = pool.Exec(ctx, `UPDATE progressive_capture_jobs SET created_at = now() - interval '100 days' WHERE id=$1`, id)
		require.NoError(t, err)

		svc := postgres.NewCleanupService(postgres.PoolBeginner{Pool: pool}, 90)
		require.NoError(t, svc.CleanupOldData(ctx))

		_, err = jobs.Get(ctx, id)
		require.ErrorIs(t, err, domain.ErrNotFound)
		_, err = progress.Get(ctx, id)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestRolloutCacheIntegration(t *testing.T) {
	ctx := context.Background()
	addr := startRedis(t, ctx)

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.NewRolloutCache(rdb, 30*time.Second)

	_, ok, err := c.Get(ctx, domain.DefaultFeature)
	require.NoError(t, err)
	assert.False(t, ok, "empty cache misses cleanly")

	cfg := domain.RolloutConfig{
		ID:         1,
		Feature:    domain.DefaultFeature,
		Percentage: 40,
		Strategy:   domain.StrategyPercentage,
		Active:     true,
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, c.Set(ctx, cfg))

	got, ok, err := c.Get(ctx, domain.DefaultFeature)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cfg.Percentage, got.Percentage)

	require.NoError(t, c.Invalidate(ctx, domain.DefaultFeature))
	_, ok, err = c.Get(ctx, domain.DefaultFeature)
	require.NoError(t, err)
	assert.False(t, ok, "invalidation drops the entry")
}
