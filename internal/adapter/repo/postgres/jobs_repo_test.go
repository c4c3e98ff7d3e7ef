package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

func testCtx() context.Context { return context.Background() }

// jobRowScan fills the column set scanJob expects.
func jobRowScan(j domain.Job, meta []byte) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = j.ID
		*(dest[1].(*string)) = j.Kind
		*(dest[2].(*string)) = j.RepositoryID
		*(dest[3].(*string)) = j.RepositoryName
		*(dest[4].(*domain.Backend)) = j.Backend
		*(dest[5].(*domain.JobStatus)) = j.Status
		*(dest[6].(**string)) = j.RunID
		*(dest[7].(**int)) = j.TimeRangeDays
		*(dest[8].(*[]byte)) = meta
		*(dest[9].(*string)) = j.Error
		*(dest[10].(*time.Time)) = j.CreatedAt
		*(dest[11].(**time.Time)) = j.StartedAt
		*(dest[12].(**time.Time)) = j.CompletedAt
		return nil
	}
}

func TestJobRepoCreateDefaults(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)

	id, err := repo.Create(testCtx(), domain.Job{
		Kind:           domain.JobKindDetails,
		RepositoryID:   "r1",
		RepositoryName: "acme/app",
		Backend:        domain.BackendLowLatency,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "a generated id is returned")

	require.Len(t, pool.execArgs, 1)
	assert.Contains(t, pool.execSQL[0], "INSERT INTO progressive_capture_jobs")
	args := pool.execArgs[0]
	assert.Equal(t, id, args[0])
	assert.Equal(t, domain.JobPending, args[5], "status defaults to pending")
}

func TestJobRepoCreateKeepsProvidedID(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)

	id, err := repo.Create(testCtx(), domain.Job{ID: "job-1", Kind: domain.JobKindReviews, Status: domain.JobPending})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestJobRepoCreateStoreError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execFn: func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("connection refused")
	}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Create(testCtx(), domain.Job{Kind: domain.JobKindDetails})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreError))
	assert.Contains(t, err.Error(), "op=job.create")
}

func TestJobRepoUpdateStatusTransitionGuards(t *testing.T) {
	t.Parallel()

	t.Run("processing allows only pending", func(t *testing.T) {
		pool := &poolStub{execFn: func(string, []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}}
		repo := postgres.NewJobRepo(pool)
		require.NoError(t, repo.UpdateStatus(testCtx(), "j1", domain.JobProcessing, nil))
		assert.Equal(t, []string{string(domain.JobPending)}, pool.execArgs[0][4])
	})

	t.Run("failed allows pending and processing", func(t *testing.T) {
		pool := &poolStub{execFn: func(string, []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}}
		repo := postgres.NewJobRepo(pool)
		msg := "forge unreachable"
		require.NoError(t, repo.UpdateStatus(testCtx(), "j1", domain.JobFailed, &msg))
		args := pool.execArgs[0]
		assert.Equal(t, "forge unreachable", args[2])
		assert.Equal(t, []string{string(domain.JobPending), string(domain.JobProcessing)}, args[4])
	})

	t.Run("pending is not a valid target", func(t *testing.T) {
		pool := &poolStub{}
		repo := postgres.NewJobRepo(pool)
		err := repo.UpdateStatus(testCtx(), "j1", domain.JobPending, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
		assert.Empty(t, pool.execSQL, "no statement issued for an invalid target")
	})
}

func TestJobRepoUpdateStatusMissedGuard(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, exists bool) error {
		pool := &poolStub{
			execFn: func(string, []any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag("UPDATE 0"), nil
			},
			queryRowFn: func(string, []any) pgx.Row {
				return rowStub{scan: func(dest ...any) error {
					*(dest[0].(*bool)) = exists
					return nil
				}}
			},
		}
		return postgres.NewJobRepo(pool).UpdateStatus(testCtx(), "j1", domain.JobCompleted, nil)
	}

	err := run(t, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "missing job reports not found")

	err = run(t, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreConflict), "job past the transition reports conflict")
}

func TestJobRepoSetRunID(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execFn: func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := postgres.NewJobRepo(pool)
	require.NoError(t, repo.SetRunID(testCtx(), "j1", "run-42"))
	assert.Equal(t, []any{"j1", "run-42"}, pool.execArgs[0])

	pool.execFn = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	err := repo.SetRunID(testCtx(), "missing", "run-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestJobRepoGetRoundTrip(t *testing.T) {
	t.Parallel()
	started := time.Now().UTC().Add(-time.Minute)
	days := 30
	want := domain.Job{
		ID:             "j1",
		Kind:           domain.JobKindHistorical,
		RepositoryID:   "r1",
		RepositoryName: "acme/app",
		Backend:        domain.BackendBatch,
		Status:         domain.JobProcessing,
		TimeRangeDays:  &days,
		CreatedAt:      started.Add(-time.Minute),
		StartedAt:      &started,
	}
	pool := &poolStub{queryRowFn: func(_ string, args []any) pgx.Row {
		assert.Equal(t, []any{"j1"}, args)
		return rowStub{scan: jobRowScan(want, []byte(`{"source":"api"}`))}
	}}

	got, err := postgres.NewJobRepo(pool).Get(testCtx(), "j1")
	require.NoError(t, err)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Backend, got.Backend)
	assert.Equal(t, want.Status, got.Status)
	require.NotNil(t, got.TimeRangeDays)
	assert.Equal(t, 30, *got.TimeRangeDays)
	assert.Equal(t, "api", got.Metadata["source"])
}

func TestJobRepoGetNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryRowFn: func(string, []any) pgx.Row {
		return rowStub{scan: func(...any) error { return pgx.ErrNoRows }}
	}}

	_, err := postgres.NewJobRepo(pool).Get(testCtx(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Contains(t, err.Error(), "op=job.get")
}

func TestJobRepoStats(t *testing.T) {
	t.Parallel()
	since := time.Now().Add(-time.Hour)
	pool := &poolStub{queryRowFn: func(_ string, args []any) pgx.Row {
		assert.Equal(t, []any{since.UTC()}, args)
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 10
			*(dest[1].(*int64)) = 6
			*(dest[2].(*int64)) = 2
			*(dest[3].(*int64)) = 2
			return nil
		}}
	}}

	stats, err := postgres.NewJobRepo(pool).Stats(testCtx(), since)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStats{Total: 10, Completed: 6, Failed: 2, Processing: 2}, stats)
}

func TestJobRepoListStale(t *testing.T) {
	t.Parallel()
	old := time.Now().UTC().Add(-4 * time.Hour)
	a := domain.Job{ID: "j1", Kind: domain.JobKindDetails, Status: domain.JobProcessing, StartedAt: &old}
	b := domain.Job{ID: "j2", Kind: domain.JobKindReviews, Status: domain.JobProcessing, StartedAt: &old}

	var gotLimit any
	pool := &poolStub{queryFn: func(_ string, args []any) (pgx.Rows, error) {
		gotLimit = args[1]
		return &rowsStub{scans: []func(dest ...any) error{
			jobRowScan(a, nil),
			jobRowScan(b, nil),
		}}, nil
	}}

	jobs, err := postgres.NewJobRepo(pool).ListStale(testCtx(), time.Now().Add(-3*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, "j2", jobs[1].ID)
	assert.Equal(t, 100, gotLimit, "non-positive limit falls back to the default page size")
}

func TestJobRepoListStaleRowsError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryFn: func(string, []any) (pgx.Rows, error) {
		return &rowsStub{err: errors.New("conn reset")}, nil
	}}

	_, err := postgres.NewJobRepo(pool).ListStale(testCtx(), time.Now(), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreError))
	assert.Contains(t, err.Error(), "op=job.list_stale")
}
