package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/progressive-capture/internal/adapter/httpserver"
	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
	"github.com/fairyhunter13/progressive-capture/internal/usecase"
)

type stubJobs struct {
	jobs      map[string]domain.Job
	createErr error
	stats     domain.JobStats
	statsErr  error
	lastSince time.Time
}

func (s *stubJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return "job-1", nil
}

func (s *stubJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	if j, ok := s.jobs[id]; ok {
		return j, nil
	}
	return domain.Job{}, domain.ErrNotFound
}

func (s *stubJobs) UpdateStatus(_ domain.Context, _ string, _ domain.JobStatus, _ *string) error {
	return nil
}

func (s *stubJobs) SetRunID(_ domain.Context, _, _ string) error { return nil }

func (s *stubJobs) Stats(_ domain.Context, since time.Time) (domain.JobStats, error) {
	s.lastSince = since
	return s.stats, s.statsErr
}

func (s *stubJobs) ListStale(_ domain.Context, _ time.Time, _ int) ([]domain.Job, error) {
	return nil, nil
}

type stubProgress struct {
	rows map[string]domain.Progress
}

func (s *stubProgress) Upsert(_ domain.Context, _ domain.Progress) error { return nil }

func (s *stubProgress) Get(_ domain.Context, jobID string) (domain.Progress, error) {
	if p, ok := s.rows[jobID]; ok {
		return p, nil
	}
	return domain.Progress{}, domain.ErrNotFound
}

type stubCaptures struct {
	repos map[string]domain.Repository
}

func (s *stubCaptures) GetRepository(_ domain.Context, id string) (domain.Repository, error) {
	if r, ok := s.repos[id]; ok {
		return r, nil
	}
	return domain.Repository{}, domain.ErrNotFound
}

func (s *stubCaptures) UpsertPullRequest(_ domain.Context, _ string, _ domain.PullRequest, _ []domain.PRFile) error {
	return nil
}
func (s *stubCaptures) UpsertReview(_ domain.Context, _ string, _ int, _ domain.Review) error {
	return nil
}
func (s *stubCaptures) UpsertIssueComment(_ domain.Context, _ string, _ int, _ domain.IssueComment) error {
	return nil
}
func (s *stubCaptures) UpsertReviewComment(_ domain.Context, _ string, _ int, _ domain.ReviewComment) error {
	return nil
}
func (s *stubCaptures) ListRecentPRNumbers(_ domain.Context, _ string, _ time.Time, _ int) ([]int, error) {
	return nil, nil
}

type stubQueue struct {
	events []domain.CaptureEvent
	err    error
}

func (s *stubQueue) EnqueueCapture(_ domain.Context, ev domain.CaptureEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

type stubRunner struct {
	workflows []string
	err       error
}

func (s *stubRunner) Dispatch(_ domain.Context, workflow string, _ map[string]string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.workflows = append(s.workflows, workflow)
	return "run-9", nil
}

type stubGate struct {
	allowed bool
	err     error
}

func (s *stubGate) IsAllowed(_ domain.Context, _, _ string) (bool, error) {
	return s.allowed, s.err
}

type stubWorkflows struct{}

func (stubWorkflows) WorkflowFor(kind string) (string, error) { return kind + ".yml", nil }

type stubRolloutRepo struct {
	cfg domain.RolloutConfig
	err error
}

func (s *stubRolloutRepo) Get(_ domain.Context, feature string) (domain.RolloutConfig, error) {
	if s.err != nil {
		return domain.RolloutConfig{}, s.err
	}
	if s.cfg.Feature != feature {
		return domain.RolloutConfig{}, domain.ErrNotFound
	}
	return s.cfg, nil
}

func (s *stubRolloutRepo) ApplyChange(_ domain.Context, _ domain.RolloutChange) (domain.RolloutConfig, error) {
	return s.cfg, nil
}

func (s *stubRolloutRepo) History(_ domain.Context, _ string, _ int) ([]domain.RolloutHistoryEntry, error) {
	return nil, nil
}

// fixtures bundles the stubs behind a test server so each test can reach in
// and adjust behaviour before firing requests.
type fixtures struct {
	jobs     *stubJobs
	progress *stubProgress
	captures *stubCaptures
	queue    *stubQueue
	runner   *stubRunner
	gate     *stubGate
	rollout  *stubRolloutRepo
}

func newTestServer(t *testing.T) (*httpserver.Server, *fixtures) {
	t.Helper()
	f := &fixtures{
		jobs:     &stubJobs{jobs: map[string]domain.Job{}},
		progress: &stubProgress{rows: map[string]domain.Progress{}},
		captures: &stubCaptures{repos: map[string]domain.Repository{
			"r1": {ID: "r1", Owner: "acme", Name: "widgets", Category: domain.CategorySmall},
		}},
		queue:   &stubQueue{},
		runner:  &stubRunner{},
		gate:    &stubGate{allowed: true},
		rollout: &stubRolloutRepo{cfg: domain.RolloutConfig{
			ID:         1,
			Feature:    domain.DefaultFeature,
			Percentage: 50,
			Strategy:   domain.StrategyPercentage,
			Active:     true,
			UpdatedAt:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		}},
	}
	capture := usecase.NewCaptureService(f.jobs, f.progress, f.captures, f.queue, f.runner, f.gate, stubWorkflows{})
	capture.DispatchRetry = domain.RetryConfig{MaxRetries: 1, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1}
	rollouts := usecase.NewRolloutService(f.rollout, nil, f.captures)
	srv := httpserver.NewServer(config.Config{AppEnv: "test", Port: 8080}, capture, rollouts,
		f.jobs, f.progress, nil, nil, nil)
	return srv, f
}

func postCapture(t *testing.T, srv *httpserver.Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/capture", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	srv.CaptureHandler()(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
	return obj
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	obj := decodeEnvelope(t, w)
	errObj, ok := obj["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func TestCaptureHandlerEnqueues(t *testing.T) {
	srv, f := newTestServer(t)

	w := postCapture(t, srv, `{
		"kind": "details",
		"repository_id": "r1",
		"repository_name": "acme/widgets",
		"pr_numbers": [42, 43]
	}`)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	obj := decodeEnvelope(t, w)
	assert.Equal(t, "job-1", obj["id"])
	assert.Equal(t, "pending", obj["status"])

	require.Len(t, f.queue.events, 1, "an explicit small PR set stays low latency")
	assert.Equal(t, []int{42, 43}, f.queue.events[0].PRNumbers)
}

func TestCaptureHandlerRoutesLargeWindowToBatch(t *testing.T) {
	srv, f := newTestServer(t)

	w := postCapture(t, srv, `{
		"kind": "historical-sync",
		"repository_id": "r1",
		"repository_name": "acme/widgets",
		"time_range_days": 90,
		"trigger_source": "scheduled"
	}`)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Empty(t, f.queue.events)
	require.Len(t, f.runner.workflows, 1)
	assert.Equal(t, "historical-sync.yml", f.runner.workflows[0])
}

func TestCaptureHandlerRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	w := postCapture(t, srv, `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, w))
}

func TestCaptureHandlerValidatesFields(t *testing.T) {
	srv, _ := newTestServer(t)

	w := postCapture(t, srv, `{"kind": "details", "repository_name": "acme/widgets"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	obj := decodeEnvelope(t, w)
	errObj := obj["error"].(map[string]any)
	details, ok := errObj["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", details["repositoryid"])
}

func TestCaptureHandlerRejectsUnknownKind(t *testing.T) {
	srv, _ := newTestServer(t)

	w := postCapture(t, srv, `{"kind": "everything", "repository_id": "r1", "repository_name": "acme/widgets"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, w))
}

func TestCaptureHandlerUnknownRepository(t *testing.T) {
	srv, _ := newTestServer(t)

	w := postCapture(t, srv, `{"kind": "details", "repository_id": "ghost", "repository_name": "acme/ghost"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, w))
}

func TestCaptureHandlerBackendRefusal(t *testing.T) {
	srv, f := newTestServer(t)
	f.queue.err = domain.ErrTransport

	w := postCapture(t, srv, `{"kind": "details", "repository_id": "r1", "repository_name": "acme/widgets", "pr_numbers": [1]}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "BACKEND_UNAVAILABLE", errorCode(t, w))
}

func TestCaptureHandlerRefusesNonJSONAccept(t *testing.T) {
	srv, _ := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/v1/capture", strings.NewReader(`{}`))
	r.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	srv.CaptureHandler()(w, r)

	require.Equal(t, http.StatusNotAcceptable, w.Code)
}
