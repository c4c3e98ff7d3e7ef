package usecase_test

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// Hand-rolled port fakes shared by the usecase tests. Each fake records the
// calls it sees and fails from scripted error queues.

type statusChange struct {
	ID     string
	Status domain.JobStatus
	ErrMsg string
}

type fakeJobs struct {
	mu        sync.Mutex
	created   []domain.Job
	createErr error
	createID  string

	statuses  []statusChange
	updateErr map[domain.JobStatus]error

	runIDs    map[string]string
	setRunErr error

	stats    domain.JobStats
	statsErr error

	stale []domain.Job
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{createID: "job-1", runIDs: map[string]string{}, updateErr: map[domain.JobStatus]error{}}
}

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, j)
	if j.ID != "" {
		return j.ID, nil
	}
	return f.createID, nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.created {
		if j.ID == id {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f *fakeJobs) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[status]; err != nil {
		return err
	}
	ch := statusChange{ID: id, Status: status}
	if errMsg != nil {
		ch.ErrMsg = *errMsg
	}
	f.statuses = append(f.statuses, ch)
	return nil
}

func (f *fakeJobs) SetRunID(_ domain.Context, id, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRunErr != nil {
		return f.setRunErr
	}
	f.runIDs[id] = runID
	return nil
}

func (f *fakeJobs) Stats(_ domain.Context, _ time.Time) (domain.JobStats, error) {
	if f.statsErr != nil {
		return domain.JobStats{}, f.statsErr
	}
	return f.stats, nil
}

func (f *fakeJobs) ListStale(_ domain.Context, _ time.Time, _ int) ([]domain.Job, error) {
	return f.stale, nil
}

func (f *fakeJobs) lastStatus() statusChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return statusChange{}
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeProgress struct {
	mu        sync.Mutex
	upserts   []domain.Progress
	upsertErr error
}

func (f *fakeProgress) Upsert(_ domain.Context, p domain.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, p)
	return nil
}

func (f *fakeProgress) Get(_ domain.Context, jobID string) (domain.Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.upserts) - 1; i >= 0; i-- {
		if f.upserts[i].JobID == jobID {
			return f.upserts[i], nil
		}
	}
	return domain.Progress{}, domain.ErrNotFound
}

func (f *fakeProgress) last() domain.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upserts) == 0 {
		return domain.Progress{}
	}
	return f.upserts[len(f.upserts)-1]
}

type fakeCaptures struct {
	mu    sync.Mutex
	repos map[string]domain.Repository

	prUpserts      []domain.PullRequest
	reviewUpserts  []domain.Review
	issueUpserts   []domain.IssueComment
	reviewComments []domain.ReviewComment

	upsertPRErr      error
	upsertReviewErr  error
	upsertCommentErr error

	recentNumbers []int
	recentErr     error
	recentLimit   int
}

func newFakeCaptures(repos ...domain.Repository) *fakeCaptures {
	f := &fakeCaptures{repos: map[string]domain.Repository{}}
	for _, r := range repos {
		f.repos[r.ID] = r
	}
	return f
}

func (f *fakeCaptures) GetRepository(_ domain.Context, id string) (domain.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[id]
	if !ok {
		return domain.Repository{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeCaptures) UpsertPullRequest(_ domain.Context, _ string, pr domain.PullRequest, _ []domain.PRFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertPRErr != nil {
		return f.upsertPRErr
	}
	f.prUpserts = append(f.prUpserts, pr)
	return nil
}

func (f *fakeCaptures) UpsertReview(_ domain.Context, _ string, _ int, r domain.Review) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertReviewErr != nil {
		return f.upsertReviewErr
	}
	f.reviewUpserts = append(f.reviewUpserts, r)
	return nil
}

func (f *fakeCaptures) UpsertIssueComment(_ domain.Context, _ string, _ int, c domain.IssueComment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertCommentErr != nil {
		return f.upsertCommentErr
	}
	f.issueUpserts = append(f.issueUpserts, c)
	return nil
}

func (f *fakeCaptures) UpsertReviewComment(_ domain.Context, _ string, _ int, c domain.ReviewComment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertCommentErr != nil {
		return f.upsertCommentErr
	}
	f.reviewComments = append(f.reviewComments, c)
	return nil
}

func (f *fakeCaptures) ListRecentPRNumbers(_ domain.Context, _ string, _ time.Time, limit int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentLimit = limit
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	if len(f.recentNumbers) > limit {
		return f.recentNumbers[:limit], nil
	}
	return f.recentNumbers, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	events []domain.CaptureEvent
	errs   []error
}

func (f *fakeQueue) EnqueueCapture(_ domain.Context, ev domain.CaptureEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.events = append(f.events, ev)
	return nil
}

type dispatchCall struct {
	Workflow string
	Inputs   map[string]string
}

type fakeRunner struct {
	mu         sync.Mutex
	dispatches []dispatchCall
	runID      string
	errs       []error
}

func (f *fakeRunner) Dispatch(_ domain.Context, workflow string, inputs map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.dispatches = append(f.dispatches, dispatchCall{Workflow: workflow, Inputs: inputs})
	if f.runID == "" {
		return "run-1", nil
	}
	return f.runID, nil
}

type fakeGate struct {
	allowed bool
	err     error
	calls   int
}

func (f *fakeGate) IsAllowed(_ domain.Context, _, _ string) (bool, error) {
	f.calls++
	return f.allowed, f.err
}

type fakeWorkflows struct{ err error }

func (f fakeWorkflows) WorkflowFor(kind string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return kind + ".yml", nil
}

type fakeRolloutRepo struct {
	mu       sync.Mutex
	cfg      domain.RolloutConfig
	getErr   error
	changes  []domain.RolloutChange
	applyErr error
	history  []domain.RolloutHistoryEntry
	histErr  error

	// stuckPct simulates a write that does not take effect: ApplyChange
	// records the change but the stored row keeps this percentage.
	stuckPct *int
}

func (f *fakeRolloutRepo) Get(_ domain.Context, feature string) (domain.RolloutConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.RolloutConfig{}, f.getErr
	}
	if f.cfg.Feature != feature {
		return domain.RolloutConfig{}, domain.ErrNotFound
	}
	return f.cfg, nil
}

func (f *fakeRolloutRepo) ApplyChange(_ domain.Context, change domain.RolloutChange) (domain.RolloutConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return domain.RolloutConfig{}, f.applyErr
	}
	f.changes = append(f.changes, change)
	next := f.cfg
	if next.Feature == "" {
		next = domain.DefaultRolloutConfig(change.Feature)
	}
	next.Percentage = change.NewPercentage
	if change.SetStop != nil {
		next.EmergencyStop = *change.SetStop
	}
	if change.SetActive != nil {
		next.Active = *change.SetActive
	}
	if f.stuckPct != nil {
		next.Percentage = *f.stuckPct
	}
	next.UpdatedAt = time.Now().UTC()
	f.cfg = next
	return next, nil
}

func (f *fakeRolloutRepo) History(_ domain.Context, _ string, _ int) ([]domain.RolloutHistoryEntry, error) {
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.history, nil
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]domain.RolloutConfig
	gets, sets  int
	invalidated []string
	getErr      error
	setErr      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]domain.RolloutConfig{}}
}

func (f *fakeCache) Get(_ domain.Context, feature string) (domain.RolloutConfig, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return domain.RolloutConfig{}, false, f.getErr
	}
	cfg, ok := f.entries[feature]
	return cfg, ok, nil
}

func (f *fakeCache) Set(_ domain.Context, cfg domain.RolloutConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.entries[cfg.Feature] = cfg
	return nil
}

func (f *fakeCache) Invalidate(_ domain.Context, feature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, feature)
	delete(f.entries, feature)
	return nil
}

// fakeForge scripts the reader per call; unset functions report not found.
type fakeForge struct {
	completeFn func(number int) (domain.PRCompleteData, error)
	reviewsFn  func(number int) ([]domain.Review, error)
	commentsFn func(number int) (domain.PRComments, error)
	calls      int
}

func (f *fakeForge) GetPRCompleteData(_ domain.Context, _, _ string, number int) (domain.PRCompleteData, error) {
	f.calls++
	if f.completeFn == nil {
		return domain.PRCompleteData{}, domain.ErrNotFound
	}
	return f.completeFn(number)
}

func (f *fakeForge) GetPRReviews(_ domain.Context, _, _ string, number int) ([]domain.Review, error) {
	f.calls++
	if f.reviewsFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.reviewsFn(number)
}

func (f *fakeForge) GetPRComments(_ domain.Context, _, _ string, number int) (domain.PRComments, error) {
	f.calls++
	if f.commentsFn == nil {
		return domain.PRComments{}, domain.ErrNotFound
	}
	return f.commentsFn(number)
}

func (f *fakeForge) GetRecentPRs(_ domain.Context, _, _ string, _ time.Time, _ int) ([]domain.PullRequest, error) {
	return nil, nil
}

type fakeBudget struct {
	mu        sync.Mutex
	admitErrs []error
	admits    int
	resetAt   time.Time
	hasReset  bool
}

func (f *fakeBudget) Track(domain.RateLimitSample) {}

func (f *fakeBudget) Admit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admits++
	if len(f.admitErrs) > 0 {
		err := f.admitErrs[0]
		f.admitErrs = f.admitErrs[1:]
		return err
	}
	return nil
}

func (f *fakeBudget) ResetAt() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetAt, f.hasReset
}

func intPtr(n int) *int { return &n }

func testCtx() context.Context { return context.Background() }
