package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// trackerStub records governor interactions for assertions.
type trackerStub struct {
	mu       sync.Mutex
	samples  []domain.RateLimitSample
	admitErr error
}

func (s *trackerStub) Track(sample domain.RateLimitSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *trackerStub) Admit() error { return s.admitErr }

func (s *trackerStub) ResetAt() (time.Time, bool) { return time.Time{}, false }

func (s *trackerStub) tracked() []domain.RateLimitSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RateLimitSample(nil), s.samples...)
}

func testConfig(apiURL, gqlURL string) config.Config {
	return config.Config{
		AppEnv:          "test",
		GithubToken:     "test-token",
		ForgeAPIURL:     apiURL,
		ForgeGraphQLURL: gqlURL,
		ForgeTimeout:    5 * time.Second,
		ForgeRetryMax:   2,
	}
}

func writeBudgetHeaders(w http.ResponseWriter, remaining int) {
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(30*time.Minute).Unix()))
	w.Header().Set("Content-Type", "application/json")
}

// newRESTServer serves the five fine-grained endpoints for acme/widgets#7 and
// counts hits per path.
func newRESTServer(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(int))
		*(n.(*int))++

		writeBudgetHeaders(w, 4999)
		switch r.URL.Path {
		case "/repos/acme/widgets/pulls/7":
			fmt.Fprint(w, `{
				"id": 101, "number": 7, "title": "Add parser", "body": "body text",
				"state": "closed", "draft": false,
				"additions": 10, "deletions": 2, "changed_files": 1, "commits": 3,
				"user": {"id": 9, "login": "dev", "avatar_url": "https://a/9"},
				"merged_by": {"id": 10, "login": "lead", "avatar_url": "https://a/10"},
				"created_at": "2025-05-01T10:00:00Z", "updated_at": "2025-05-02T10:00:00Z",
				"merged_at": "2025-05-02T10:00:00Z", "merged": true,
				"base": {"ref": "main"}, "head": {"ref": "feat/parser"}
			}`)
		case "/repos/acme/widgets/pulls/7/files":
			fmt.Fprint(w, `[{"filename": "parser.go", "additions": 10, "deletions": 2, "changes": 12, "status": "modified"}]`)
		case "/repos/acme/widgets/pulls/7/reviews":
			fmt.Fprint(w, `[{"id": 501, "state": "APPROVED", "body": "lgtm",
				"user": {"id": 10, "login": "lead", "avatar_url": "https://a/10"},
				"submitted_at": "2025-05-02T09:00:00Z", "commit_id": "abc123"}]`)
		case "/repos/acme/widgets/issues/7/comments":
			fmt.Fprint(w, `[{"id": 601, "body": "nice", "user": {"id": 11, "login": "peer", "avatar_url": "https://a/11"},
				"created_at": "2025-05-01T11:00:00Z", "updated_at": "2025-05-01T11:00:00Z"}]`)
		case "/repos/acme/widgets/pulls/7/comments":
			fmt.Fprint(w, `[{"id": 701, "body": "rename this", "user": {"id": 10, "login": "lead", "avatar_url": "https://a/10"},
				"created_at": "2025-05-01T12:00:00Z", "updated_at": "2025-05-01T12:00:00Z",
				"path": "parser.go", "position": 4, "original_position": 4,
				"diff_hunk": "@@ -1 +1 @@", "pull_request_review_id": 501}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "Not Found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func pathHits(hits *sync.Map, path string) int {
	if n, ok := hits.Load(path); ok {
		return *(n.(*int))
	}
	return 0
}

func TestRESTClientAssemblesCompleteData(t *testing.T) {
	t.Parallel()

	srv, _ := newRESTServer(t)
	tracker := &trackerStub{}
	c := NewRESTClient(testConfig(srv.URL, srv.URL), tracker, nil)

	data, calls, err := c.getPRComplete(context.Background(), "acme", "widgets", 7)
	require.NoError(t, err)
	assert.Equal(t, 5, calls)

	assert.Equal(t, 7, data.PullRequest.Number)
	assert.Equal(t, "Add parser", data.PullRequest.Title)
	assert.Equal(t, "dev", data.PullRequest.Author.Login)
	assert.True(t, data.PullRequest.Merged)
	require.NotNil(t, data.PullRequest.MergedBy)
	assert.Equal(t, "lead", data.PullRequest.MergedBy.Login)
	assert.Equal(t, "main", data.PullRequest.BaseRef)

	require.Len(t, data.Files, 1)
	assert.Equal(t, "parser.go", data.Files[0].Filename)
	require.Len(t, data.Reviews, 1)
	assert.Equal(t, "APPROVED", data.Reviews[0].State)
	require.Len(t, data.IssueComments, 1)
	require.Len(t, data.ReviewComments, 1)
	require.NotNil(t, data.ReviewComments[0].ReviewID)
	assert.Equal(t, int64(501), *data.ReviewComments[0].ReviewID)

	samples := tracker.tracked()
	require.Len(t, samples, 5, "one budget sample per fine-grained call")
	for _, s := range samples {
		assert.Equal(t, 1, s.Cost)
		assert.Equal(t, 4999, s.Remaining)
		assert.Equal(t, "rest", s.QueryType)
		assert.False(t, s.ResetAt.IsZero())
	}
}

func TestRESTClientNotFoundDoesNotRetry(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		writeBudgetHeaders(w, 4999)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewRESTClient(testConfig(srv.URL, srv.URL), &trackerStub{}, nil)
	_, err := c.GetPRReviews(context.Background(), "acme", "widgets", 404)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, 1, hits, "missing resources are permanent: no retry")
}

func TestRESTClientRetriesTransportFailures(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeBudgetHeaders(w, 4000)
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(srv.Close)

	c := NewRESTClient(testConfig(srv.URL, srv.URL), &trackerStub{}, nil)
	_, err := c.GetPRReviews(context.Background(), "acme", "widgets", 7)
	require.NoError(t, err)
	assert.Equal(t, 3, hits, "two retries after the initial attempt")
}

func TestRESTClientTransportErrorAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewRESTClient(testConfig(srv.URL, srv.URL), &trackerStub{}, nil)
	_, err := c.GetPRReviews(context.Background(), "acme", "widgets", 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransport))
	assert.Equal(t, 3, hits)
}

func TestRESTClientRateExhausted(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	tracker := &trackerStub{}
	c := NewRESTClient(testConfig(srv.URL, srv.URL), tracker, nil)
	_, err := c.GetPRReviews(context.Background(), "acme", "widgets", 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateExhausted))
	assert.Equal(t, 1, hits, "exhausted budget is not retried at transport level")

	samples := tracker.tracked()
	require.Len(t, samples, 1)
	assert.Equal(t, 0, samples[0].Remaining, "the zero budget observation still reaches the governor")
}

func TestRESTClientAdmissionRefusal(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		writeBudgetHeaders(w, 4999)
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(srv.Close)

	tracker := &trackerStub{admitErr: fmt.Errorf("budget: %w", domain.ErrRateExhausted)}
	c := NewRESTClient(testConfig(srv.URL, srv.URL), tracker, nil)
	_, err := c.GetPRReviews(context.Background(), "acme", "widgets", 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateExhausted))
	assert.Zero(t, hits, "refused calls never reach the wire")
}

func TestRESTClientRecentPRsFiltersBySince(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		writeBudgetHeaders(w, 4999)
		fmt.Fprint(w, `[
			{"id": 1, "number": 8, "state": "open", "user": {"id": 9, "login": "dev"},
			 "created_at": "2025-06-01T00:00:00Z", "updated_at": "2025-06-10T00:00:00Z",
			 "base": {"ref": "main"}, "head": {"ref": "f1"}},
			{"id": 2, "number": 5, "state": "closed", "user": {"id": 9, "login": "dev"},
			 "created_at": "2025-01-01T00:00:00Z", "updated_at": "2025-01-02T00:00:00Z",
			 "base": {"ref": "main"}, "head": {"ref": "f2"}}
		]`)
	}))
	t.Cleanup(srv.Close)

	c := NewRESTClient(testConfig(srv.URL, srv.URL), &trackerStub{}, nil)
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	prs, err := c.GetRecentPRs(context.Background(), "acme", "widgets", since, 2)
	require.NoError(t, err)
	require.Len(t, prs, 1, "PRs updated before the window are dropped")
	assert.Equal(t, 8, prs[0].Number)
}
