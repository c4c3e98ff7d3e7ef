package forge

import (
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// Operation labels for the per-path request metrics.
const (
	opPRComplete = "pr_complete"
	opPRReviews  = "pr_reviews"
	opPRComments = "pr_comments"
	opRecentPRs  = "recent_prs"
)

// fineGrainedEquivalentCost is the fine-grained price of a full PR read; a
// compound call cheaper than this banks the difference as points saved.
const fineGrainedEquivalentCost = 5

// HybridClient prefers the compound path and falls back to the fine-grained
// path when it fails. NotFound never falls back: a PR the compound path
// cannot see does not exist for the fine-grained path either.
type HybridClient struct {
	compound *CompoundClient
	rest     *RESTClient

	mu              sync.Mutex
	compoundEnabled bool
	compoundQueries int64
	fineGrained     int64
	fallbacks       int64
	pointsSaved     int64
}

// NewHybridClient composes the two paths. compoundEnabled seeds the runtime
// switch; SetCompoundEnabled can flip it live.
func NewHybridClient(compound *CompoundClient, rest *RESTClient, compoundEnabled bool) *HybridClient {
	return &HybridClient{
		compound:        compound,
		rest:            rest,
		compoundEnabled: compoundEnabled,
	}
}

// SetCompoundEnabled flips the compound path at runtime.
func (h *HybridClient) SetCompoundEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.compoundEnabled != enabled {
		slog.Info("compound forge path toggled", slog.Bool("enabled", enabled))
	}
	h.compoundEnabled = enabled
}

// Metrics snapshots the per-process counters with the derived rates.
func (h *HybridClient) Metrics() domain.ForgeMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := domain.ForgeMetrics{
		CompoundQueries:    h.compoundQueries,
		FineGrainedQueries: h.fineGrained,
		Fallbacks:          h.fallbacks,
		TotalPointsSaved:   h.pointsSaved,
	}
	if denom := m.CompoundQueries + m.Fallbacks; denom > 0 {
		m.FallbackRate = float64(m.Fallbacks) / float64(denom)
	}
	if total := m.CompoundQueries + m.FineGrainedQueries; total > 0 {
		m.Efficiency = float64(m.TotalPointsSaved) / float64(total)
	}
	return m
}

// GetPRCompleteData retrieves the full PR record over the preferred path.
func (h *HybridClient) GetPRCompleteData(ctx domain.Context, owner, repo string, number int) (domain.PRCompleteData, error) {
	if h.compoundOn() {
		start := time.Now()
		data, cost, err := h.compound.getPRCompleteData(ctx, owner, repo, number)
		switch {
		case err == nil:
			h.recordCompound(opPRComplete, cost, time.Since(start))
			return data, nil
		case errors.Is(err, domain.ErrNotFound):
			return domain.PRCompleteData{}, err
		default:
			h.recordFallback(opPRComplete, err)
		}
	}
	start := time.Now()
	data, calls, err := h.rest.getPRComplete(ctx, owner, repo, number)
	h.recordFineGrained(opPRComplete, calls, time.Since(start))
	return data, err
}

// GetPRReviews retrieves the reviews of the PR over the preferred path.
func (h *HybridClient) GetPRReviews(ctx domain.Context, owner, repo string, number int) ([]domain.Review, error) {
	if h.compoundOn() {
		start := time.Now()
		reviews, cost, err := h.compound.getPRReviews(ctx, owner, repo, number)
		switch {
		case err == nil:
			h.recordCompound(opPRReviews, cost, time.Since(start))
			return reviews, nil
		case errors.Is(err, domain.ErrNotFound):
			return nil, err
		default:
			h.recordFallback(opPRReviews, err)
		}
	}
	start := time.Now()
	reviews, calls, err := h.rest.listReviews(ctx, owner, repo, number)
	h.recordFineGrained(opPRReviews, calls, time.Since(start))
	return reviews, err
}

// GetPRComments retrieves both comment kinds over the preferred path.
func (h *HybridClient) GetPRComments(ctx domain.Context, owner, repo string, number int) (domain.PRComments, error) {
	if h.compoundOn() {
		start := time.Now()
		comments, cost, err := h.compound.getPRComments(ctx, owner, repo, number)
		switch {
		case err == nil:
			h.recordCompound(opPRComments, cost, time.Since(start))
			return comments, nil
		case errors.Is(err, domain.ErrNotFound):
			return domain.PRComments{}, err
		default:
			h.recordFallback(opPRComments, err)
		}
	}
	start := time.Now()
	comments, calls, err := h.rest.listComments(ctx, owner, repo, number)
	h.recordFineGrained(opPRComments, calls, time.Since(start))
	return comments, err
}

// GetRecentPRs lists recently updated PRs over the preferred path.
func (h *HybridClient) GetRecentPRs(ctx domain.Context, owner, repo string, since time.Time, limit int) ([]domain.PullRequest, error) {
	if h.compoundOn() {
		start := time.Now()
		prs, cost, err := h.compound.getRecentPRs(ctx, owner, repo, since, limit)
		switch {
		case err == nil:
			h.recordCompound(opRecentPRs, cost, time.Since(start))
			return prs, nil
		case errors.Is(err, domain.ErrNotFound):
			return nil, err
		default:
			h.recordFallback(opRecentPRs, err)
		}
	}
	start := time.Now()
	prs, calls, err := h.rest.listRecent(ctx, owner, repo, since, limit)
	h.recordFineGrained(opRecentPRs, calls, time.Since(start))
	return prs, err
}

func (h *HybridClient) compoundOn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compoundEnabled && h.compound != nil
}

// recordCompound accounts one fallback-free compound call. The points saved
// are the gap between the fine-grained equivalent and the reported cost,
// never negative.
func (h *HybridClient) recordCompound(op string, cost int, dur time.Duration) {
	h.mu.Lock()
	h.compoundQueries++
	saved := int64(fineGrainedEquivalentCost - cost)
	if saved < 0 {
		saved = 0
	}
	h.pointsSaved += saved
	h.mu.Unlock()

	observability.ForgeRequestsTotal.WithLabelValues(queryTypeCompound, op).Inc()
	observability.ForgeRequestDuration.WithLabelValues(queryTypeCompound, op).Observe(dur.Seconds())
	if saved > 0 {
		observability.ForgePointsSavedTotal.Add(float64(saved))
	}
}

// recordFallback accounts one compound failure that hands the read to the
// fine-grained path.
func (h *HybridClient) recordFallback(op string, err error) {
	h.mu.Lock()
	h.fallbacks++
	h.mu.Unlock()

	observability.ForgeFallbacksTotal.Inc()
	slog.Warn("compound path failed; falling back to fine-grained calls",
		slog.String("operation", op),
		slog.Any("error", err))
}

// recordFineGrained accounts the fine-grained calls actually issued.
func (h *HybridClient) recordFineGrained(op string, calls int, dur time.Duration) {
	if calls <= 0 {
		return
	}
	h.mu.Lock()
	h.fineGrained += int64(calls)
	h.mu.Unlock()

	observability.ForgeRequestsTotal.WithLabelValues(queryTypeREST, op).Add(float64(calls))
	observability.ForgeRequestDuration.WithLabelValues(queryTypeREST, op).Observe(dur.Seconds())
}
