// Package governor tracks forge rate-limit budget samples and raises
// advisory alerts as the remaining budget degrades. The governor is pure
// in-process memory: samples are never persisted and every worker process
// owns an independent view of the budget.
package governor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/observability"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

const (
	// sampleWindow bounds how far back samples are retained.
	sampleWindow = 24 * time.Hour
	// predictionSamples is how many of the latest samples feed Predict.
	predictionSamples = 10
	// maxAlerts caps the retained alert history.
	maxAlerts = 50

	// Report recommendation cut-offs.
	recommendPointsPerItem = 3.0
	recommendCostPerQuery  = 10.0
	recommendLowRemaining  = 500
)

// Alert levels, ordered by severity.
const (
	AlertCritical = "critical"
	AlertWarning  = "warning"
	AlertInfo     = "info"
)

// Alert records one threshold crossing observed while tracking samples.
type Alert struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Remaining int       `json:"remaining"`
	QueryType string    `json:"query_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Prediction estimates whether a planned number of queries fits the budget.
type Prediction struct {
	AverageCost      float64 `json:"average_cost"`
	PredictedCost    float64 `json:"predicted_cost"`
	CurrentRemaining int     `json:"current_remaining"`
	WillExceedLimit  bool    `json:"will_exceed_limit"`
	SafeQueries      int     `json:"safe_queries"`
}

// TypeEfficiency aggregates cost per query type over the sample window.
type TypeEfficiency struct {
	Queries       int     `json:"queries"`
	TotalCost     int     `json:"total_cost"`
	TotalItems    int     `json:"total_items"`
	AverageCost   float64 `json:"average_cost"`
	PointsPerItem float64 `json:"points_per_item"`
}

// Summary aggregates the sample window as a whole.
type Summary struct {
	Samples          int     `json:"samples"`
	TotalCost        int     `json:"total_cost"`
	TotalItems       int     `json:"total_items"`
	CurrentRemaining int     `json:"current_remaining"`
	Limit            int     `json:"limit"`
	PointsPerItem    float64 `json:"points_per_item"`
}

// Recommendation is one actionable hint emitted by Report.
type Recommendation struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Report is the full budget picture handed to operators and health checks.
type Report struct {
	GeneratedAt     time.Time                 `json:"generated_at"`
	Summary         Summary                   `json:"summary"`
	Efficiency      map[string]TypeEfficiency `json:"efficiency"`
	Alerts          []Alert                   `json:"alerts"`
	Recommendations []Recommendation          `json:"recommendations"`
}

// Governor is the advisory budget tracker shared by the forge clients. All
// methods are safe for concurrent use.
type Governor struct {
	mu                sync.RWMutex
	samples           []domain.RateLimitSample
	alerts            []Alert
	warningRemaining  int
	criticalRemaining int
	efficiencyPoints  float64
}

// NewGovernor creates a governor with the given alert thresholds. Zero or
// negative thresholds fall back to the defaults (warning 1000, critical 100,
// efficiency 5 points per item).
func NewGovernor(warningRemaining, criticalRemaining int, efficiencyPoints float64) *Governor {
	if warningRemaining <= 0 {
		warningRemaining = 1000
	}
	if criticalRemaining <= 0 {
		criticalRemaining = 100
	}
	if efficiencyPoints <= 0 {
		efficiencyPoints = 5
	}
	return &Governor{
		warningRemaining:  warningRemaining,
		criticalRemaining: criticalRemaining,
		efficiencyPoints:  efficiencyPoints,
	}
}

// Track records one budget observation, evicts samples older than the 24h
// window and raises alerts when the sample crosses a threshold.
func (g *Governor) Track(sample domain.RateLimitSample) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	g.samples = append(g.samples, sample)
	g.evictLocked(time.Now().Add(-sampleWindow))

	observability.ObserveGovernorSample(sample.Remaining)

	switch {
	case sample.Remaining < g.criticalRemaining:
		g.alertLocked(Alert{
			Level:     AlertCritical,
			Message:   fmt.Sprintf("remaining budget %d below critical threshold %d", sample.Remaining, g.criticalRemaining),
			Remaining: sample.Remaining,
			QueryType: sample.QueryType,
			CreatedAt: sample.Timestamp,
		})
	case sample.Remaining < g.warningRemaining:
		g.alertLocked(Alert{
			Level:     AlertWarning,
			Message:   fmt.Sprintf("remaining budget %d below warning threshold %d", sample.Remaining, g.warningRemaining),
			Remaining: sample.Remaining,
			QueryType: sample.QueryType,
			CreatedAt: sample.Timestamp,
		})
	}

	if sample.ItemsProcessed > 0 {
		perItem := float64(sample.Cost) / float64(sample.ItemsProcessed)
		if perItem > g.efficiencyPoints {
			g.alertLocked(Alert{
				Level:     AlertInfo,
				Message:   fmt.Sprintf("query spent %.1f points per item (threshold %.1f)", perItem, g.efficiencyPoints),
				Remaining: sample.Remaining,
				QueryType: sample.QueryType,
				CreatedAt: sample.Timestamp,
			})
		}
	}
}

// Admit reports whether another forge call should be issued right now. The
// check is advisory: with no samples yet there is nothing to refuse on.
func (g *Governor) Admit() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.samples) == 0 {
		return nil
	}
	latest := g.samples[len(g.samples)-1]
	if latest.Remaining < g.criticalRemaining {
		return fmt.Errorf("op=governor.Admit: remaining budget %d below critical threshold %d: %w",
			latest.Remaining, g.criticalRemaining, domain.ErrRateExhausted)
	}
	return nil
}

// ResetAt returns the reset time reported by the latest sample. The second
// return is false when no sample carried one.
func (g *Governor) ResetAt() (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for i := len(g.samples) - 1; i >= 0; i-- {
		if !g.samples[i].ResetAt.IsZero() {
			return g.samples[i].ResetAt, true
		}
	}
	return time.Time{}, false
}

// Predict estimates the cost of issuing queriesRemaining more queries from
// the average cost of the latest samples.
func (g *Governor) Predict(queriesRemaining int) Prediction {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if queriesRemaining < 0 {
		queriesRemaining = 0
	}

	recent := g.samples
	if len(recent) > predictionSamples {
		recent = recent[len(recent)-predictionSamples:]
	}

	var totalCost int
	for _, s := range recent {
		totalCost += s.Cost
	}

	p := Prediction{SafeQueries: queriesRemaining}
	if len(recent) == 0 {
		return p
	}

	p.AverageCost = float64(totalCost) / float64(len(recent))
	p.PredictedCost = p.AverageCost * float64(queriesRemaining)
	p.CurrentRemaining = recent[len(recent)-1].Remaining
	p.WillExceedLimit = p.PredictedCost > float64(p.CurrentRemaining)
	if p.AverageCost > 0 {
		p.SafeQueries = int(float64(p.CurrentRemaining) / p.AverageCost)
	}
	return p
}

// Report summarises the sample window: totals, per-query-type efficiency,
// retained alerts and operator recommendations.
func (g *Governor) Report() Report {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rep := Report{
		GeneratedAt: time.Now(),
		Efficiency:  make(map[string]TypeEfficiency),
		Alerts:      append([]Alert(nil), g.alerts...),
	}

	for _, s := range g.samples {
		rep.Summary.Samples++
		rep.Summary.TotalCost += s.Cost
		rep.Summary.TotalItems += s.ItemsProcessed

		e := rep.Efficiency[s.QueryType]
		e.Queries++
		e.TotalCost += s.Cost
		e.TotalItems += s.ItemsProcessed
		rep.Efficiency[s.QueryType] = e
	}
	for qt, e := range rep.Efficiency {
		e.AverageCost = float64(e.TotalCost) / float64(e.Queries)
		if e.TotalItems > 0 {
			e.PointsPerItem = float64(e.TotalCost) / float64(e.TotalItems)
		}
		rep.Efficiency[qt] = e
	}
	if len(g.samples) > 0 {
		latest := g.samples[len(g.samples)-1]
		rep.Summary.CurrentRemaining = latest.Remaining
		rep.Summary.Limit = latest.Limit
	}
	if rep.Summary.TotalItems > 0 {
		rep.Summary.PointsPerItem = float64(rep.Summary.TotalCost) / float64(rep.Summary.TotalItems)
	}

	rep.Recommendations = g.recommendLocked(rep)
	return rep
}

// recommendLocked derives operator recommendations from a computed report.
func (g *Governor) recommendLocked(rep Report) []Recommendation {
	var recs []Recommendation

	if rep.Summary.PointsPerItem > recommendPointsPerItem {
		recs = append(recs, Recommendation{
			Severity: "high",
			Message: fmt.Sprintf("average cost is %.1f points per item; prefer compound queries to reduce spend",
				rep.Summary.PointsPerItem),
		})
	}

	var costly []string
	for qt, e := range rep.Efficiency {
		if e.AverageCost > recommendCostPerQuery {
			costly = append(costly, qt)
		}
	}
	if len(costly) > 0 {
		sort.Strings(costly)
		recs = append(recs, Recommendation{
			Severity: "medium",
			Message:  fmt.Sprintf("high-cost query types: %s", strings.Join(costly, ", ")),
		})
	}

	if rep.Summary.Samples > 0 && rep.Summary.CurrentRemaining < recommendLowRemaining {
		recs = append(recs, Recommendation{
			Severity: "critical",
			Message: fmt.Sprintf("remaining budget %d is low; throttle captures or switch to the fine-grained path",
				rep.Summary.CurrentRemaining),
		})
	}
	return recs
}

// SetThresholds adjusts alerting thresholds live. Zero or negative values
// leave the corresponding threshold unchanged.
func (g *Governor) SetThresholds(warningRemaining, criticalRemaining int, efficiencyPoints float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if warningRemaining > 0 {
		g.warningRemaining = warningRemaining
	}
	if criticalRemaining > 0 {
		g.criticalRemaining = criticalRemaining
	}
	if efficiencyPoints > 0 {
		g.efficiencyPoints = efficiencyPoints
	}
	slog.Info("governor thresholds updated",
		slog.Int("warning_remaining", g.warningRemaining),
		slog.Int("critical_remaining", g.criticalRemaining),
		slog.Float64("efficiency_points", g.efficiencyPoints))
}

// alertLocked appends an alert, trims history to the cap and emits metrics.
func (g *Governor) alertLocked(a Alert) {
	g.alerts = append(g.alerts, a)
	if len(g.alerts) > maxAlerts {
		g.alerts = g.alerts[len(g.alerts)-maxAlerts:]
	}
	observability.GovernorAlertsTotal.WithLabelValues(a.Level).Inc()

	switch a.Level {
	case AlertCritical, AlertWarning:
		slog.Warn("rate limit budget alert",
			slog.String("level", a.Level),
			slog.String("message", a.Message),
			slog.Int("remaining", a.Remaining),
			slog.String("query_type", a.QueryType))
	default:
		slog.Info("rate limit budget alert",
			slog.String("level", a.Level),
			slog.String("message", a.Message),
			slog.String("query_type", a.QueryType))
	}
}

// evictLocked drops samples older than cutoff; samples arrive in order, so a
// single scan from the front suffices.
func (g *Governor) evictLocked(cutoff time.Time) {
	idx := 0
	for idx < len(g.samples) && g.samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		g.samples = append([]domain.RateLimitSample(nil), g.samples[idx:]...)
	}
}
