package usecase

import (
	"fmt"
	"time"

	"log/slog"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// Check types accepted by the health monitor.
const (
	CheckFull       = "full"
	CheckErrorRates = "error_rates"
	CheckMetrics    = "metrics_only"
)

// Verify outcomes recorded on incident reports.
const (
	VerifyVerified = "verified"
	VerifyFailed   = "verify_failed"
)

const (
	// defaultCriticalErrorRate triggers the automated rollback.
	defaultCriticalErrorRate = 0.10
	// defaultStatsWindow is how far back job outcomes are read.
	defaultStatsWindow = time.Hour
	// minFinishedJobs is the sample floor below which the error rate is not
	// acted on unless the check is forced.
	minFinishedJobs = 5
)

// RolloutStatus is the JSON-friendly projection of a configuration row used
// in reports.
type RolloutStatus struct {
	Feature             string    `json:"feature"`
	Percentage          int       `json:"percentage"`
	EffectivePercentage int       `json:"effective_percentage"`
	Strategy            string    `json:"strategy"`
	EmergencyStop       bool      `json:"emergency_stop"`
	Active              bool      `json:"active"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IncidentReport records one automated rollback and its verification.
type IncidentReport struct {
	GeneratedAt  time.Time `json:"generated_at"`
	Feature      string    `json:"feature"`
	Action       string    `json:"action"`
	ErrorRate    float64   `json:"error_rate"`
	Threshold    float64   `json:"threshold"`
	RolledBackTo int       `json:"rolled_back_to"`
	Reason       string    `json:"reason"`
	TriggeredBy  string    `json:"triggered_by"`
	VerifyStatus string    `json:"verify_status"`
}

// HealthReport is the full check outcome handed to the artifact writer.
type HealthReport struct {
	GeneratedAt   time.Time       `json:"generated_at"`
	CheckType     string          `json:"check_type"`
	WindowMinutes int             `json:"window_minutes"`
	Jobs          jobStatsView    `json:"jobs"`
	ErrorRate     float64         `json:"error_rate"`
	Critical      bool            `json:"critical"`
	Rollout       *RolloutStatus  `json:"rollout,omitempty"`
	Incident      *IncidentReport `json:"incident,omitempty"`
	Notes         []string        `json:"notes,omitempty"`
}

type jobStatsView struct {
	Total      int64 `json:"total"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Processing int64 `json:"processing"`
}

// HealthService reads job outcomes from the store and rolls the feature back
// to a safe percentage when the failure rate crosses the critical threshold.
// Every rollback is verified by reading the configuration back; a mismatch
// is a fatal alert.
type HealthService struct {
	Jobs     domain.JobRepository
	Rollouts RolloutService

	Feature           string
	CriticalErrorRate float64
	StatsWindow       time.Duration
	RollbackTo        int
	RollbackReason    string
	TriggeredBy       string
}

// NewHealthService constructs the monitor with its defaults: feature
// hybrid_progressive_capture, 10% critical rate over the last hour,
// rollback to zero.
func NewHealthService(jobs domain.JobRepository, rollouts RolloutService) HealthService {
	return HealthService{
		Jobs:              jobs,
		Rollouts:          rollouts,
		Feature:           domain.DefaultFeature,
		CriticalErrorRate: defaultCriticalErrorRate,
		StatsWindow:       defaultStatsWindow,
		RollbackTo:        0,
		RollbackReason:    "Health monitor detected critical issues",
		TriggeredBy:       domain.TriggeredByHealthCheck,
	}
}

// Run executes one check. checkType selects the sections: error_rates reads
// job outcomes and may roll back, metrics_only reports the rollout state
// without acting, full does both. force acts on the error rate even when the
// sample is too small.
func (s HealthService) Run(ctx domain.Context, checkType string, force bool) (HealthReport, error) {
	window := s.StatsWindow
	if window <= 0 {
		window = defaultStatsWindow
	}
	rep := HealthReport{
		GeneratedAt:   time.Now().UTC(),
		CheckType:     checkType,
		WindowMinutes: int(window.Minutes()),
	}

	switch checkType {
	case CheckFull, CheckErrorRates, CheckMetrics:
	default:
		return rep, fmt.Errorf("op=health.Run: check type %q: %w", checkType, domain.ErrInvalidArgument)
	}

	if checkType == CheckFull || checkType == CheckMetrics {
		cfg, err := s.Rollouts.Query(ctx, s.Feature)
		if err != nil {
			return rep, err
		}
		rep.Rollout = &RolloutStatus{
			Feature:             cfg.Feature,
			Percentage:          cfg.Percentage,
			EffectivePercentage: cfg.EffectivePercentage(),
			Strategy:            cfg.Strategy,
			EmergencyStop:       cfg.EmergencyStop,
			Active:              cfg.Active,
			UpdatedAt:           cfg.UpdatedAt,
		}
	}
	if checkType == CheckMetrics {
		return rep, nil
	}

	stats, err := s.Jobs.Stats(ctx, rep.GeneratedAt.Add(-window))
	if err != nil {
		return rep, fmt.Errorf("op=health.Run: %w", err)
	}
	rep.Jobs = jobStatsView{
		Total:      stats.Total,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
		Processing: stats.Processing,
	}

	finished := stats.Completed + stats.Failed
	if finished > 0 {
		rep.ErrorRate = float64(stats.Failed) / float64(finished)
	}
	rep.Critical = rep.ErrorRate > s.CriticalErrorRate

	if finished < minFinishedJobs && !force {
		rep.Critical = false
		rep.Notes = append(rep.Notes,
			fmt.Sprintf("only %d finished jobs in window; error rate not acted on", finished))
		return rep, nil
	}
	if !rep.Critical {
		slog.Info("health check passed",
			slog.Float64("error_rate", rep.ErrorRate),
			slog.Int64("finished", finished))
		return rep, nil
	}

	incident, err := s.rollback(ctx, rep.ErrorRate)
	rep.Incident = &incident
	if err != nil {
		return rep, err
	}
	return rep, nil
}

// rollback drops the feature to the safe percentage and verifies the write
// took effect.
func (s HealthService) rollback(ctx domain.Context, errorRate float64) (IncidentReport, error) {
	incident := IncidentReport{
		GeneratedAt:  time.Now().UTC(),
		Feature:      s.Feature,
		Action:       domain.RolloutActionRollback,
		ErrorRate:    errorRate,
		Threshold:    s.CriticalErrorRate,
		RolledBackTo: s.RollbackTo,
		Reason:       s.RollbackReason,
		TriggeredBy:  s.TriggeredBy,
	}

	slog.Error("critical error rate; rolling back",
		slog.String("feature", s.Feature),
		slog.Float64("error_rate", errorRate),
		slog.Float64("threshold", s.CriticalErrorRate),
		slog.Int("rollback_to", s.RollbackTo))

	if _, err := s.Rollouts.Rollback(ctx, s.Feature, s.RollbackTo, s.RollbackReason, s.TriggeredBy); err != nil {
		incident.VerifyStatus = VerifyFailed
		return incident, fmt.Errorf("op=health.rollback: %w", err)
	}
	if err := s.Rollouts.Verify(ctx, s.Feature, s.RollbackTo); err != nil {
		incident.VerifyStatus = VerifyFailed
		slog.Error("rollback verification failed", slog.String("feature", s.Feature), slog.Any("error", err))
		return incident, fmt.Errorf("op=health.rollback: %w", err)
	}

	incident.VerifyStatus = VerifyVerified
	slog.Warn("rollback verified",
		slog.String("feature", s.Feature),
		slog.Int("percentage", s.RollbackTo))
	return incident, nil
}
