package domain

import "time"

// DefaultFeature is the single feature the rollout controller currently gates.
const DefaultFeature = "hybrid_progressive_capture"

// Rollout strategies
const (
	StrategyPercentage     = "percentage"
	StrategyWhitelist      = "whitelist"
	StrategyRepositorySize = "repository_size"
)

// Rollout history actions
const (
	RolloutActionUpdated  = "updated"
	RolloutActionRollback = "rollback"
	RolloutActionStop     = "stop"
	RolloutActionResume   = "resume"
)

// Triggered-by tags recorded on history entries
const (
	TriggeredByManual      = "manual"
	TriggeredByHealthCheck = "automated_health_check"
)

// RolloutConfig is the one-row-per-feature gating state.
// Invariant: the effective percentage is 0 whenever EmergencyStop is true,
// regardless of Percentage.
type RolloutConfig struct {
	ID               int64
	Feature          string
	Percentage       int
	Strategy         string
	WhitelistedRepos []string
	EmergencyStop    bool
	Active           bool
	UpdatedAt        time.Time
}

// EffectivePercentage applies the emergency-stop override.
func (c RolloutConfig) EffectivePercentage() int {
	if c.EmergencyStop {
		return 0
	}
	return c.Percentage
}

// DefaultRolloutConfig is the initial state for a feature with no stored row:
// active, not stopped, percentage 0.
func DefaultRolloutConfig(feature string) RolloutConfig {
	return RolloutConfig{
		Feature:    feature,
		Percentage: 0,
		Strategy:   StrategyPercentage,
		Active:     true,
	}
}

// RolloutHistoryEntry is one append-only audit record. Entries are never
// edited or deleted.
type RolloutHistoryEntry struct {
	ID                 int64
	ConfigID           int64
	Feature            string
	Action             string
	PreviousPercentage int
	NewPercentage      int
	Reason             string
	TriggeredBy        string
	Metadata           map[string]any
	CreatedAt          time.Time
}

// RolloutChange describes one mutation the repository applies atomically:
// the configuration write and its history entry commit together or not at all.
type RolloutChange struct {
	Feature       string
	Action        string
	NewPercentage int
	SetStop       *bool
	SetActive     *bool
	Reason        string
	TriggeredBy   string
	Metadata      map[string]any
}

type RolloutRepository interface {
	Get(ctx Context, feature string) (RolloutConfig, error)
	ApplyChange(ctx Context, change RolloutChange) (RolloutConfig, error)
	History(ctx Context, feature string, limit int) ([]RolloutHistoryEntry, error)
}

// RolloutCache (port): read-through cache over the configuration row.
// Entries expire within a minute so cross-process mutations are observed.

type RolloutCache interface {
	Get(ctx Context, feature string) (RolloutConfig, bool, error)
	Set(ctx Context, cfg RolloutConfig) error
	Invalidate(ctx Context, feature string) error
}
