package usecase

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"log/slog"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// Stage thresholds for the repository_size strategy: a category opens once
// the percentage reaches its threshold, in the order test, small, medium,
// large.
var sizeThresholds = map[string]int{
	domain.CategoryTest:   25,
	domain.CategorySmall:  50,
	domain.CategoryMedium: 75,
	domain.CategoryLarge:  100,
}

// RolloutService is the rollout controller: it owns every mutation of the
// per-feature gating configuration, keeps the read-through cache coherent
// and answers the router's IsAllowed checks.
type RolloutService struct {
	Repo     domain.RolloutRepository
	Cache    domain.RolloutCache
	Captures domain.CaptureRepository
}

// NewRolloutService constructs the controller. Cache may be nil; every read
// then goes to the store.
func NewRolloutService(repo domain.RolloutRepository, cache domain.RolloutCache, captures domain.CaptureRepository) RolloutService {
	return RolloutService{Repo: repo, Cache: cache, Captures: captures}
}

// Query returns the configuration for a feature, serving from the cache when
// it holds a fresh entry. A feature that was never configured reports its
// default state: active, not stopped, percentage 0.
func (s RolloutService) Query(ctx domain.Context, feature string) (domain.RolloutConfig, error) {
	if s.Cache != nil {
		if cfg, ok, err := s.Cache.Get(ctx, feature); err != nil {
			slog.Warn("rollout cache read failed", slog.String("feature", feature), slog.Any("error", err))
		} else if ok {
			return cfg, nil
		}
	}

	cfg, err := s.queryStore(ctx, feature)
	if err != nil {
		return domain.RolloutConfig{}, err
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, cfg); err != nil {
			slog.Warn("rollout cache write failed", slog.String("feature", feature), slog.Any("error", err))
		}
	}
	return cfg, nil
}

// queryStore reads the live configuration row, substituting the default
// state for an unseen feature.
func (s RolloutService) queryStore(ctx domain.Context, feature string) (domain.RolloutConfig, error) {
	cfg, err := s.Repo.Get(ctx, feature)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.DefaultRolloutConfig(feature), nil
		}
		return domain.RolloutConfig{}, fmt.Errorf("op=rollout.Query: %w", err)
	}
	return cfg, nil
}

// Update moves the feature to a new percentage and appends the audit entry
// in the same transaction. Percentages outside [0,100] are rejected; an
// emergency-stopped feature refuses updates until resumed.
func (s RolloutService) Update(ctx domain.Context, feature string, percentage int, reason, triggeredBy string) (domain.RolloutConfig, error) {
	return s.applyPercentage(ctx, domain.RolloutActionUpdated, feature, percentage, reason, triggeredBy)
}

// Rollback is Update recorded under the rollback action so the audit trail
// separates reactive drops from planned ramp changes.
func (s RolloutService) Rollback(ctx domain.Context, feature string, percentage int, reason, triggeredBy string) (domain.RolloutConfig, error) {
	return s.applyPercentage(ctx, domain.RolloutActionRollback, feature, percentage, reason, triggeredBy)
}

func (s RolloutService) applyPercentage(ctx domain.Context, action, feature string, percentage int, reason, triggeredBy string) (domain.RolloutConfig, error) {
	if percentage < 0 || percentage > 100 {
		return domain.RolloutConfig{}, fmt.Errorf("op=rollout.Update: percentage %d outside [0,100]: %w",
			percentage, domain.ErrInvalidArgument)
	}

	cur, err := s.queryStore(ctx, feature)
	if err != nil {
		return domain.RolloutConfig{}, err
	}
	if cur.EmergencyStop {
		return domain.RolloutConfig{}, fmt.Errorf("op=rollout.Update: feature %s: %w", feature, domain.ErrEmergencyStopped)
	}

	cfg, err := s.Repo.ApplyChange(ctx, domain.RolloutChange{
		Feature:       feature,
		Action:        action,
		NewPercentage: percentage,
		Reason:        reason,
		TriggeredBy:   triggeredBy,
		Metadata:      changeMetadata(triggeredBy),
	})
	if err != nil {
		return domain.RolloutConfig{}, fmt.Errorf("op=rollout.Update: %w", err)
	}
	s.invalidate(ctx, feature)

	slog.Info("rollout percentage changed",
		slog.String("feature", feature),
		slog.String("action", action),
		slog.Int("previous", cur.Percentage),
		slog.Int("percentage", percentage),
		slog.String("triggered_by", triggeredBy))
	return cfg, nil
}

// Stop raises the emergency stop: the feature deactivates and its effective
// percentage drops to zero until Resume.
func (s RolloutService) Stop(ctx domain.Context, feature, reason, triggeredBy string) (domain.RolloutConfig, error) {
	return s.applySwitch(ctx, domain.RolloutActionStop, feature, reason, triggeredBy, true)
}

// Resume clears the emergency stop and reactivates the feature at its stored
// percentage.
func (s RolloutService) Resume(ctx domain.Context, feature, reason, triggeredBy string) (domain.RolloutConfig, error) {
	return s.applySwitch(ctx, domain.RolloutActionResume, feature, reason, triggeredBy, false)
}

func (s RolloutService) applySwitch(ctx domain.Context, action, feature, reason, triggeredBy string, stop bool) (domain.RolloutConfig, error) {
	cur, err := s.queryStore(ctx, feature)
	if err != nil {
		return domain.RolloutConfig{}, err
	}

	active := !stop
	cfg, err := s.Repo.ApplyChange(ctx, domain.RolloutChange{
		Feature:       feature,
		Action:        action,
		NewPercentage: cur.Percentage,
		SetStop:       &stop,
		SetActive:     &active,
		Reason:        reason,
		TriggeredBy:   triggeredBy,
		Metadata:      changeMetadata(triggeredBy),
	})
	if err != nil {
		return domain.RolloutConfig{}, fmt.Errorf("op=rollout.%s: %w", action, err)
	}
	s.invalidate(ctx, feature)

	slog.Warn("rollout switch flipped",
		slog.String("feature", feature),
		slog.String("action", action),
		slog.Bool("emergency_stop", stop),
		slog.String("triggered_by", triggeredBy))
	return cfg, nil
}

// History returns the most recent audit entries, newest first.
func (s RolloutService) History(ctx domain.Context, feature string, limit int) ([]domain.RolloutHistoryEntry, error) {
	entries, err := s.Repo.History(ctx, feature, limit)
	if err != nil {
		return nil, fmt.Errorf("op=rollout.History: %w", err)
	}
	return entries, nil
}

// Verify reads the live configuration back and confirms the effective
// percentage matches. It bypasses the cache: a verify that trusted a stale
// entry would defeat its purpose.
func (s RolloutService) Verify(ctx domain.Context, feature string, expected int) error {
	cfg, err := s.queryStore(ctx, feature)
	if err != nil {
		return err
	}
	if got := cfg.EffectivePercentage(); got != expected {
		return fmt.Errorf("op=rollout.Verify: feature %s effective percentage %d, expected %d", feature, got, expected)
	}
	return nil
}

// IsAllowed reports whether a repository participates in the feature under
// the current configuration. Within one cached configuration the answer is
// a pure function of the feature and repository identity.
func (s RolloutService) IsAllowed(ctx domain.Context, feature, repositoryID string) (bool, error) {
	cfg, err := s.Query(ctx, feature)
	if err != nil {
		return false, err
	}
	if !cfg.Active || cfg.EmergencyStop {
		return false, nil
	}

	switch cfg.Strategy {
	case domain.StrategyWhitelist:
		for _, id := range cfg.WhitelistedRepos {
			if id == repositoryID {
				return true, nil
			}
		}
		return false, nil
	case domain.StrategyRepositorySize:
		repo, err := s.Captures.GetRepository(ctx, repositoryID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("op=rollout.IsAllowed: %w", err)
		}
		threshold, ok := sizeThresholds[repo.Category]
		if !ok {
			return false, nil
		}
		return cfg.Percentage >= threshold, nil
	default:
		return BucketOf(feature, repositoryID) < cfg.Percentage, nil
	}
}

// BucketOf maps a (feature, repository) pair to a stable bucket in [0,100).
// FNV-1a over the UTF-8 bytes of "feature:repositoryID" keeps the assignment
// deterministic across processes.
func BucketOf(feature, repositoryID string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(repositoryID))
	return int(h.Sum64() % 100)
}

func (s RolloutService) invalidate(ctx domain.Context, feature string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, feature); err != nil {
		slog.Warn("rollout cache invalidation failed", slog.String("feature", feature), slog.Any("error", err))
	}
}

func changeMetadata(triggeredBy string) map[string]any {
	return map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"caller":    triggeredBy,
	}
}
