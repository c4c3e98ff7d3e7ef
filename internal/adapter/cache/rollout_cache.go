// Package cache implements the Redis read-through cache over the rollout
// configuration row. Entries carry a short TTL so cross-process mutations
// become visible within a minute even when an invalidation is missed.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// DefaultTTL bounds staleness for entries that never see an invalidation.
const DefaultTTL = 60 * time.Second

const keyPrefix = "rollout:config:"

// RolloutCache implements domain.RolloutCache on a Redis client.
type RolloutCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRolloutCache wraps the client; a non-positive TTL falls back to DefaultTTL.
func NewRolloutCache(rdb *redis.Client, ttl time.Duration) *RolloutCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RolloutCache{rdb: rdb, ttl: ttl}
}

func rolloutKey(feature string) string { return keyPrefix + feature }

// Get reports the cached configuration and whether the key was present.
// An entry that no longer decodes is dropped and reported as a miss.
func (c *RolloutCache) Get(ctx domain.Context, feature string) (domain.RolloutConfig, bool, error) {
	raw, err := c.rdb.Get(ctx, rolloutKey(feature)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RolloutConfig{}, false, nil
	}
	if err != nil {
		return domain.RolloutConfig{}, false, fmt.Errorf("op=cache.Get: %w", err)
	}

	var entry cachedConfig
	if err := json.Unmarshal(raw, &entry); err != nil {
		_ = c.rdb.Del(ctx, rolloutKey(feature)).Err()
		return domain.RolloutConfig{}, false, nil
	}
	return entry.toDomain(), true, nil
}

// Set stores the configuration under its feature key with the cache TTL.
func (c *RolloutCache) Set(ctx domain.Context, cfg domain.RolloutConfig) error {
	if cfg.Feature == "" {
		return fmt.Errorf("op=cache.Set: empty feature: %w", domain.ErrInvalidArgument)
	}
	raw, err := json.Marshal(fromDomain(cfg))
	if err != nil {
		return fmt.Errorf("op=cache.Set: encode: %w", err)
	}
	if err := c.rdb.Set(ctx, rolloutKey(cfg.Feature), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.Set: %w", err)
	}
	return nil
}

// Invalidate drops the feature's entry. Deleting an absent key is a no-op.
func (c *RolloutCache) Invalidate(ctx domain.Context, feature string) error {
	if err := c.rdb.Del(ctx, rolloutKey(feature)).Err(); err != nil {
		return fmt.Errorf("op=cache.Invalidate: %w", err)
	}
	return nil
}

// cachedConfig is the stored wire shape. It stays explicit so a domain field
// rename never silently changes what old entries decode to.
type cachedConfig struct {
	ID               int64     `json:"id"`
	Feature          string    `json:"feature"`
	Percentage       int       `json:"percentage"`
	Strategy         string    `json:"strategy"`
	WhitelistedRepos []string  `json:"whitelisted_repos,omitempty"`
	EmergencyStop    bool      `json:"emergency_stop"`
	Active           bool      `json:"active"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func fromDomain(cfg domain.RolloutConfig) cachedConfig {
	return cachedConfig{
		ID:               cfg.ID,
		Feature:          cfg.Feature,
		Percentage:       cfg.Percentage,
		Strategy:         cfg.Strategy,
		WhitelistedRepos: cfg.WhitelistedRepos,
		EmergencyStop:    cfg.EmergencyStop,
		Active:           cfg.Active,
		UpdatedAt:        cfg.UpdatedAt,
	}
}

func (e cachedConfig) toDomain() domain.RolloutConfig {
	return domain.RolloutConfig{
		ID:               e.ID,
		Feature:          e.Feature,
		Percentage:       e.Percentage,
		Strategy:         e.Strategy,
		WhitelistedRepos: e.WhitelistedRepos,
		EmergencyStop:    e.EmergencyStop,
		Active:           e.Active,
		UpdatedAt:        e.UpdatedAt,
	}
}
