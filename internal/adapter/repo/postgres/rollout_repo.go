package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// RolloutRepo persists the per-feature gating configuration and its
// append-only history. Reads go through Pool; mutations run on DB so the
// configuration write and its history entry commit in one transaction.
type RolloutRepo struct {
	Pool PgxPool
	DB   Beginner
}

// NewRolloutRepo constructs a RolloutRepo over the given read pool and
// transaction beginner.
func NewRolloutRepo(pool PgxPool, db Beginner) *RolloutRepo {
	return &RolloutRepo{Pool: pool, DB: db}
}

const rolloutConfigColumns = `id, feature, percentage, strategy, COALESCE(whitelisted_repos, '{}'), emergency_stop, is_active, updated_at`

// Get loads the configuration row for a feature. A feature that has never
// been configured reports ErrNotFound; callers substitute the default state.
func (r *RolloutRepo) Get(ctx domain.Context, feature string) (domain.RolloutConfig, error) {
	tracer := otel.Tracer("repo.rollout")
	ctx, span := tracer.Start(ctx, "rollout.Get")
	defer span.End()
	q := `SELECT ` + rolloutConfigColumns + ` FROM rollout_configuration WHERE feature=$1`
	cfg, err := scanRolloutConfig(r.Pool.QueryRow(ctx, q, feature))
	if err != nil {
		return domain.RolloutConfig{}, mapStoreError("rollout.get", err)
	}
	return cfg, nil
}

// ApplyChange mutates the configuration and appends the matching history
// entry atomically. The first change to an unseen feature creates its row
// from the default state.
func (r *RolloutRepo) ApplyChange(ctx domain.Context, change domain.RolloutChange) (domain.RolloutConfig, error) {
	tracer := otel.Tracer("repo.rollout")
	ctx, span := tracer.Start(ctx, "rollout.ApplyChange")
	defer span.End()

	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return domain.RolloutConfig{}, mapStoreError("rollout.apply_change", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + rolloutConfigColumns + ` FROM rollout_configuration WHERE feature=$1 FOR UPDATE`
	cur, err := scanRolloutConfig(tx.QueryRow(ctx, q, change.Feature))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.RolloutConfig{}, mapStoreError("rollout.apply_change", err)
		}
		cur = domain.DefaultRolloutConfig(change.Feature)
	}

	next := cur
	next.Percentage = change.NewPercentage
	if change.SetStop != nil {
		next.EmergencyStop = *change.SetStop
	}
	if change.SetActive != nil {
		next.Active = *change.SetActive
	}
	next.UpdatedAt = time.Now().UTC()

	upsert := `INSERT INTO rollout_configuration (feature, percentage, strategy, whitelisted_repos, emergency_stop, is_active, updated_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7)
	           ON CONFLICT (feature) DO UPDATE SET
	             percentage=EXCLUDED.percentage,
	             emergency_stop=EXCLUDED.emergency_stop,
	             is_active=EXCLUDED.is_active,
	             updated_at=EXCLUDED.updated_at
	           RETURNING id`
	row := tx.QueryRow(ctx, upsert, next.Feature, next.Percentage, next.Strategy, next.WhitelistedRepos, next.EmergencyStop, next.Active, next.UpdatedAt)
	if err := row.Scan(&next.ID); err != nil {
		return domain.RolloutConfig{}, mapStoreError("rollout.apply_change", err)
	}

	meta, err := json.Marshal(change.Metadata)
	if err != nil {
		return domain.RolloutConfig{}, fmt.Errorf("op=rollout.apply_change: marshal metadata: %w", err)
	}
	hist := `INSERT INTO rollout_history (config_id, feature, action, previous_percentage, new_percentage, reason, triggered_by, metadata, created_at)
	         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = tx.Exec(ctx, hist, next.ID, change.Feature, change.Action, cur.Percentage, next.Percentage, change.Reason, change.TriggeredBy, meta, next.UpdatedAt)
	if err != nil {
		return domain.RolloutConfig{}, mapStoreError("rollout.apply_change", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.RolloutConfig{}, mapStoreError("rollout.apply_change", err)
	}
	return next, nil
}

// History returns the most recent audit entries for a feature, newest first.
func (r *RolloutRepo) History(ctx domain.Context, feature string, limit int) ([]domain.RolloutHistoryEntry, error) {
	tracer := otel.Tracer("repo.rollout")
	ctx, span := tracer.Start(ctx, "rollout.History")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, config_id, feature, action, previous_percentage, new_percentage, COALESCE(reason,''), triggered_by, metadata, created_at
	      FROM rollout_history WHERE feature=$1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, feature, limit)
	if err != nil {
		return nil, mapStoreError("rollout.history", err)
	}
	defer rows.Close()
	var entries []domain.RolloutHistoryEntry
	for rows.Next() {
		var e domain.RolloutHistoryEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ConfigID, &e.Feature, &e.Action, &e.PreviousPercentage, &e.NewPercentage, &e.Reason, &e.TriggeredBy, &meta, &e.CreatedAt); err != nil {
			return nil, mapStoreError("rollout.history", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("op=rollout.history: unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("rollout.history", err)
	}
	return entries, nil
}

func scanRolloutConfig(row rowScanner) (domain.RolloutConfig, error) {
	var cfg domain.RolloutConfig
	if err := row.Scan(&cfg.ID, &cfg.Feature, &cfg.Percentage, &cfg.Strategy, &cfg.WhitelistedRepos, &cfg.EmergencyStop, &cfg.Active, &cfg.UpdatedAt); err != nil {
		return domain.RolloutConfig{}, err
	}
	return cfg, nil
}
