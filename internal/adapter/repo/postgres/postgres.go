// Package postgres provides PostgreSQL database adapters.
//
// It implements the repository ports for jobs, progress, rollout state and
// the normalised capture projections. Repositories run over a minimal pgx
// pool surface so tests can stub the store without a live database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// PgxPool is the minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Tx is the transaction surface used by the transactional repos; pgx.Tx
// satisfies it.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions. PoolBeginner adapts *pgxpool.Pool; tests
// substitute fakes.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// mapStoreError translates low-level store failures onto the domain error
// taxonomy. Missing rows and duplicate keys get their own sentinels; anything
// else is a store error.
func mapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("op=%s: %w", op, domain.ErrStoreConflict)
	}
	return fmt.Errorf("op=%s: %w: %v", op, domain.ErrStoreError, err)
}
