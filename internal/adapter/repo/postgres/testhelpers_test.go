package postgres_test

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/progressive-capture/internal/adapter/repo/postgres"
)

// rowStub implements pgx.Row over a scan function.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a queue of scan functions, one per row.
type rowsStub struct {
	scans []func(dest ...any) error
	err   error
	i     int
}

func (r *rowsStub) Next() bool                                   { r.i++; return r.i <= len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error                       { return r.scans[r.i-1](dest...) }
func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub implements postgres.PgxPool. Unstubbed calls fail loudly so a test
// only answers for the statements it expects.
type poolStub struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args []any) pgx.Row
	queryFn    func(sql string, args []any) (pgx.Rows, error)

	execSQL  []string
	execArgs [][]any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	if p.execFn == nil {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return p.execFn(sql, args)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRowFn == nil {
		return rowStub{scan: func(...any) error { return fmt.Errorf("unexpected QueryRow: %s", sql) }}
	}
	return p.queryRowFn(sql, args)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryFn == nil {
		return nil, fmt.Errorf("unexpected Query: %s", sql)
	}
	return p.queryFn(sql, args)
}

// fakeTx implements postgres.Tx. QueryRow consumes the queued rows in order.
type fakeTx struct {
	rows   []rowStub
	rowIdx int

	execErr  error
	execSQL  []string
	execArgs [][]any

	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	t.execArgs = append(t.execArgs, args)
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if t.rowIdx >= len(t.rows) {
		return rowStub{scan: func(...any) error { return fmt.Errorf("unexpected tx QueryRow: %s", sql) }}
	}
	row := t.rows[t.rowIdx]
	t.rowIdx++
	return row
}

func (t *fakeTx) Commit(_ context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

// fakeBeginner hands out a single fakeTx.
type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) Begin(_ context.Context) (postgres.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}
