package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TxMode selects the transaction granularity of a bulk import.
type TxMode string

const (
	// TxPerRow commits each row on its own.
	TxPerRow TxMode = "row"
	// TxPerRun wraps the run in one transaction with a savepoint per row.
	TxPerRun TxMode = "run"
)

// ImportSession is the unit-of-work boundary used by the bulk engine.
type ImportSession interface {
	// Row runs fn as one row. When fn fails the row leaves no effect behind.
	Row(ctx context.Context, fn func(w RegistryWriter) error) error
	// Commit makes all successful rows durable.
	Commit(ctx context.Context) error
	// Rollback abandons uncommitted rows; safe to call after Commit.
	Rollback() error
}

// Write runs fn in its own transaction and drops cached projections after commit.
func (r *PostgresRegistryRepository) Write(ctx context.Context, fn func(w RegistryWriter) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin", err)
	}
	w := newWriter(tx)
	if err := fn(w); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	r.invalidate(ctx, w.tables())
	return nil
}

// BeginImport opens an import session in the given mode.
func (r *PostgresRegistryRepository) BeginImport(ctx context.Context, mode TxMode) (ImportSession, error) {
	switch mode {
	case TxPerRow, "":
		return &rowSession{repo: r}, nil
	case TxPerRun:
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, wrapErr("begin import", err)
		}
		return &runSession{repo: r, tx: tx, w: newWriter(tx), pending: make(map[string]struct{})}, nil
	default:
		return nil, fmt.Errorf("unknown import tx mode %q", mode)
	}
}

type rowSession struct {
	repo *PostgresRegistryRepository
}

func (s *rowSession) Row(ctx context.Context, fn func(w RegistryWriter) error) error {
	return s.repo.Write(ctx, fn)
}

func (s *rowSession) Commit(context.Context) error { return nil }
func (s *rowSession) Rollback() error              { return nil }

const savepoint = "import_row"

type runSession struct {
	repo    *PostgresRegistryRepository
	tx      *sql.Tx
	w       *pgWriter
	pending map[string]struct{}
	done    bool
}

func (s *runSession) Row(ctx context.Context, fn func(w RegistryWriter) error) error {
	if s.done {
		return errors.New("import session already finished")
	}
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return wrapErr("savepoint", err)
	}
	s.w.reset()
	if err := fn(s.w); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return wrapErr("rollback to savepoint", rbErr)
		}
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return wrapErr("release savepoint", err)
	}
	for _, t := range s.w.tables() {
		s.pending[t] = struct{}{}
	}
	return nil
}

func (s *runSession) Commit(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return wrapErr("commit import", err)
	}
	tables := make([]string, 0, len(s.pending))
	for t := range s.pending {
		tables = append(tables, t)
	}
	s.repo.invalidate(ctx, tables)
	return nil
}

func (s *runSession) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return wrapErr("rollback import", err)
	}
	return nil
}
