package repo

import (
	"context"
	"database/sql"
	"errors"
)

// Repo is the ledger store. Methods that accept a *sql.Tx run inside it when
// it is non-nil and fall back to the pool otherwise.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRefunded   = errors.New("allocation already refunded")
	ErrInsufficientFunds = errors.New("insufficient pool balance")
	// ErrStaleState is returned when a compare-and-set update matched no row.
	ErrStaleState = errors.New("state changed concurrently")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// inTx runs fn inside tx, or inside a fresh transaction committed on success
// when tx is nil. Balance read-modify-writes must never run outside one.
func (r Repo) inTx(ctx context.Context, tx *sql.Tx, fn func(*sql.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	own, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer own.Rollback()
	if err := fn(own); err != nil {
		return err
	}
	return own.Commit()
}
