package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"variantlab/internal/errors"
	"variantlab/ports"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var _ ports.Store = (*Store)(nil)

// postgres error codes the store translates
const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// Store implements ports.Store on PostgreSQL
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open connection pool
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to databaseURL and verifies the connection
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, errors.DatabaseError("connect to postgres", err)
	}
	return NewStore(db), nil
}

// DB exposes the pool for migrations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// withTx runs fn in a transaction, committing only when fn succeeds
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("commit transaction", err)
	}
	return nil
}

// dbError turns driver errors into AppErrors. AppErrors pass through.
func dbError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.IsAppError(err) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqCheckViolation:
			return errors.InvariantViolation(msg + ": " + pqErr.Message)
		case pqUniqueViolation:
			return errors.ValidationError(msg + ": already exists")
		}
	}
	return errors.DatabaseError(msg, err)
}

// Ping implements ports.Store
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.DatabaseError("ping postgres", err)
	}
	return nil
}

// Close implements ports.Store
func (s *Store) Close() error {
	return s.db.Close()
}
