package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides access to the query set and transaction scoping.
type Store struct {
	db      *pgxpool.Pool
	queries *Queries
	timeout time.Duration
}

// NewStore creates a store wrapper around a pgx connection pool. A positive timeout
// bounds every storage call made through the store.
func NewStore(db *pgxpool.Pool, timeout time.Duration) *Store {
	return &Store{
		db:      db,
		queries: New(db),
		timeout: timeout,
	}
}

// Queries returns the non-transactional query set.
func (s *Store) Queries() *Queries {
	return s.queries
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// RunInTx executes fn within a database transaction. Failures before commit are
// classified as transient where a retry is safe; a commit whose result never arrived
// is reported as models.ErrOutcomeUnknown.
func (s *Store) RunInTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(ctx, err))
	}
	defer tx.Rollback(ctx)

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return classify(ctx, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", classifyCommit(err))
	}
	return nil
}
