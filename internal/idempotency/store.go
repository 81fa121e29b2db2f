// Package idempotency stores responses keyed by the Idempotency-Key request header so
// a retried credit or transfer replays the first response instead of applying twice.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("idempotency key not found")
	ErrHashMismatch = errors.New("idempotency key body mismatch")
	ErrInProgress   = errors.New("idempotency key in progress")
)

type Record struct {
	Key         string
	RequestHash string
	Status      int
	Body        []byte
	ContentType string
	ServedBy    string
}

// Store is implemented by PGStore and MemoryStore.
type Store interface {
	// Lookup returns the finalized record, ErrNotFound, ErrHashMismatch or ErrInProgress.
	Lookup(ctx context.Context, key, requestHash string) (*Record, error)
	// Reserve returns false when another request already holds key.
	Reserve(ctx context.Context, key, requestHash, method, path string) (bool, error)
	Finalize(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*Record, error)
	// PurgeBefore removes keys created before cutoff, including reservations that
	// were never finalized.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const pollInterval = 50 * time.Millisecond

// WaitForCompletion polls until the request holding key finalizes or ctx ends.
func WaitForCompletion(ctx context.Context, s Store, key, requestHash string) (*Record, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		rec, err := s.Lookup(ctx, key, requestHash)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrInProgress) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
