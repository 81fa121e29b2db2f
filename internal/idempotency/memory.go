package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec        Record
	inProgress bool
	createdAt  time.Time
}

// MemoryStore backs the memory storage driver.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (s *MemoryStore) Lookup(_ context.Context, key, requestHash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.rec.RequestHash != requestHash {
		return nil, ErrHashMismatch
	}
	if e.inProgress {
		return nil, ErrInProgress
	}
	rec := e.rec
	rec.Body = append([]byte(nil), e.rec.Body...)
	return &rec, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key, requestHash, _, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = &memoryEntry{
		rec:        Record{Key: key, RequestHash: requestHash},
		inProgress: true,
		createdAt:  s.now(),
	}
	return true, nil
}

func (s *MemoryStore) Finalize(_ context.Context, key, requestHash string, status int, body []byte, contentType string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.rec.RequestHash != requestHash {
		return nil, ErrNotFound
	}
	e.inProgress = false
	e.rec.Status = status
	e.rec.Body = append([]byte(nil), body...)
	e.rec.ContentType = contentType
	e.rec.ServedBy = "memory"
	rec := e.rec
	return &rec, nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}
