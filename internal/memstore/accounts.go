// Package memstore holds in-process implementations of the account store and the
// event ledger. They back the "memory" storage driver and the service tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
)

type accountEntry struct {
	mu  sync.Mutex
	acc models.Account
}

// AccountStore keeps accounts in memory. Each account has its own mutex; operations
// touching two accounts lock them in id order.
type AccountStore struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*accountEntry
	byUsername map[string]uuid.UUID
	byTelegram map[int64]uuid.UUID
	minted     atomic.Int64
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:       make(map[uuid.UUID]*accountEntry),
		byUsername: make(map[string]uuid.UUID),
		byTelegram: make(map[int64]uuid.UUID),
	}
}

func (s *AccountStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if acc.Balance < 0 {
		return models.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[acc.ID]; ok {
		return models.ErrAlreadyExists
	}
	if _, ok := s.byUsername[acc.Username]; ok {
		return models.ErrAlreadyExists
	}
	if acc.TelegramID != nil {
		if _, ok := s.byTelegram[*acc.TelegramID]; ok {
			return models.ErrAlreadyExists
		}
	}

	acc.CreatedAt = time.Now().UTC()
	s.byID[acc.ID] = &accountEntry{acc: *acc}
	s.byUsername[acc.Username] = acc.ID
	if acc.TelegramID != nil {
		s.byTelegram[*acc.TelegramID] = acc.ID
	}
	s.minted.Add(acc.Balance)
	return nil
}

func (s *AccountStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.entry(id)
	if e == nil {
		return nil, models.ErrAccountNotFound
	}
	e.mu.Lock()
	acc := e.acc
	e.mu.Unlock()
	return &acc, nil
}

func (s *AccountStore) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return s.GetAccount(ctx, id)
}

func (s *AccountStore) GetAccountByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	s.mu.RLock()
	id, ok := s.byTelegram[telegramID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return s.GetAccount(ctx, id)
}

func (s *AccountStore) AdjustBalance(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := s.entry(id)
	if e == nil {
		return 0, models.ErrAccountNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.acc.Balance + delta
	if delta > 0 && next < e.acc.Balance {
		return 0, fmt.Errorf("%w: balance overflow", domain.ErrAmountRange)
	}
	if next < 0 {
		return 0, models.ErrInsufficientBalance
	}
	e.acc.Balance = next
	s.minted.Add(delta)
	return next, nil
}

func (s *AccountStore) TransferBalance(ctx context.Context, from, to uuid.UUID, amount int64) (models.TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return models.TransferResult{}, err
	}
	if from == to {
		return models.TransferResult{}, models.ErrSameAccount
	}
	src, dst := s.entry(from), s.entry(to)
	if src == nil || dst == nil {
		return models.TransferResult{}, models.ErrAccountNotFound
	}

	first, second := src, dst
	if from.String() > to.String() {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if src.acc.Balance < amount {
		return models.TransferResult{}, models.ErrInsufficientBalance
	}
	if dst.acc.Balance+amount < dst.acc.Balance {
		return models.TransferResult{}, fmt.Errorf("%w: balance overflow", domain.ErrAmountRange)
	}
	src.acc.Balance -= amount
	dst.acc.Balance += amount
	return models.TransferResult{FromBalance: src.acc.Balance, ToBalance: dst.acc.Balance}, nil
}

// SupplySnapshot locks every account in id order so the totals are taken at one point in time.
func (s *AccountStore) SupplySnapshot(ctx context.Context) (models.SupplySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.SupplySnapshot{}, err
	}

	// Holding the index lock keeps CreateAccount (which also mints) out of the window.
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	entries := make([]*accountEntry, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		entries = append(entries, s.byID[id])
	}

	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range entries {
			e.mu.Unlock()
		}
	}()

	var snap models.SupplySnapshot
	for _, e := range entries {
		snap.TotalBalance += e.acc.Balance
		if e.acc.Balance < 0 {
			snap.NegativeAccounts++
		}
	}
	snap.Minted = s.minted.Load()
	return snap, nil
}

func (s *AccountStore) entry(id uuid.UUID) *accountEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}
