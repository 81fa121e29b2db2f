package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/tapcoin/wallet/internal/models"
)

// AccountStore is the Postgres account store. Single-account adjustments are one
// conditional UPDATE; transfers lock both rows in id order.
type AccountStore struct {
	store *Store
}

func NewAccountStore(store *Store) *AccountStore {
	return &AccountStore{store: store}
}

// supplyShards is the number of coin_supply rows. Credits to different accounts
// usually land on different rows, so they do not queue behind one counter lock.
const supplyShards = 16

func supplyShard(id uuid.UUID) int16 {
	return int16(id[15] % supplyShards)
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func toAccount(row AccountRow) *models.Account {
	acc := &models.Account{
		ID:           uuid.UUID(row.ID.Bytes),
		Username:     row.Username,
		PasswordHash: row.PasswordHash,
		Balance:      row.Balance,
		CreatedAt:    row.CreatedAt,
	}
	if row.TelegramID.Valid {
		tg := row.TelegramID.Int64
		acc.TelegramID = &tg
	}
	return acc
}

func (s *AccountStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	if acc.Balance < 0 {
		return models.ErrInvalidAmount
	}
	ctx, cancel := s.store.bound(ctx)
	defer cancel()

	var tg pgtype.Int8
	if acc.TelegramID != nil {
		tg = pgtype.Int8{Int64: *acc.TelegramID, Valid: true}
	}
	return s.store.RunInTx(ctx, func(q *Queries) error {
		createdAt, err := q.CreateAccount(ctx, CreateAccountParams{
			ID:           pgUUID(acc.ID),
			Username:     acc.Username,
			PasswordHash: acc.PasswordHash,
			TelegramID:   tg,
			Balance:      acc.Balance,
		})
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		acc.CreatedAt = createdAt
		if acc.Balance != 0 {
			if _, err := q.AddMinted(ctx, supplyShard(acc.ID), acc.Balance); err != nil {
				return fmt.Errorf("record minted supply: %w", err)
			}
		}
		return nil
	})
}

func (s *AccountStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	ctx, cancel := s.store.bound(ctx)
	defer cancel()
	row, err := s.store.Queries().GetAccount(ctx, pgUUID(id))
	return s.accountResult(ctx, row, err)
}

func (s *AccountStore) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	ctx, cancel := s.store.bound(ctx)
	defer cancel()
	row, err := s.store.Queries().GetAccountByUsername(ctx, username)
	return s.accountResult(ctx, row, err)
}

func (s *AccountStore) GetAccountByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	ctx, cancel := s.store.bound(ctx)
	defer cancel()
	row, err := s.store.Queries().GetAccountByTelegramID(ctx, telegramID)
	return s.accountResult(ctx, row, err)
}

func (s *AccountStore) accountResult(ctx context.Context, row AccountRow, err error) (*models.Account, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", classify(ctx, err))
	}
	return toAccount(row), nil
}

// AdjustBalance applies delta and moves the minted counter by the same amount in
// one transaction.
func (s *AccountStore) AdjustBalance(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	ctx, cancel := s.store.bound(ctx)
	defer cancel()

	var balance int64
	err := s.store.RunInTx(ctx, func(q *Queries) error {
		var err error
		balance, err = adjust(ctx, q, id, delta)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// adjust moves one balance by delta and the minted supply with it, inside the caller's
// transaction.
func adjust(ctx context.Context, q *Queries, id uuid.UUID, delta int64) (int64, error) {
	balance, err := q.AddBalanceWithFloor(ctx, AddBalanceWithFloorParams{ID: pgUUID(id), Delta: delta})
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := q.AccountExists(ctx, pgUUID(id))
		if existsErr != nil {
			return 0, existsErr
		}
		if !exists {
			return 0, models.ErrAccountNotFound
		}
		return 0, models.ErrInsufficientBalance
	}
	if err != nil {
		return 0, err
	}
	if _, err := q.AddMinted(ctx, supplyShard(id), delta); err != nil {
		return 0, err
	}
	return balance, nil
}

// TransferBalance locks both accounts in id order so concurrent transfers in opposite
// directions cannot deadlock.
func (s *AccountStore) TransferBalance(ctx context.Context, from, to uuid.UUID, amount int64) (models.TransferResult, error) {
	if from == to {
		return models.TransferResult{}, models.ErrSameAccount
	}
	if amount <= 0 {
		return models.TransferResult{}, models.ErrInvalidAmount
	}
	ctx, cancel := s.store.bound(ctx)
	defer cancel()

	first, second := from, to
	if first.String() > second.String() {
		first, second = second, first
	}

	var res models.TransferResult
	err := s.store.RunInTx(ctx, func(q *Queries) error {
		balances := make(map[uuid.UUID]int64, 2)
		for _, id := range []uuid.UUID{first, second} {
			bal, err := q.LockAccountBalance(ctx, pgUUID(id))
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrAccountNotFound
			}
			if err != nil {
				return err
			}
			balances[id] = bal
		}
		if balances[from] < amount {
			return models.ErrInsufficientBalance
		}

		fromBal, err := q.AddBalanceWithFloor(ctx, AddBalanceWithFloorParams{ID: pgUUID(from), Delta: -amount})
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrInsufficientBalance
		}
		if err != nil {
			return err
		}
		toBal, err := q.AddBalanceWithFloor(ctx, AddBalanceWithFloorParams{ID: pgUUID(to), Delta: amount})
		if err != nil {
			return err
		}
		res = models.TransferResult{FromBalance: fromBal, ToBalance: toBal}
		return nil
	})
	if err != nil {
		return models.TransferResult{}, err
	}
	return res, nil
}

func (s *AccountStore) SupplySnapshot(ctx context.Context) (models.SupplySnapshot, error) {
	ctx, cancel := s.store.bound(ctx)
	defer cancel()

	var snap models.SupplySnapshot
	err := s.store.RunInTx(ctx, func(q *Queries) error {
		row, err := q.GetSupplySnapshot(ctx)
		if err != nil {
			return err
		}
		snap = models.SupplySnapshot{
			TotalBalance:     row.TotalBalance,
			Minted:           row.Minted,
			NegativeAccounts: row.NegativeAccounts,
		}
		return nil
	})
	if err != nil {
		return models.SupplySnapshot{}, fmt.Errorf("supply snapshot: %w", err)
	}
	return snap, nil
}
