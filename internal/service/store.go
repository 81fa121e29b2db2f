package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tapcoin/wallet/internal/models"
)

// AccountStore is the single source of truth for balances. Implementations keep
// every adjustment on one account linearizable and never commit a negative balance.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	GetAccountByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error)
	// AdjustBalance applies delta atomically and returns the new balance. It fails with
	// models.ErrInsufficientBalance when the result would be negative.
	AdjustBalance(ctx context.Context, id uuid.UUID, delta int64) (int64, error)
	// TransferBalance debits from and credits to as one atomic unit.
	TransferBalance(ctx context.Context, from, to uuid.UUID, amount int64) (models.TransferResult, error)
	// SupplySnapshot returns the sum of balances, the minted total and the number of negative balances.
	SupplySnapshot(ctx context.Context) (models.SupplySnapshot, error)
}

// EventLedger records which external events have been claimed.
type EventLedger interface {
	// TryClaim returns true for exactly one caller per event id.
	TryClaim(ctx context.Context, event models.CreditEvent) (bool, error)
	MarkOutcome(ctx context.Context, eventID, outcome string) error
	// TransitionOutcome moves an event from one outcome to another and reports whether
	// this caller performed the move.
	TransitionOutcome(ctx context.Context, eventID, from, to string) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*models.AppliedEvent, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}


// AtomicLedger is an EventLedger that records an event and credits its account in one
// transaction, so a claim never outlives an uncommitted credit.
type AtomicLedger interface {
	EventLedger
	// ClaimAndCredit claims event as applied and credits accountID. It reports false,
	// changing nothing, when the event was already claimed.
	ClaimAndCredit(ctx context.Context, event models.CreditEvent, accountID uuid.UUID) (int64, bool, error)
	// SettleAndCredit moves eventID from outcome from to applied and credits accountID.
	// It reports false when the event is no longer in from.
	SettleAndCredit(ctx context.Context, eventID, from string, accountID uuid.UUID, amount int64) (int64, bool, error)
	// StaleClaims lists up to limit events left in outcome claimed since before cutoff.
	StaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}
