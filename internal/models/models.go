package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a wallet holder and its coin balance in micro-coins.
type Account struct {
	ID           uuid.UUID `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	TelegramID   *int64    `json:"telegram_id,omitempty"`
	Balance      int64     `json:"balance"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreditEvent is an externally sourced credit, e.g. a donation relayed over the
// notification channel. EventID is the idempotency key.
type CreditEvent struct {
	EventID       string
	Target        string // wallet user id or username
	Amount        int64  // micro-coins
	SourceChannel string
	ReceivedAt    time.Time
}

// AppliedEvent is the durable claim row for a CreditEvent.
type AppliedEvent struct {
	EventID       string
	SourceChannel string
	Target        string
	Amount        int64
	Outcome       string
	ClaimedAt     time.Time
	UpdatedAt     time.Time
}

// TransferRequest moves Amount micro-coins from one account to another.
type TransferRequest struct {
	From   uuid.UUID
	To     uuid.UUID
	Amount int64
}

// TransferResult carries both balances after a committed transfer.
type TransferResult struct {
	FromBalance int64
	ToBalance   int64
}

// SupplySnapshot is a point-in-time view of the coin supply used by reconciliation.
type SupplySnapshot struct {
	TotalBalance     int64
	Minted           int64
	NegativeAccounts int64
}
