package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Queries is the typed query set shared by the account store, the event ledger
// and the HTTP idempotency store.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

type AccountRow struct {
	ID           pgtype.UUID
	Username     string
	PasswordHash string
	TelegramID   pgtype.Int8
	Balance      int64
	CreatedAt    time.Time
}

const accountColumns = `id, username, password_hash, telegram_id, balance, created_at`

func scanAccount(row pgx.Row) (AccountRow, error) {
	var a AccountRow
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.TelegramID, &a.Balance, &a.CreatedAt)
	return a, err
}

type CreateAccountParams struct {
	ID           pgtype.UUID
	Username     string
	PasswordHash string
	TelegramID   pgtype.Int8
	Balance      int64
}

const createAccount = `
INSERT INTO accounts (id, username, password_hash, telegram_id, balance, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
RETURNING created_at`

func (q *Queries) CreateAccount(ctx context.Context, arg CreateAccountParams) (time.Time, error) {
	var createdAt time.Time
	err := q.db.QueryRow(ctx, createAccount, arg.ID, arg.Username, arg.PasswordHash, arg.TelegramID, arg.Balance).Scan(&createdAt)
	return createdAt, err
}

const getAccount = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

func (q *Queries) GetAccount(ctx context.Context, id pgtype.UUID) (AccountRow, error) {
	return scanAccount(q.db.QueryRow(ctx, getAccount, id))
}

const getAccountByUsername = `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`

func (q *Queries) GetAccountByUsername(ctx context.Context, username string) (AccountRow, error) {
	return scanAccount(q.db.QueryRow(ctx, getAccountByUsername, username))
}

const getAccountByTelegramID = `SELECT ` + accountColumns + ` FROM accounts WHERE telegram_id = $1`

func (q *Queries) GetAccountByTelegramID(ctx context.Context, telegramID int64) (AccountRow, error) {
	return scanAccount(q.db.QueryRow(ctx, getAccountByTelegramID, telegramID))
}

const lockAccountBalance = `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`

func (q *Queries) LockAccountBalance(ctx context.Context, id pgtype.UUID) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx, lockAccountBalance, id).Scan(&balance)
	return balance, err
}

const accountExists = `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`

func (q *Queries) AccountExists(ctx context.Context, id pgtype.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, accountExists, id).Scan(&exists)
	return exists, err
}

// The floor predicate makes the check and the write one statement: zero rows means
// either a missing account or a delta that would go negative.
const addBalanceWithFloor = `
UPDATE accounts
SET balance = balance + $2, updated_at = NOW()
WHERE id = $1
  AND balance + $2 >= 0
RETURNING balance`

type AddBalanceWithFloorParams struct {
	ID    pgtype.UUID
	Delta int64
}

func (q *Queries) AddBalanceWithFloor(ctx context.Context, arg AddBalanceWithFloorParams) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx, addBalanceWithFloor, arg.ID, arg.Delta).Scan(&balance)
	return balance, err
}

const addMinted = `UPDATE coin_supply SET minted = minted + $2, updated_at = NOW() WHERE id = $1`

func (q *Queries) AddMinted(ctx context.Context, shard int16, delta int64) (int64, error) {
	tag, err := q.db.Exec(ctx, addMinted, shard, delta)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const getSupplySnapshot = `
SELECT
    COALESCE(SUM(a.balance), 0)::BIGINT,
    COUNT(*) FILTER (WHERE a.balance < 0),
    (SELECT COALESCE(SUM(minted), 0)::BIGINT FROM coin_supply)
FROM accounts a`

type SupplySnapshotRow struct {
	TotalBalance     int64
	NegativeAccounts int64
	Minted           int64
}

func (q *Queries) GetSupplySnapshot(ctx context.Context) (SupplySnapshotRow, error) {
	var r SupplySnapshotRow
	err := q.db.QueryRow(ctx, getSupplySnapshot).Scan(&r.TotalBalance, &r.NegativeAccounts, &r.Minted)
	return r, err
}

type ClaimEventParams struct {
	EventID       string
	SourceChannel string
	Target        string
	Amount        int64
	Outcome       string
}

const claimEvent = `
INSERT INTO applied_events (event_id, source_channel, target, amount, outcome, claimed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
ON CONFLICT (event_id) DO NOTHING
RETURNING event_id`

// ClaimEvent returns pgx.ErrNoRows when the event id was already claimed.
func (q *Queries) ClaimEvent(ctx context.Context, arg ClaimEventParams) (string, error) {
	var id string
	err := q.db.QueryRow(ctx, claimEvent, arg.EventID, arg.SourceChannel, arg.Target, arg.Amount, arg.Outcome).Scan(&id)
	return id, err
}

const updateEventOutcome = `UPDATE applied_events SET outcome = $2, updated_at = NOW() WHERE event_id = $1`

func (q *Queries) UpdateEventOutcome(ctx context.Context, eventID, outcome string) (int64, error) {
	tag, err := q.db.Exec(ctx, updateEventOutcome, eventID, outcome)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const transitionEventOutcome = `
UPDATE applied_events
SET outcome = $3, updated_at = NOW()
WHERE event_id = $1 AND outcome = $2`

func (q *Queries) TransitionEventOutcome(ctx context.Context, eventID, from, to string) (int64, error) {
	tag, err := q.db.Exec(ctx, transitionEventOutcome, eventID, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listEventsByOutcomeBefore = `
SELECT event_id FROM applied_events
WHERE outcome = $1 AND updated_at < $2
ORDER BY updated_at
LIMIT $3`

func (q *Queries) ListEventsByOutcomeBefore(ctx context.Context, outcome string, cutoff time.Time, limit int32) ([]string, error) {
	rows, err := q.db.Query(ctx, listEventsByOutcomeBefore, outcome, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

type AppliedEventRow struct {
	EventID       string
	SourceChannel string
	Target        string
	Amount        int64
	Outcome       string
	ClaimedAt     time.Time
	UpdatedAt     time.Time
}

const getAppliedEvent = `
SELECT event_id, source_channel, target, amount, outcome, claimed_at, updated_at
FROM applied_events
WHERE event_id = $1`

func (q *Queries) GetAppliedEvent(ctx context.Context, eventID string) (AppliedEventRow, error) {
	var r AppliedEventRow
	err := q.db.QueryRow(ctx, getAppliedEvent, eventID).Scan(&r.EventID, &r.SourceChannel, &r.Target, &r.Amount, &r.Outcome, &r.ClaimedAt, &r.UpdatedAt)
	return r, err
}

const deleteEventsBefore = `DELETE FROM applied_events WHERE claimed_at < $1`

func (q *Queries) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteEventsBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type IdempotencyKeyRow struct {
	IdempotencyKey string
	RequestHash    string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	InProgress     bool
}

const getIdempotencyKey = `
SELECT idempotency_key, request_hash, response_status, response_body, content_type, in_progress
FROM idempotency_keys
WHERE idempotency_key = $1`

func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKeyRow, error) {
	var r IdempotencyKeyRow
	err := q.db.QueryRow(ctx, getIdempotencyKey, key).Scan(&r.IdempotencyKey, &r.RequestHash, &r.ResponseStatus, &r.ResponseBody, &r.ContentType, &r.InProgress)
	return r, err
}

type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
}

const reserveIdempotencyKey = `
INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, in_progress, created_at, updated_at)
VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING idempotency_key`

func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (string, error) {
	var key string
	err := q.db.QueryRow(ctx, reserveIdempotencyKey, arg.IdempotencyKey, arg.RequestHash, arg.Method, arg.Path).Scan(&key)
	return key, err
}

type FinalizeIdempotencyKeyParams struct {
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	IdempotencyKey string
	RequestHash    string
}

const finalizeIdempotencyKey = `
UPDATE idempotency_keys
SET response_status = $1, response_body = $2, content_type = $3, in_progress = FALSE, updated_at = NOW()
WHERE idempotency_key = $4 AND request_hash = $5
RETURNING idempotency_key, request_hash, response_status, response_body, content_type, in_progress`

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKeyRow, error) {
	var r IdempotencyKeyRow
	err := q.db.QueryRow(ctx, finalizeIdempotencyKey, arg.ResponseStatus, arg.ResponseBody, arg.ContentType, arg.IdempotencyKey, arg.RequestHash).
		Scan(&r.IdempotencyKey, &r.RequestHash, &r.ResponseStatus, &r.ResponseBody, &r.ContentType, &r.InProgress)
	return r, err
}

const deleteIdempotencyKeysBefore = `DELETE FROM idempotency_keys WHERE created_at < $1`

func (q *Queries) DeleteIdempotencyKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteIdempotencyKeysBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
