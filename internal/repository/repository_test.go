package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapcoin/wallet/internal/db"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/testutil/dblock"
)

func init() {
	_ = godotenv.Load("../../.env")
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
	unlock := dblock.Acquire()
	t.Cleanup(unlock)

	require.NoError(t, db.Migrate(dbURL))
	pool, err := db.Connect(context.Background(), dbURL, db.PoolOptions{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewStore(pool, 5*time.Second)
}

func newAccount(t *testing.T, accounts *AccountStore, balance int64) *models.Account {
	t.Helper()
	id := uuid.New()
	acc := &models.Account{ID: id, Username: "user_" + id.String()[:12], Balance: balance}
	require.NoError(t, accounts.CreateAccount(context.Background(), acc))
	return acc
}

func TestAccountStoreCreateAndLookup(t *testing.T) {
	accounts := NewAccountStore(setupStore(t))
	ctx := context.Background()

	tg := time.Now().UnixNano()
	id := uuid.New()
	acc := &models.Account{ID: id, Username: "tg_" + id.String()[:12], TelegramID: &tg}
	require.NoError(t, accounts.CreateAccount(ctx, acc))
	assert.False(t, acc.CreatedAt.IsZero())

	got, err := accounts.GetAccountByUsername(ctx, acc.Username)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	got, err = accounts.GetAccountByTelegramID(ctx, tg)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	dup := &models.Account{ID: uuid.New(), Username: acc.Username}
	assert.ErrorIs(t, accounts.CreateAccount(ctx, dup), models.ErrAlreadyExists)

	_, err = accounts.GetAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestAccountStoreAdjustBalanceFloor(t *testing.T) {
	accounts := NewAccountStore(setupStore(t))
	ctx := context.Background()
	acc := newAccount(t, accounts, 100)

	bal, err := accounts.AdjustBalance(ctx, acc.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(150), bal)

	_, err = accounts.AdjustBalance(ctx, acc.ID, -151)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	_, err = accounts.AdjustBalance(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	got, err := accounts.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.Balance)
}

func TestAccountStoreConcurrentTransfersConserveSupply(t *testing.T) {
	accounts := NewAccountStore(setupStore(t))
	ctx := context.Background()
	a := newAccount(t, accounts, 1_000)
	b := newAccount(t, accounts, 1_000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = accounts.TransferBalance(ctx, a.ID, b.ID, 7)
		}()
		go func() {
			defer wg.Done()
			_, _ = accounts.TransferBalance(ctx, b.ID, a.ID, 3)
		}()
	}
	wg.Wait()

	gotA, err := accounts.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := accounts.GetAccount(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), gotA.Balance+gotB.Balance)

	snap, err := accounts.SupplySnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Minted, snap.TotalBalance)
	assert.Zero(t, snap.NegativeAccounts)
}

func TestAccountStoreTransferInsufficient(t *testing.T) {
	accounts := NewAccountStore(setupStore(t))
	ctx := context.Background()
	a := newAccount(t, accounts, 5)
	b := newAccount(t, accounts, 0)

	_, err := accounts.TransferBalance(ctx, a.ID, b.ID, 10)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	_, err = accounts.TransferBalance(ctx, a.ID, a.ID, 1)
	assert.ErrorIs(t, err, models.ErrSameAccount)

	gotA, err := accounts.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), gotA.Balance)
}

func TestEventLedgerClaimOnce(t *testing.T) {
	store := setupStore(t)
	ledger := NewEventLedger(store, nil, time.Minute)
	ctx := context.Background()

	event := models.CreditEvent{EventID: "evt-" + uuid.NewString(), Target: "alice", Amount: 50, SourceChannel: "donations"}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.TryClaim(ctx, event)
			if err == nil && ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)

	require.NoError(t, ledger.MarkOutcome(ctx, event.EventID, "applied"))
	got, err := ledger.GetEvent(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, "applied", got.Outcome)
	assert.Equal(t, int64(50), got.Amount)

	assert.ErrorIs(t, ledger.MarkOutcome(ctx, "missing-"+uuid.NewString(), "applied"), models.ErrEventNotFound)

	n, err := ledger.PurgeBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = ledger.GetEvent(ctx, event.EventID)
	assert.ErrorIs(t, err, models.ErrEventNotFound)
}

func TestEventLedgerClaimAndCredit(t *testing.T) {
	store := setupStore(t)
	accounts := NewAccountStore(store)
	ledger := NewEventLedger(store, nil, time.Minute)
	ctx := context.Background()
	acc := newAccount(t, accounts, 0)
	event := models.CreditEvent{EventID: "evt-" + uuid.NewString(), Target: acc.Username, Amount: 7}

	balance, claimed, err := ledger.ClaimAndCredit(ctx, event, acc.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, int64(7), balance)

	_, claimed, err = ledger.ClaimAndCredit(ctx, event, acc.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := ledger.GetEvent(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, "applied", got.Outcome)

	gotAcc, err := accounts.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), gotAcc.Balance)
}

func TestEventLedgerClaimAndCreditRollsBackClaim(t *testing.T) {
	store := setupStore(t)
	ledger := NewEventLedger(store, nil, time.Minute)
	ctx := context.Background()
	event := models.CreditEvent{EventID: "evt-" + uuid.NewString(), Target: "nobody", Amount: 7}

	_, claimed, err := ledger.ClaimAndCredit(ctx, event, uuid.New())
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
	assert.False(t, claimed)

	_, err = ledger.GetEvent(ctx, event.EventID)
	assert.ErrorIs(t, err, models.ErrEventNotFound)
}

func TestEventLedgerStaleClaimSettles(t *testing.T) {
	store := setupStore(t)
	accounts := NewAccountStore(store)
	ledger := NewEventLedger(store, nil, time.Minute)
	ctx := context.Background()
	acc := newAccount(t, accounts, 0)
	event := models.CreditEvent{EventID: "evt-" + uuid.NewString(), Target: acc.Username, Amount: 4}

	ok, err := ledger.TryClaim(ctx, event)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := ledger.StaleClaims(ctx, time.Now().Add(time.Hour), 1000)
	require.NoError(t, err)
	assert.Contains(t, ids, event.EventID)

	ok, err = ledger.TransitionOutcome(ctx, event.EventID, "claimed", "failed")
	require.NoError(t, err)
	require.True(t, ok)

	balance, settled, err := ledger.SettleAndCredit(ctx, event.EventID, "failed", acc.ID, event.Amount)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, int64(4), balance)

	_, settled, err = ledger.SettleAndCredit(ctx, event.EventID, "failed", acc.ID, event.Amount)
	require.NoError(t, err)
	assert.False(t, settled)

	gotAcc, err := accounts.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), gotAcc.Balance)
}

func TestSupplyShardIsStableAndInRange(t *testing.T) {
	seen := make(map[int16]bool)
	for i := 0; i < 512; i++ {
		id := uuid.New()
		shard := supplyShard(id)
		assert.Equal(t, shard, supplyShard(id))
		assert.GreaterOrEqual(t, shard, int16(0))
		assert.Less(t, shard, int16(supplyShards))
		seen[shard] = true
	}
	assert.Greater(t, len(seen), 1)
}
