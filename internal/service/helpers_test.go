package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tapcoin/wallet/internal/auth"
	"github.com/tapcoin/wallet/internal/memstore"
	"github.com/tapcoin/wallet/internal/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"
)

var fastRetry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// flakyStore injects failures into AdjustBalance and TransferBalance.
type flakyStore struct {
	*memstore.AccountStore
	adjustErrs   []error
	transferErrs []error
	mu           sync.Mutex
	adjustCalls  atomic.Int32
}

func (f *flakyStore) nextErr(errs *[]error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *flakyStore) AdjustBalance(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	f.adjustCalls.Add(1)
	if err := f.nextErr(&f.adjustErrs); err != nil {
		return 0, err
	}
	return f.AccountStore.AdjustBalance(ctx, id, delta)
}

func (f *flakyStore) TransferBalance(ctx context.Context, from, to uuid.UUID, amount int64) (models.TransferResult, error) {
	if err := f.nextErr(&f.transferErrs); err != nil {
		return models.TransferResult{}, err
	}
	return f.AccountStore.TransferBalance(ctx, from, to, amount)
}

func seedAccount(t *testing.T, store AccountStore, username string, balance int64) *models.Account {
	t.Helper()
	acc := &models.Account{ID: uuid.New(), Username: username, Balance: balance}
	require.NoError(t, store.CreateAccount(context.Background(), acc))
	return acc
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func testHasher() auth.PasswordHasher {
	return auth.NewBcryptHasher(bcrypt.MinCost)
}

type recordingReplayer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingReplayer) EnqueueCreditReplay(_ context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, eventID)
	return nil
}
