package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapcoin/wallet/internal/auth"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/memstore"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/service"
	"golang.org/x/crypto/bcrypt"
)

type fixedChecker struct {
	balanced bool
	err      error
}

func (c fixedChecker) Run(context.Context) (models.SupplySnapshot, bool, error) {
	return models.SupplySnapshot{}, c.balanced, c.err
}

func TestReconciliationWorkerRunOnce(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "balanced", NewReconciliationWorker(fixedChecker{balanced: true}).RunOnce(ctx))
	assert.Equal(t, "imbalanced", NewReconciliationWorker(fixedChecker{}).RunOnce(ctx))
	assert.Equal(t, "failed", NewReconciliationWorker(fixedChecker{err: errors.New("db down")}).RunOnce(ctx))
}

func TestReconciliationWorkerStops(t *testing.T) {
	w := NewReconciliationWorker(fixedChecker{balanced: true}).WithInterval(time.Millisecond)
	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	w.Stop()
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

type recordingPurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *recordingPurger) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return p.n, p.err
}

func TestRetentionWorkerRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := &recordingPurger{n: 4}
	keys := &recordingPurger{err: errors.New("db down")}
	disabled := &recordingPurger{n: 9}

	w := NewRetentionWorker(
		Retention{Name: "events", Purger: events, Keep: 72 * time.Hour},
		Retention{Name: "idempotency", Purger: keys, Keep: time.Hour},
		Retention{Name: "disabled", Purger: disabled},
	)
	w.now = func() time.Time { return now }

	removed := w.RunOnce(context.Background())
	assert.Equal(t, map[string]int64{"events": 4}, removed)
	assert.Equal(t, now.Add(-72*time.Hour), events.cutoff)
	assert.Equal(t, now.Add(-time.Hour), keys.cutoff)
	assert.True(t, disabled.cutoff.IsZero())
}

func TestRetentionWorkerPurgesLedger(t *testing.T) {
	ledger := memstore.NewEventLedger()
	ctx := context.Background()
	for i := range 3 {
		claimed, err := ledger.TryClaim(ctx, models.CreditEvent{EventID: fmt.Sprintf("evt-%d", i), Target: "alice", Amount: 1})
		require.NoError(t, err)
		require.True(t, claimed)
	}

	w := NewRetentionWorker(Retention{Name: "events", Purger: ledger, Keep: time.Hour})
	w.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	assert.Equal(t, map[string]int64{"events": 3}, w.RunOnce(ctx))
	_, err := ledger.GetEvent(ctx, "evt-0")
	assert.ErrorIs(t, err, models.ErrEventNotFound)
}

type stubReplayer struct {
	result string
	err    error
	calls  []string
}

func (s *stubReplayer) Replay(_ context.Context, eventID string) (string, error) {
	s.calls = append(s.calls, eventID)
	return s.result, s.err
}

func replayJob(eventID string, attempt int) *river.Job[CreditReplayArgs] {
	return &river.Job[CreditReplayArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Attempt: attempt, MaxAttempts: 3, Kind: CreditReplayArgs{}.Kind()},
		Args:   CreditReplayArgs{EventID: eventID},
	}
}

func TestCreditReplayWorkerErrors(t *testing.T) {
	ctx := context.Background()

	ok := &stubReplayer{result: domain.IngestApplied}
	require.NoError(t, NewCreditReplayWorker(ok).Work(ctx, replayJob("evt-1", 1)))
	assert.Equal(t, []string{"evt-1"}, ok.calls)

	transient := fmt.Errorf("credit: %w", models.ErrTransient)
	err := NewCreditReplayWorker(&stubReplayer{err: transient}).Work(ctx, replayJob("evt-1", 1))
	assert.ErrorIs(t, err, models.ErrTransient)

	unknown := fmt.Errorf("%w: credit", models.ErrConsistencyFailure)
	err = NewCreditReplayWorker(&stubReplayer{err: unknown}).Work(ctx, replayJob("evt-1", 1))
	assert.ErrorIs(t, err, models.ErrConsistencyFailure)
}

type recordingInserter struct {
	mu   sync.Mutex
	args []CreditReplayArgs
	opts []*river.InsertOpts
	err  error
}

func (r *recordingInserter) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.args = append(r.args, args.(CreditReplayArgs))
	r.opts = append(r.opts, opts)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(r.args))}}, nil
}

func TestRiverReplayerEnqueuesUniqueJob(t *testing.T) {
	ins := &recordingInserter{}
	r := NewRiverReplayer(ins, 0)

	require.NoError(t, r.EnqueueCreditReplay(context.Background(), "evt-7"))
	require.Len(t, ins.args, 1)
	assert.Equal(t, "evt-7", ins.args[0].EventID)
	assert.Equal(t, defaultReplayAttempts, ins.opts[0].MaxAttempts)
	assert.True(t, ins.opts[0].UniqueOpts.ByArgs)

	ins.err = errors.New("queue unavailable")
	assert.Error(t, r.EnqueueCreditReplay(context.Background(), "evt-8"))
}

// failingAdjust fails the first n balance adjustments with a transient error.
type failingAdjust struct {
	*memstore.AccountStore
	mu sync.Mutex
	n  int
}

func (f *failingAdjust) AdjustBalance(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return 0, models.ErrTransient
	}
	f.mu.Unlock()
	return f.AccountStore.AdjustBalance(ctx, id, delta)
}

func TestFailedCreditIsReplayedOnce(t *testing.T) {
	ctx := context.Background()
	retry := service.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	store := &failingAdjust{AccountStore: memstore.NewAccountStore(), n: 2}
	ledger := memstore.NewEventLedger()
	accounts := service.NewAccountService(store, auth.NewBcryptHasher(bcrypt.MinCost))
	coord := service.NewIngestionCoordinator(ledger, accounts, service.NewEngine(store, retry), retry)

	ins := &recordingInserter{}
	coord.SetReplayer(NewRiverReplayer(ins, 5))

	acc := &models.Account{ID: uuid.New(), Username: "alice"}
	require.NoError(t, store.CreateAccount(ctx, acc))

	result, err := coord.Handle(ctx, models.CreditEvent{EventID: "evt-1", Target: "alice", Amount: 700})
	require.Error(t, err)
	assert.Equal(t, domain.IngestFailed, result)
	require.Len(t, ins.args, 1)

	ev, err := ledger.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, ev.Outcome)

	w := NewCreditReplayWorker(coord)
	require.NoError(t, w.Work(ctx, replayJob(ins.args[0].EventID, 1)))
	require.NoError(t, w.Work(ctx, replayJob(ins.args[0].EventID, 2)))

	got, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Balance)

	ev, err = ledger.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, ev.Outcome)
}

type recordingRecoverer struct {
	cutoff time.Time
	n      int
	err    error
}

func (r *recordingRecoverer) RecoverStaleClaims(_ context.Context, cutoff time.Time) (int, error) {
	r.cutoff = cutoff
	return r.n, r.err
}

func TestClaimRecoveryWorkerRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &recordingRecoverer{n: 2}
	w := NewClaimRecoveryWorker(rec, 10*time.Minute)
	w.now = func() time.Time { return now }

	assert.Equal(t, 2, w.RunOnce(context.Background()))
	assert.Equal(t, now.Add(-10*time.Minute), rec.cutoff)

	rec.err = errors.New("db down")
	rec.n = 0
	assert.Zero(t, w.RunOnce(context.Background()))
}

func TestClaimRecoveryWorkerStops(t *testing.T) {
	w := NewClaimRecoveryWorker(&recordingRecoverer{}, 0).WithInterval(time.Millisecond)
	assert.Equal(t, 5*time.Minute, w.after)
	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	w.Stop()
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStuckClaimIsRecoveredThroughReplayQueue(t *testing.T) {
	ctx := context.Background()
	retry := service.RetryPolicy{Attempts: 1}
	store := memstore.NewAccountStore()
	ledger := memstore.NewCreditingLedger(store)
	accounts := service.NewAccountService(store, auth.NewBcryptHasher(bcrypt.MinCost))
	coord := service.NewIngestionCoordinator(ledger, accounts, service.NewEngine(store, retry), retry)
	ins := &recordingInserter{}
	coord.SetReplayer(NewRiverReplayer(ins, 5))

	acc := &models.Account{ID: uuid.New(), Username: "alice"}
	require.NoError(t, store.CreateAccount(ctx, acc))

	// The process died between claiming and crediting.
	claimed, err := ledger.TryClaim(ctx, models.CreditEvent{EventID: "evt-stuck", Target: "alice", Amount: 300})
	require.NoError(t, err)
	require.True(t, claimed)

	w := NewClaimRecoveryWorker(coord, time.Minute)
	w.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	assert.Equal(t, 1, w.RunOnce(ctx))
	require.Len(t, ins.args, 1)
	assert.Equal(t, "evt-stuck", ins.args[0].EventID)

	replay := NewCreditReplayWorker(coord)
	require.NoError(t, replay.Work(ctx, replayJob("evt-stuck", 1)))
	require.NoError(t, replay.Work(ctx, replayJob("evt-stuck", 2)))
	assert.Zero(t, w.RunOnce(ctx))

	got, err := store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Balance)

	ev, err := ledger.GetEvent(ctx, "evt-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, ev.Outcome)
}
