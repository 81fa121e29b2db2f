package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/memstore"
	"github.com/tapcoin/wallet/internal/models"
)

type ingestFixture struct {
	store  *flakyStore
	ledger *memstore.EventLedger
	coord  *IngestionCoordinator
}

func newIngestFixture() *ingestFixture {
	store := &flakyStore{AccountStore: memstore.NewAccountStore()}
	ledger := memstore.NewEventLedger()
	accounts := NewAccountService(store, testHasher())
	engine := NewEngine(store, fastRetry)
	return &ingestFixture{
		store:  store,
		ledger: ledger,
		coord:  NewIngestionCoordinator(ledger, accounts, engine, fastRetry),
	}
}

func TestIngestionDuplicateDeliveryCreditsOnce(t *testing.T) {
	f := newIngestFixture()
	acc := seedAccount(t, f.store, "alice", 100)
	ctx := context.Background()
	event := models.CreditEvent{EventID: "evt-1", Target: "alice", Amount: 50, SourceChannel: "$alerts:donation_1"}

	result, err := f.coord.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestApplied, result)

	result, err = f.coord.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestDuplicate, result)

	got, err := f.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00015", domain.FormatCoins(got.Balance))

	ev, err := f.ledger.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, ev.Outcome)
}

func TestIngestionConcurrentDuplicates(t *testing.T) {
	f := newIngestFixture()
	acc := seedAccount(t, f.store, "alice", 0)
	ctx := context.Background()
	event := models.CreditEvent{EventID: "evt-race", Target: acc.ID.String(), Amount: 7}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.coord.Handle(ctx, event)
		}()
	}
	wg.Wait()

	got, _ := f.store.GetAccount(ctx, acc.ID)
	assert.Equal(t, int64(7), got.Balance)
}

func TestIngestionOrphanKeepsClaim(t *testing.T) {
	logs := observeLogs(t)
	f := newIngestFixture()
	ctx := context.Background()
	event := models.CreditEvent{EventID: "evt-orphan", Target: "nobody", Amount: 10}

	result, err := f.coord.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestOrphaned, result)
	assert.Equal(t, 1, logs.FilterMessage("credit event target not found").Len())

	seedAccount(t, f.store, "nobody", 0)
	result, err = f.coord.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, domain.IngestDuplicate, result)

	ev, err := f.ledger.GetEvent(ctx, "evt-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeOrphaned, ev.Outcome)
}

func TestIngestionInvalidEventIsNotClaimed(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	result, err := f.coord.Handle(ctx, models.CreditEvent{EventID: "evt-zero", Target: "alice", Amount: 0})
	require.NoError(t, err)
	assert.Equal(t, domain.IngestInvalid, result)

	_, err = f.ledger.GetEvent(ctx, "evt-zero")
	assert.ErrorIs(t, err, models.ErrEventNotFound)
}

func TestIngestionFailureEscalatesToReplay(t *testing.T) {
	f := newIngestFixture()
	acc := seedAccount(t, f.store, "alice", 0)
	transient := fmt.Errorf("%w: connection refused", models.ErrTransient)
	f.store.adjustErrs = []error{transient, transient, transient}
	replayer := &recordingReplayer{}
	f.coord.SetReplayer(replayer)
	ctx := context.Background()

	result, err := f.coord.Handle(ctx, models.CreditEvent{EventID: "evt-fail", Target: "alice", Amount: 25})
	assert.ErrorIs(t, err, models.ErrTransient)
	assert.Equal(t, domain.IngestFailed, result)
	assert.Equal(t, []string{"evt-fail"}, replayer.ids)

	ev, err := f.ledger.GetEvent(ctx, "evt-fail")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, ev.Outcome)

	result, err = f.coord.Replay(ctx, "evt-fail")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestApplied, result)

	result, err = f.coord.Replay(ctx, "evt-fail")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, result)

	got, _ := f.store.GetAccount(ctx, acc.ID)
	assert.Equal(t, int64(25), got.Balance)
}

func TestIngestionFailureWithoutReplayerLogsCritical(t *testing.T) {
	logs := observeLogs(t)
	f := newIngestFixture()
	seedAccount(t, f.store, "alice", 0)
	transient := fmt.Errorf("%w: connection refused", models.ErrTransient)
	f.store.adjustErrs = []error{transient, transient, transient}

	_, err := f.coord.Handle(context.Background(), models.CreditEvent{EventID: "evt-lost", Target: "alice", Amount: 25})
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("CRITICAL: claimed credit event was not applied").Len())
}

func TestIngestionEnqueueFailureLogsCritical(t *testing.T) {
	logs := observeLogs(t)
	f := newIngestFixture()
	seedAccount(t, f.store, "alice", 0)
	transient := fmt.Errorf("%w: connection refused", models.ErrTransient)
	f.store.adjustErrs = []error{transient, transient, transient}
	f.coord.SetReplayer(&recordingReplayer{err: errors.New("queue down")})

	_, err := f.coord.Handle(context.Background(), models.CreditEvent{EventID: "evt-q", Target: "alice", Amount: 25})
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("CRITICAL: claimed credit event was not applied").Len())
}

func TestIngestionUnknownOutcomeIsNotReplayed(t *testing.T) {
	f := newIngestFixture()
	seedAccount(t, f.store, "alice", 0)
	f.store.adjustErrs = []error{fmt.Errorf("%w: commit reply lost", models.ErrOutcomeUnknown)}
	replayer := &recordingReplayer{}
	f.coord.SetReplayer(replayer)
	ctx := context.Background()

	_, err := f.coord.Handle(ctx, models.CreditEvent{EventID: "evt-unknown", Target: "alice", Amount: 25})
	assert.ErrorIs(t, err, models.ErrConsistencyFailure)
	assert.Empty(t, replayer.ids)

	ev, err := f.ledger.GetEvent(ctx, "evt-unknown")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnknown, ev.Outcome)

	result, err := f.coord.Replay(ctx, "evt-unknown")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnknown, result)
}

func TestIngestionRunProcessesInOrder(t *testing.T) {
	f := newIngestFixture()
	acc := seedAccount(t, f.store, "alice", 0)
	events := make(chan models.CreditEvent, 3)
	events <- models.CreditEvent{EventID: "e1", Target: "alice", Amount: 1}
	events <- models.CreditEvent{EventID: "e2", Target: "alice", Amount: 2}
	events <- models.CreditEvent{EventID: "e1", Target: "alice", Amount: 1}
	close(events)

	f.coord.Run(context.Background(), events)

	got, _ := f.store.GetAccount(context.Background(), acc.ID)
	assert.Equal(t, int64(3), got.Balance)
}
