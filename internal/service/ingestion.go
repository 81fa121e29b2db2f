package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

const staleClaimBatch = 100

var errStaleClaim = errors.New("claim left unapplied")

// Replayer takes ownership of a claimed credit that could not be applied.
type Replayer interface {
	EnqueueCreditReplay(ctx context.Context, eventID string) error
}

// IngestionCoordinator turns external credit events into at-most-once credits. With
// an AtomicLedger the claim and the credit commit together; otherwise the event id is
// claimed first and the target credited after.
type IngestionCoordinator struct {
	ledger   EventLedger
	atomic   AtomicLedger
	accounts *AccountService
	engine   *Engine
	retry    RetryPolicy
	replayer Replayer
}

func NewIngestionCoordinator(ledger EventLedger, accounts *AccountService, engine *Engine, retry RetryPolicy) *IngestionCoordinator {
	c := &IngestionCoordinator{
		ledger:   ledger,
		accounts: accounts,
		engine:   engine,
		retry:    retry,
	}
	c.atomic, _ = ledger.(AtomicLedger)
	return c
}

// SetReplayer enables escalation of failed credits to a background queue.
func (c *IngestionCoordinator) SetReplayer(r Replayer) {
	c.replayer = r
}

// Run handles events in arrival order until ctx is done or events is closed.
func (c *IngestionCoordinator) Run(ctx context.Context, events <-chan models.CreditEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if _, err := c.Handle(ctx, event); err != nil && ctx.Err() == nil {
				zap.L().Error("credit event not applied", zap.String("event_id", event.EventID), zap.Error(err))
			}
		}
	}
}

// Handle processes one event and returns its ingestion result. Duplicates, orphans and
// invalid events are not errors.
func (c *IngestionCoordinator) Handle(ctx context.Context, event models.CreditEvent) (string, error) {
	logger := zap.L().With(
		zap.String("event_id", event.EventID),
		zap.String("channel", event.SourceChannel),
		zap.String("target", event.Target),
		zap.String("amount", domain.FormatCoins(event.Amount)),
	)

	if event.EventID == "" || event.Target == "" || event.Amount <= 0 {
		logger.Warn("discarding invalid credit event")
		observability.IncrementCreditEvent(domain.IngestInvalid)
		return domain.IngestInvalid, nil
	}

	var (
		result string
		err    error
	)
	if c.atomic != nil {
		result, err = c.claimAndCredit(ctx, logger, event)
	} else {
		result, err = c.claimThenApply(ctx, logger, event)
	}
	observability.IncrementCreditEvent(result)
	return result, err
}

func (c *IngestionCoordinator) claimThenApply(ctx context.Context, logger *zap.Logger, event models.CreditEvent) (string, error) {
	claimed, err := c.tryClaim(ctx, event)
	if err != nil {
		return domain.IngestFailed, fmt.Errorf("claim event %s: %w", event.EventID, err)
	}
	if !claimed {
		logger.Info("duplicate credit event ignored")
		return domain.IngestDuplicate, nil
	}

	result, err := c.apply(ctx, event.EventID, event.Target, event.Amount)
	if err != nil {
		c.escalate(ctx, logger, event.EventID, err)
	}
	return result, err
}

func (c *IngestionCoordinator) claimAndCredit(ctx context.Context, logger *zap.Logger, event models.CreditEvent) (string, error) {
	acc, err := c.resolve(ctx, event.Target)
	if errors.Is(err, models.ErrAccountNotFound) {
		return c.settleUnapplied(ctx, logger, event, domain.OutcomeOrphaned)
	}
	if err != nil {
		return c.claimFailed(ctx, logger, event, fmt.Errorf("resolve target %q: %w", event.Target, err))
	}

	var (
		balance int64
		claimed bool
	)
	err = withRetry(ctx, c.retry, "claim_credit", func(ctx context.Context) error {
		var err error
		balance, claimed, err = c.atomic.ClaimAndCredit(ctx, event, acc.ID)
		return err
	})
	switch {
	case err == nil && !claimed:
		logger.Info("duplicate credit event ignored")
		return domain.IngestDuplicate, nil
	case err == nil:
		logger.Info("credit event applied",
			zap.String("user_id", acc.ID.String()),
			zap.String("balance", domain.FormatCoins(balance)))
		return domain.IngestApplied, nil
	case errors.Is(err, models.ErrAccountNotFound):
		return c.settleUnapplied(ctx, logger, event, domain.OutcomeOrphaned)
	case errors.Is(err, domain.ErrAmountRange):
		return c.settleUnapplied(ctx, logger, event, domain.OutcomeRejected)
	}
	return c.claimFailed(ctx, logger, event, fmt.Errorf("credit %s: %w", acc.ID, err))
}

// settleUnapplied claims an event that will never be credited and records why.
func (c *IngestionCoordinator) settleUnapplied(ctx context.Context, logger *zap.Logger, event models.CreditEvent, outcome string) (string, error) {
	claimed, err := c.tryClaim(ctx, event)
	if err != nil {
		return domain.IngestFailed, fmt.Errorf("claim event %s: %w", event.EventID, err)
	}
	if !claimed {
		logger.Info("duplicate credit event ignored")
		return domain.IngestDuplicate, nil
	}
	c.mark(ctx, event.EventID, outcome)
	if outcome == domain.OutcomeRejected {
		logger.Error("credit event rejected: balance out of range")
		return domain.IngestInvalid, nil
	}
	logger.Warn("credit event target not found")
	return domain.IngestOrphaned, nil
}

// claimFailed runs after a claim-and-credit transaction did not commit. The claim
// rolled back with it, so the event is claimed now as failed and handed to the replay
// queue. A claim that already exists means the transaction committed after all, or a
// concurrent delivery owns the event.
func (c *IngestionCoordinator) claimFailed(ctx context.Context, logger *zap.Logger, event models.CreditEvent, cause error) (string, error) {
	claimed, err := c.tryClaim(context.WithoutCancel(ctx), event)
	if err != nil {
		observability.IncrementConsistencyFailure("ingest")
		logger.Error("CRITICAL: credit event was neither applied nor claimed", zap.Error(errors.Join(cause, err)))
		return domain.IngestFailed, cause
	}
	if !claimed {
		logger.Warn("credit event already claimed after failed attempt", zap.Error(cause))
		return domain.IngestDuplicate, nil
	}
	c.mark(ctx, event.EventID, domain.OutcomeFailed)
	c.enqueueReplay(ctx, logger, event.EventID, cause)
	return domain.IngestFailed, cause
}

// Replay re-applies a credit previously recorded as failed. Only one caller wins the
// transition out of failed, so a replay never credits twice.
func (c *IngestionCoordinator) Replay(ctx context.Context, eventID string) (string, error) {
	ev, err := c.ledger.GetEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	if c.atomic != nil {
		return c.settleFailed(ctx, ev)
	}

	owned, err := c.ledger.TransitionOutcome(ctx, eventID, domain.OutcomeFailed, domain.OutcomeReplaying)
	if err != nil {
		return "", err
	}
	if !owned {
		return ev.Outcome, nil
	}

	result, err := c.apply(ctx, ev.EventID, ev.Target, ev.Amount)
	switch {
	case errors.Is(err, models.ErrConsistencyFailure):
		c.mark(ctx, eventID, domain.OutcomeUnknown)
	case err != nil:
		c.mark(ctx, eventID, domain.OutcomeFailed)
	}
	return result, err
}

// settleFailed credits a failed event and marks it applied in one transaction. A lost
// commit reply is retried safely: the outcome check inside the transaction refuses a
// second credit.
func (c *IngestionCoordinator) settleFailed(ctx context.Context, ev *models.AppliedEvent) (string, error) {
	if ev.Outcome != domain.OutcomeFailed {
		return ev.Outcome, nil
	}
	logger := zap.L().With(zap.String("event_id", ev.EventID), zap.String("target", ev.Target))

	acc, err := c.resolve(ctx, ev.Target)
	if errors.Is(err, models.ErrAccountNotFound) {
		return c.retire(ctx, logger, ev.EventID, domain.OutcomeOrphaned)
	}
	if err != nil {
		return domain.IngestFailed, fmt.Errorf("resolve target %q: %w", ev.Target, err)
	}

	var (
		balance int64
		settled bool
	)
	err = withRetry(ctx, c.retry, "settle_credit", func(ctx context.Context) error {
		var err error
		balance, settled, err = c.atomic.SettleAndCredit(ctx, ev.EventID, domain.OutcomeFailed, acc.ID, ev.Amount)
		return err
	})
	switch {
	case errors.Is(err, models.ErrAccountNotFound):
		return c.retire(ctx, logger, ev.EventID, domain.OutcomeOrphaned)
	case errors.Is(err, domain.ErrAmountRange):
		return c.retire(ctx, logger, ev.EventID, domain.OutcomeRejected)
	case err != nil:
		return domain.IngestFailed, fmt.Errorf("credit %s: %w", acc.ID, err)
	case !settled:
		cur, err := c.ledger.GetEvent(ctx, ev.EventID)
		if err != nil {
			return "", err
		}
		return cur.Outcome, nil
	}

	logger.Info("credit event applied",
		zap.String("user_id", acc.ID.String()),
		zap.String("balance", domain.FormatCoins(balance)))
	return domain.IngestApplied, nil
}

// retire moves a failed event to a final outcome that is never credited.
func (c *IngestionCoordinator) retire(ctx context.Context, logger *zap.Logger, eventID, outcome string) (string, error) {
	moved, err := c.ledger.TransitionOutcome(ctx, eventID, domain.OutcomeFailed, outcome)
	if err != nil {
		return "", err
	}
	if !moved {
		cur, err := c.ledger.GetEvent(ctx, eventID)
		if err != nil {
			return "", err
		}
		return cur.Outcome, nil
	}
	if outcome == domain.OutcomeRejected {
		logger.Error("credit event rejected: balance out of range")
		return domain.IngestInvalid, nil
	}
	logger.Warn("credit event target not found")
	return domain.IngestOrphaned, nil
}

// RecoverStaleClaims hands events left in outcome claimed since before cutoff to the
// replay queue and returns how many it took over. Only an AtomicLedger is swept:
// there a claimed row never carries a committed credit.
func (c *IngestionCoordinator) RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	if c.atomic == nil {
		return 0, nil
	}
	ids, err := c.atomic.StaleClaims(ctx, cutoff, staleClaimBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		owned, err := c.ledger.TransitionOutcome(ctx, id, domain.OutcomeClaimed, domain.OutcomeFailed)
		if errors.Is(err, models.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recover claim %s: %w", id, err)
		}
		if !owned {
			continue
		}
		recovered++
		c.enqueueReplay(ctx, zap.L().With(zap.String("event_id", id)), id, errStaleClaim)
	}
	return recovered, nil
}

func (c *IngestionCoordinator) apply(ctx context.Context, eventID, target string, amount int64) (string, error) {
	acc, err := c.resolve(ctx, target)
	if errors.Is(err, models.ErrAccountNotFound) {
		zap.L().Warn("credit event target not found", zap.String("event_id", eventID), zap.String("target", target))
		c.mark(ctx, eventID, domain.OutcomeOrphaned)
		return domain.IngestOrphaned, nil
	}
	if err != nil {
		return domain.IngestFailed, fmt.Errorf("resolve target %q: %w", target, err)
	}

	balance, err := c.engine.Credit(ctx, acc.ID, amount)
	if errors.Is(err, models.ErrAccountNotFound) {
		c.mark(ctx, eventID, domain.OutcomeOrphaned)
		return domain.IngestOrphaned, nil
	}
	if errors.Is(err, domain.ErrAmountRange) {
		zap.L().Error("credit event rejected: balance out of range", zap.String("event_id", eventID), zap.Error(err))
		c.mark(ctx, eventID, domain.OutcomeRejected)
		return domain.IngestInvalid, nil
	}
	if err != nil {
		return domain.IngestFailed, fmt.Errorf("credit %s: %w", acc.ID, err)
	}

	c.mark(ctx, eventID, domain.OutcomeApplied)
	zap.L().Info("credit event applied",
		zap.String("event_id", eventID),
		zap.String("user_id", acc.ID.String()),
		zap.String("balance", domain.FormatCoins(balance)))
	return domain.IngestApplied, nil
}

func (c *IngestionCoordinator) resolve(ctx context.Context, target string) (*models.Account, error) {
	var acc *models.Account
	err := withRetry(ctx, c.retry, "resolve_target", func(ctx context.Context) error {
		var err error
		acc, err = c.accounts.ResolveTarget(ctx, target)
		return err
	})
	return acc, err
}

func (c *IngestionCoordinator) tryClaim(ctx context.Context, event models.CreditEvent) (bool, error) {
	var claimed bool
	err := withRetry(ctx, c.retry, "claim", func(ctx context.Context) error {
		var err error
		claimed, err = c.ledger.TryClaim(ctx, event)
		return err
	})
	return claimed, err
}

// escalate handles a claimed event whose credit did not go through.
func (c *IngestionCoordinator) escalate(ctx context.Context, logger *zap.Logger, eventID string, err error) {
	if errors.Is(err, models.ErrConsistencyFailure) {
		c.mark(ctx, eventID, domain.OutcomeUnknown)
		return
	}
	c.mark(ctx, eventID, domain.OutcomeFailed)
	c.enqueueReplay(ctx, logger, eventID, err)
}

// enqueueReplay hands a failed event to the replay queue, or reports it as lost when
// there is none.
func (c *IngestionCoordinator) enqueueReplay(ctx context.Context, logger *zap.Logger, eventID string, cause error) {
	if c.replayer != nil {
		enqueueErr := c.replayer.EnqueueCreditReplay(context.WithoutCancel(ctx), eventID)
		if enqueueErr == nil {
			logger.Warn("claimed credit failed; replay scheduled", zap.Error(cause))
			return
		}
		cause = errors.Join(cause, enqueueErr)
	}
	observability.IncrementConsistencyFailure("ingest")
	logger.Error("CRITICAL: claimed credit event was not applied", zap.Error(cause))
}

// mark records an outcome. The claim itself is never released, so a failure here only
// loses bookkeeping.
func (c *IngestionCoordinator) mark(ctx context.Context, eventID, outcome string) {
	err := withRetry(context.WithoutCancel(ctx), c.retry, "mark_outcome", func(ctx context.Context) error {
		return c.ledger.MarkOutcome(ctx, eventID, outcome)
	})
	if err != nil {
		zap.L().Warn("failed to record event outcome", zap.String("event_id", eventID), zap.String("outcome", outcome), zap.Error(err))
	}
}
