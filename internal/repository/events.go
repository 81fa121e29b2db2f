package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"go.uber.org/zap"
)

const claimCachePrefix = "event-claim"

// EventLedger persists event claims in applied_events. Redis, when configured, only
// short-circuits events already known to be claimed; a first claim always goes
// through the unique key in Postgres.
type EventLedger struct {
	store    *Store
	redis    redis.Cmdable
	cacheTTL time.Duration
}

func NewEventLedger(store *Store, rdb redis.Cmdable, cacheTTL time.Duration) *EventLedger {
	return &EventLedger{store: store, redis: rdb, cacheTTL: cacheTTL}
}

func (l *EventLedger) TryClaim(ctx context.Context, event models.CreditEvent) (bool, error) {
	if l.cachedClaim(ctx, event.EventID) {
		return false, nil
	}

	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	_, err := l.store.Queries().ClaimEvent(ctx, ClaimEventParams{
		EventID:       event.EventID,
		SourceChannel: event.SourceChannel,
		Target:        event.Target,
		Amount:        event.Amount,
		Outcome:       domain.OutcomeClaimed,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		l.cacheClaim(ctx, event.EventID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", event.EventID, classify(ctx, err))
	}
	l.cacheClaim(ctx, event.EventID)
	return true, nil
}

// ClaimAndCredit claims the event as applied and credits accountID in one transaction.
// It reports false without crediting when the event is already claimed.
func (l *EventLedger) ClaimAndCredit(ctx context.Context, event models.CreditEvent, accountID uuid.UUID) (int64, bool, error) {
	if l.cachedClaim(ctx, event.EventID) {
		return 0, false, nil
	}

	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	var (
		balance int64
		claimed bool
	)
	err := l.store.RunInTx(ctx, func(q *Queries) error {
		_, err := q.ClaimEvent(ctx, ClaimEventParams{
			EventID:       event.EventID,
			SourceChannel: event.SourceChannel,
			Target:        event.Target,
			Amount:        event.Amount,
			Outcome:       domain.OutcomeApplied,
		})
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true
		balance, err = adjust(ctx, q, accountID, event.Amount)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("claim and credit event %s: %w", event.EventID, err)
	}
	l.cacheClaim(ctx, event.EventID)
	return balance, claimed, nil
}

// SettleAndCredit moves the event from outcome from to applied and credits accountID in
// one transaction. It reports false without crediting when the event is no longer in
// outcome from.
func (l *EventLedger) SettleAndCredit(ctx context.Context, eventID, from string, accountID uuid.UUID, amount int64) (int64, bool, error) {
	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	var (
		balance int64
		settled bool
	)
	err := l.store.RunInTx(ctx, func(q *Queries) error {
		n, err := q.TransitionEventOutcome(ctx, eventID, from, domain.OutcomeApplied)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		settled = true
		balance, err = adjust(ctx, q, accountID, amount)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("settle event %s: %w", eventID, err)
	}
	return balance, settled, nil
}

// StaleClaims lists events still in outcome claimed that were last touched before cutoff,
// oldest first.
func (l *EventLedger) StaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	ids, err := l.store.Queries().ListEventsByOutcomeBefore(ctx, domain.OutcomeClaimed, cutoff, int32(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", classify(ctx, err))
	}
	return ids, nil
}

func (l *EventLedger) MarkOutcome(ctx context.Context, eventID, outcome string) error {
	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	n, err := l.store.Queries().UpdateEventOutcome(ctx, eventID, outcome)
	if err != nil {
		return fmt.Errorf("mark event %s %s: %w", eventID, outcome, classify(ctx, err))
	}
	if n == 0 {
		return models.ErrEventNotFound
	}
	return nil
}

func (l *EventLedger) TransitionOutcome(ctx context.Context, eventID, from, to string) (bool, error) {
	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	n, err := l.store.Queries().TransitionEventOutcome(ctx, eventID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition event %s %s->%s: %w", eventID, from, to, classify(ctx, err))
	}
	if n == 0 {
		if _, err := l.store.Queries().GetAppliedEvent(ctx, eventID); errors.Is(err, pgx.ErrNoRows) {
			return false, models.ErrEventNotFound
		}
		return false, nil
	}
	return true, nil
}

func (l *EventLedger) GetEvent(ctx context.Context, eventID string) (*models.AppliedEvent, error) {
	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	row, err := l.store.Queries().GetAppliedEvent(ctx, eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, classify(ctx, err))
	}
	return &models.AppliedEvent{
		EventID:       row.EventID,
		SourceChannel: row.SourceChannel,
		Target:        row.Target,
		Amount:        row.Amount,
		Outcome:       row.Outcome,
		ClaimedAt:     row.ClaimedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// PurgeBefore drops claims older than cutoff. Cached claim markers expire on their own.
func (l *EventLedger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := l.store.bound(ctx)
	defer cancel()

	n, err := l.store.Queries().DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return n, nil
}

func (l *EventLedger) cachedClaim(ctx context.Context, eventID string) bool {
	if l.redis == nil {
		return false
	}
	n, err := l.redis.Exists(ctx, claimCacheKey(eventID)).Result()
	if err != nil {
		zap.L().Warn("redis claim lookup failed", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return n > 0
}

func (l *EventLedger) cacheClaim(ctx context.Context, eventID string) {
	if l.redis == nil {
		return
	}
	if err := l.redis.Set(ctx, claimCacheKey(eventID), 1, l.cacheTTL).Err(); err != nil {
		zap.L().Warn("redis claim cache set failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

func claimCacheKey(eventID string) string {
	return fmt.Sprintf("%s:%s", claimCachePrefix, eventID)
}
