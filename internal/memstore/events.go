package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
)

// EventLedger is an in-memory idempotency ledger. Claims survive only as long as the process.
type EventLedger struct {
	mu     sync.Mutex
	events map[string]*models.AppliedEvent
	now    func() time.Time
}

func NewEventLedger() *EventLedger {
	return &EventLedger{
		events: make(map[string]*models.AppliedEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *EventLedger) TryClaim(ctx context.Context, event models.CreditEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.events[event.EventID]; ok {
		return false, nil
	}
	now := l.now()
	l.events[event.EventID] = &models.AppliedEvent{
		EventID:       event.EventID,
		SourceChannel: event.SourceChannel,
		Target:        event.Target,
		Amount:        event.Amount,
		Outcome:       domain.OutcomeClaimed,
		ClaimedAt:     now,
		UpdatedAt:     now,
	}
	return true, nil
}

func (l *EventLedger) MarkOutcome(ctx context.Context, eventID, outcome string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return models.ErrEventNotFound
	}
	ev.Outcome = outcome
	ev.UpdatedAt = l.now()
	return nil
}

func (l *EventLedger) TransitionOutcome(ctx context.Context, eventID, from, to string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return false, models.ErrEventNotFound
	}
	if ev.Outcome != from {
		return false, nil
	}
	ev.Outcome = to
	ev.UpdatedAt = l.now()
	return true, nil
}

func (l *EventLedger) GetEvent(ctx context.Context, eventID string) (*models.AppliedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return nil, models.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (l *EventLedger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for id, ev := range l.events {
		if ev.ClaimedAt.Before(cutoff) {
			delete(l.events, id)
			n++
		}
	}
	return n, nil
}

// StaleClaims lists events still in outcome claimed that were last touched before cutoff,
// oldest first.
func (l *EventLedger) StaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []*models.AppliedEvent
	for _, ev := range l.events {
		if ev.Outcome == domain.OutcomeClaimed && ev.UpdatedAt.Before(cutoff) {
			stale = append(stale, ev)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, len(stale))
	for i, ev := range stale {
		ids[i] = ev.EventID
	}
	return ids, nil
}

// BalanceAdjuster is the part of an account store a CreditingLedger credits through.
type BalanceAdjuster interface {
	AdjustBalance(ctx context.Context, id uuid.UUID, delta int64) (int64, error)
}

// CreditingLedger is an EventLedger that records a claim and its credit together: the
// ledger lock is held across the credit, and a claim is only stored once the credit
// went through.
type CreditingLedger struct {
	*EventLedger
	accounts BalanceAdjuster
}

func NewCreditingLedger(accounts BalanceAdjuster) *CreditingLedger {
	return &CreditingLedger{EventLedger: NewEventLedger(), accounts: accounts}
}

func (l *CreditingLedger) ClaimAndCredit(ctx context.Context, event models.CreditEvent, accountID uuid.UUID) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.events[event.EventID]; ok {
		return 0, false, nil
	}
	balance, err := l.accounts.AdjustBalance(ctx, accountID, event.Amount)
	if err != nil {
		return 0, false, err
	}
	now := l.now()
	l.events[event.EventID] = &models.AppliedEvent{
		EventID:       event.EventID,
		SourceChannel: event.SourceChannel,
		Target:        event.Target,
		Amount:        event.Amount,
		Outcome:       domain.OutcomeApplied,
		ClaimedAt:     now,
		UpdatedAt:     now,
	}
	return balance, true, nil
}

func (l *CreditingLedger) SettleAndCredit(ctx context.Context, eventID, from string, accountID uuid.UUID, amount int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return 0, false, models.ErrEventNotFound
	}
	if ev.Outcome != from {
		return 0, false, nil
	}
	balance, err := l.accounts.AdjustBalance(ctx, accountID, amount)
	if err != nil {
		return 0, false, err
	}
	ev.Outcome = domain.OutcomeApplied
	ev.UpdatedAt = l.now()
	return balance, true, nil
}
