package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

// Engine applies credits and transfers with all-or-nothing semantics. It holds no
// locks; atomicity comes from the AccountStore.
type Engine struct {
	store AccountStore
	retry RetryPolicy
}

func NewEngine(store AccountStore, retry RetryPolicy) *Engine {
	return &Engine{store: store, retry: retry}
}

// Credit adds amount micro-coins to userID and returns the new balance.
func (e *Engine) Credit(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, models.ErrInvalidAmount
	}

	var balance int64
	err := withRetry(ctx, e.retry, "credit", func(ctx context.Context) error {
		var err error
		balance, err = e.store.AdjustBalance(ctx, userID, amount)
		return err
	})
	if err != nil {
		observability.IncrementBalanceMutation("credit", resultLabel(err))
		if errors.Is(err, models.ErrOutcomeUnknown) {
			return 0, consistencyFailure("credit", err, zap.String("user_id", userID.String()), zap.Int64("amount", amount))
		}
		return 0, err
	}
	observability.IncrementBalanceMutation("credit", "ok")
	return balance, nil
}

// Transfer moves req.Amount from req.From to req.To atomically.
func (e *Engine) Transfer(ctx context.Context, req models.TransferRequest) (models.TransferResult, error) {
	if req.Amount <= 0 {
		return models.TransferResult{}, models.ErrInvalidAmount
	}
	if req.From == req.To {
		return models.TransferResult{}, models.ErrSameAccount
	}

	// A failed pre-read avoids a write transaction; the store re-checks under lock.
	sender, err := e.store.GetAccount(ctx, req.From)
	if err != nil {
		observability.IncrementBalanceMutation("transfer", resultLabel(err))
		return models.TransferResult{}, err
	}
	if sender.Balance < req.Amount {
		observability.IncrementBalanceMutation("transfer", resultLabel(models.ErrInsufficientBalance))
		return models.TransferResult{}, models.ErrInsufficientBalance
	}

	var res models.TransferResult
	err = withRetry(ctx, e.retry, "transfer", func(ctx context.Context) error {
		var err error
		res, err = e.store.TransferBalance(ctx, req.From, req.To, req.Amount)
		return err
	})
	if err != nil {
		observability.IncrementBalanceMutation("transfer", resultLabel(err))
		if errors.Is(err, models.ErrOutcomeUnknown) {
			return models.TransferResult{}, consistencyFailure("transfer", err,
				zap.String("from", req.From.String()),
				zap.String("to", req.To.String()),
				zap.Int64("amount", req.Amount))
		}
		return models.TransferResult{}, err
	}
	observability.IncrementBalanceMutation("transfer", "ok")
	return res, nil
}

func consistencyFailure(op string, cause error, fields ...zap.Field) error {
	observability.IncrementConsistencyFailure(op)
	zap.L().Error("CRITICAL: balance mutation outcome unknown",
		append(fields, zap.String("operation", op), zap.Error(cause))...)
	return fmt.Errorf("%w: %s: %w", models.ErrConsistencyFailure, op, cause)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, models.ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrSameAccount), errors.Is(err, domain.ErrAmountRange):
		return "invalid"
	case errors.Is(err, models.ErrTransient):
		return "transient"
	case errors.Is(err, models.ErrOutcomeUnknown):
		return "unknown"
	default:
		return "error"
	}
}
