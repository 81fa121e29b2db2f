package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
)

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgNumericOutOfRange    = "22003"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func isDomainErr(err error) bool {
	return errors.Is(err, models.ErrAccountNotFound) ||
		errors.Is(err, models.ErrInsufficientBalance) ||
		errors.Is(err, models.ErrAlreadyExists) ||
		errors.Is(err, models.ErrSameAccount) ||
		errors.Is(err, models.ErrEventNotFound) ||
		errors.Is(err, models.ErrTransient) ||
		errors.Is(err, models.ErrOutcomeUnknown) ||
		errors.Is(err, domain.ErrAmountRange)
}

// classify maps a failure observed before commit. Nothing was applied, so every
// connection-level failure is safe to retry.
func classify(ctx context.Context, err error) error {
	if err == nil || isDomainErr(err) || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", models.ErrTransient, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %w", models.ErrAlreadyExists, err)
		case pgCheckViolation:
			return fmt.Errorf("%w: %w", models.ErrInsufficientBalance, err)
		case pgNumericOutOfRange:
			return fmt.Errorf("%w: %w", domain.ErrAmountRange, err)
		}
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrTransient, err)
}

// classifyCommit maps a failed COMMIT. A server-side rejection means the transaction
// rolled back; anything else leaves the outcome unknown.
func classifyCommit(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected {
			return fmt.Errorf("%w: %w", models.ErrTransient, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", models.ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", models.ErrOutcomeUnknown, err)
}
