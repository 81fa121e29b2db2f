package service

import (
	"context"
	"errors"
	"time"

	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

// RetryPolicy bounds retries of transient storage failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts:  5,
	BaseDelay: 10 * time.Millisecond,
	MaxDelay:  500 * time.Millisecond,
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// withRetry runs fn until it succeeds, fails with a non-transient error or the
// policy is exhausted. Only models.ErrTransient is retried.
func withRetry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, models.ErrTransient) {
			return err
		}
		if i == attempts-1 {
			break
		}
		observability.IncrementStorageRetry(op)
		zap.L().Debug("retrying transient storage failure", zap.String("operation", op), zap.Int("attempt", i+1), zap.Error(err))

		timer := time.NewTimer(p.delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
