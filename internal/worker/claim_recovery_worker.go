package worker

import (
	"context"
	"sync"
	"time"

	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

// ClaimRecoverer takes over claims left unapplied since before a cutoff.
type ClaimRecoverer interface {
	RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int, error)
}

// ClaimRecoveryWorker periodically hands event claims that never reached a final
// outcome to the replay queue. Claims younger than after are left to the ingestion
// path that owns them.
type ClaimRecoveryWorker struct {
	recoverer ClaimRecoverer
	after     time.Duration
	interval  time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewClaimRecoveryWorker(recoverer ClaimRecoverer, after time.Duration) *ClaimRecoveryWorker {
	if after <= 0 {
		after = 5 * time.Minute
	}
	return &ClaimRecoveryWorker{
		recoverer: recoverer,
		after:     after,
		interval:  time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
		stopCh:    make(chan struct{}),
	}
}

func (w *ClaimRecoveryWorker) WithInterval(interval time.Duration) *ClaimRecoveryWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *ClaimRecoveryWorker) Start(ctx context.Context) {
	zap.L().Info("claim recovery worker starting", zap.Duration("interval", w.interval), zap.Duration("after", w.after))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("claim recovery worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("claim recovery worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *ClaimRecoveryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *ClaimRecoveryWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce recovers one batch and returns how many claims were taken over.
func (w *ClaimRecoveryWorker) RunOnce(ctx context.Context) int {
	n, err := w.recoverer.RecoverStaleClaims(ctx, w.now().Add(-w.after))
	if err != nil {
		observability.IncrementWorkerRun("claim_recovery", "failed")
		zap.L().Error("claim recovery failed", zap.Int("recovered", n), zap.Error(err))
		return n
	}
	observability.IncrementWorkerRun("claim_recovery", "success")
	if n > 0 {
		zap.L().Warn("stale event claims handed to replay", zap.Int("recovered", n))
	}
	return n
}
