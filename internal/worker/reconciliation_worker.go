package worker

import (
	"context"
	"sync"
	"time"

	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

// SupplyChecker verifies the coin supply invariants.
type SupplyChecker interface {
	Run(ctx context.Context) (models.SupplySnapshot, bool, error)
}

// ReconciliationWorker checks the coin supply on a fixed interval.
type ReconciliationWorker struct {
	checker  SupplyChecker
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciliationWorker constructs a worker with an hourly interval.
func NewReconciliationWorker(checker SupplyChecker) *ReconciliationWorker {
	return &ReconciliationWorker{
		checker:  checker,
		interval: time.Hour,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs a check at startup and then every interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce performs a single check and returns its result label.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) string {
	_, balanced, err := w.checker.Run(ctx)
	result := "balanced"
	switch {
	case err != nil:
		result = "failed"
		zap.L().Error("reconciliation run failed", zap.Error(err))
	case !balanced:
		result = "imbalanced"
	}
	observability.IncrementWorkerRun("reconciliation", result)
	return result
}
