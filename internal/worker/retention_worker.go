package worker

import (
	"context"
	"sync"
	"time"

	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

// Purger deletes records older than a cutoff and reports how many went.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention binds a Purger to how long its records are kept.
type Retention struct {
	Name   string
	Purger Purger
	Keep   time.Duration
}

// RetentionWorker periodically deletes claimed event ids and idempotency records
// that have aged out. A zero Keep disables that target.
type RetentionWorker struct {
	targets  []Retention
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRetentionWorker(targets ...Retention) *RetentionWorker {
	return &RetentionWorker{
		targets:  targets,
		interval: time.Hour,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

func (w *RetentionWorker) WithInterval(interval time.Duration) *RetentionWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *RetentionWorker) Start(ctx context.Context) {
	zap.L().Info("retention worker starting", zap.Duration("interval", w.interval), zap.Int("targets", len(w.targets)))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("retention worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("retention worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *RetentionWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *RetentionWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce purges every enabled target and returns the rows removed per target.
// A failing target does not stop the others.
func (w *RetentionWorker) RunOnce(ctx context.Context) map[string]int64 {
	removed := make(map[string]int64, len(w.targets))
	now := w.now()
	for _, t := range w.targets {
		if t.Keep <= 0 || t.Purger == nil {
			continue
		}
		n, err := t.Purger.PurgeBefore(ctx, now.Add(-t.Keep))
		if err != nil {
			observability.IncrementWorkerRun("retention_"+t.Name, "failed")
			zap.L().Error("retention purge failed", zap.String("target", t.Name), zap.Error(err))
			continue
		}
		removed[t.Name] = n
		observability.IncrementWorkerRun("retention_"+t.Name, "success")
		if n > 0 {
			zap.L().Info("retention purge", zap.String("target", t.Name), zap.Int64("removed", n))
		}
	}
	return removed
}
