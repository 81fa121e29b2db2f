package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

const defaultReplayAttempts = 10

// CreditReplayArgs identifies a claimed credit event whose application failed.
type CreditReplayArgs struct {
	EventID string `json:"event_id"`
}

func (CreditReplayArgs) Kind() string { return "credit_replay" }

// CreditReplayer re-applies a failed credit event.
type CreditReplayer interface {
	Replay(ctx context.Context, eventID string) (string, error)
}

// CreditReplayWorker drives failed credits to completion. Ordinary failures are
// returned so River retries with backoff; a consistency failure cancels the job since
// retrying could credit twice.
type CreditReplayWorker struct {
	river.WorkerDefaults[CreditReplayArgs]
	replayer CreditReplayer
}

func NewCreditReplayWorker(replayer CreditReplayer) *CreditReplayWorker {
	return &CreditReplayWorker{replayer: replayer}
}

func (w *CreditReplayWorker) Work(ctx context.Context, job *river.Job[CreditReplayArgs]) error {
	logger := zap.L().With(
		zap.String("event_id", job.Args.EventID),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts))

	result, err := w.replayer.Replay(ctx, job.Args.EventID)
	switch {
	case errors.Is(err, models.ErrConsistencyFailure):
		observability.IncrementWorkerRun("credit_replay", "cancelled")
		logger.Error("CRITICAL: credit replay outcome unknown; not retrying", zap.Error(err))
		return river.JobCancel(err)
	case errors.Is(err, models.ErrEventNotFound):
		observability.IncrementWorkerRun("credit_replay", "cancelled")
		logger.Warn("credit replay for unknown event", zap.Error(err))
		return river.JobCancel(err)
	case err != nil:
		observability.IncrementWorkerRun("credit_replay", "failed")
		if job.Attempt >= job.MaxAttempts {
			logger.Error("CRITICAL: credit replay attempts exhausted", zap.Error(err))
		} else {
			logger.Warn("credit replay failed; will retry", zap.Error(err))
		}
		return err
	}

	observability.IncrementWorkerRun("credit_replay", "success")
	logger.Info("credit replay finished", zap.String("result", result))
	return nil
}

// JobInserter is the subset of *river.Client used to enqueue jobs.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverReplayer enqueues credit replays. Jobs are unique by event id, so escalating
// the same event twice schedules one replay.
type RiverReplayer struct {
	inserter    JobInserter
	maxAttempts int
}

func NewRiverReplayer(inserter JobInserter, maxAttempts int) *RiverReplayer {
	if maxAttempts <= 0 {
		maxAttempts = defaultReplayAttempts
	}
	return &RiverReplayer{inserter: inserter, maxAttempts: maxAttempts}
}

func (r *RiverReplayer) EnqueueCreditReplay(ctx context.Context, eventID string) error {
	res, err := r.inserter.Insert(ctx, CreditReplayArgs{EventID: eventID}, &river.InsertOpts{
		MaxAttempts: r.maxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("enqueue credit replay %s: %w", eventID, err)
	}
	if res != nil && res.UniqueSkippedAsDuplicate {
		zap.L().Debug("credit replay already queued", zap.String("event_id", eventID))
	}
	return nil
}
