package scheduler

import (
	"context"
	"strconv"
	"time"

	"calcgrid/internal/model"
	"calcgrid/pkg/logger"
)

func (s *Scheduler) batchResult(ctx context.Context, res model.BatchResult) {
	run, ok := s.runs[res.RunID]
	if !ok {
		logger.DebugCtx(ctx, "dropping result for unknown run %s from worker %s", res.RunID, res.WorkerID)
		return
	}

	ids := res.CompletedTaskIDs
	if len(ids) == 0 {
		// count-only result: the batch it answers names the tasks
		batchIDs, found := s.tracker.BatchTaskIDs(run.id, res.WorkerID, res.BatchID)
		if !found {
			logger.WarnCtx(ctx, "dropping result without task ids for unknown batch %d of run %s from worker %s",
				res.BatchID, run.id, res.WorkerID)
			return
		}
		ids = batchIDs
	}

	cr := s.tracker.MarkCompleted(run.id, ids)
	if len(cr.Newly) == 0 {
		logger.DebugCtx(ctx, "result for batch %d of run %s from worker %s completed nothing new",
			res.BatchID, run.id, res.WorkerID)
		return
	}
	s.recordRetired(ctx, run.id, cr.Retired)

	run.contributions = append(run.contributions, res.Results...)
	run.completed = s.tracker.CompletedCount(run.id)

	now := s.opts.Clock()
	if run.completed >= run.total {
		s.completeRun(ctx, run, now)
		s.sweep(ctx)
		s.broadcastQueueStatus()
		return
	}

	if now.Sub(run.lastProgress) > s.opts.ProgressInterval {
		s.emitProgress(run, now)
	}
}

func (s *Scheduler) emitProgress(run *runState, now time.Time) {
	run.lastProgress = now
	s.notifier.Notify(run.requesterID, model.Event{
		Type: model.EventTaskProgress,
		Data: model.Progress{
			RunID:       run.id,
			Done:        run.completed,
			Total:       run.total,
			ElapsedTime: now.Sub(run.startedAt).Milliseconds(),
		},
	})
}

// completeRun always emits a final progress event, then the final result.
// A failed finalization degrades to the plain sum of contributions.
func (s *Scheduler) completeRun(ctx context.Context, run *runState, now time.Time) {
	s.emitProgress(run, now)

	fctx, cancel := context.WithTimeout(ctx, s.opts.FinalizeTimeout)
	result, err := s.finalizer.Finalize(fctx, &model.FinalizeRequest{
		RunID:         run.id,
		Method:        run.params.Method,
		Params:        run.params.Params,
		Contributions: run.contributions,
	})
	cancel()

	duration := now.Sub(run.startedAt)
	final := model.FinalResult{
		RunID:    run.id,
		Result:   result,
		Duration: duration.Milliseconds(),
		Status:   model.RunStatusCompleted,
	}
	if err != nil {
		logger.WarnCtx(ctx, "finalization of run %s failed, falling back to sum: %v", run.id, err)
		final.Result = FormatSum(run.contributions)
		final.Status = model.RunStatusCompletedWithErrors
		final.Error = MsgFinalizeFallback
	}

	s.notifier.Notify(run.requesterID, model.Event{Type: model.EventFinalResult, Data: final})
	logger.InfoCtx(ctx, "run %s %s in %v, tasks: %d", run.id, final.Status, duration, run.total)

	s.recordOutcome(ctx, &model.RunOutcome{
		RunID:       run.id,
		Status:      final.Status,
		Result:      final.Result,
		Error:       final.Error,
		CompletedAt: now,
		DurationMs:  final.Duration,
	})
	s.endRun(run)
}

func (s *Scheduler) recordRetired(ctx context.Context, runID string, retired []TrackedBatch) {
	if len(retired) == 0 {
		return
	}
	now := s.opts.Clock()
	for _, b := range retired {
		rec := &model.BatchCompletion{RunID: runID, CorrelationID: b.CorrelationID, CompletedAt: now}
		s.record(ctx, "batch completion", func(ctx context.Context, audit AuditStore) error {
			return audit.RecordBatchCompletion(ctx, rec)
		})
	}
}

// FormatSum renders the sum of contributions as the degraded result
func FormatSum(contributions []float64) string {
	var sum float64
	for _, c := range contributions {
		sum += c
	}
	return strconv.FormatFloat(sum, 'g', -1, 64)
}
