package scheduler

import (
	"context"
	"fmt"

	"calcgrid/internal/model"
	"calcgrid/pkg/logger"
)

func (s *Scheduler) requestRun(ctx context.Context, req model.RunRequest) (model.Admission, error) {
	if runID, busy := s.byRequester[req.RequesterID]; busy {
		return model.Admission{}, fmt.Errorf("%w: run %s", ErrRunInProgress, runID)
	}

	tasks, err := model.GenerateTasks(req.Params)
	if err != nil {
		return model.Admission{}, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if len(tasks) == 0 {
		return model.Admission{}, ErrEmptyTaskSet
	}

	workers := s.registry.Filter(req.WorkerIDs)
	if len(workers) == 0 {
		return model.Admission{}, fmt.Errorf("%w: requested %v", ErrNoValidWorkers, req.WorkerIDs)
	}

	runID := s.opts.NewID()
	now := s.opts.Clock()
	s.byRequester[req.RequesterID] = runID

	if s.reservations.TryReserve(runID, workers) {
		s.startRun(ctx, &runState{
			id:          runID,
			requesterID: req.RequesterID,
			params:      req.Params,
			workers:     workers,
		}, tasks)
		s.broadcastQueueStatus()
		return model.Admission{RunID: runID, Accepted: true}, nil
	}

	s.waiting = append(s.waiting, &waitingRun{
		id:          runID,
		requesterID: req.RequesterID,
		params:      req.Params,
		tasks:       tasks,
		workers:     workers,
		queuedAt:    now,
	})
	s.reservations.Enqueue(runID, workers)
	logger.InfoCtx(ctx, "run %s queued for workers %v, waiting runs: %d", runID, workers, len(s.waiting))

	rec := &model.RunRecord{
		RunID:       runID,
		RequesterID: req.RequesterID,
		Method:      req.Params.Method,
		Params:      req.Params.Params,
		ArtifactRef: req.Params.ArtifactRef,
		TotalTasks:  len(tasks),
		WorkerIDs:   workers,
		Status:      model.RunStatusPending,
		InstanceID:  s.opts.InstanceID,
		CreatedAt:   now,
	}
	s.record(ctx, "run start", func(ctx context.Context, audit AuditStore) error {
		return audit.RecordRunStart(ctx, rec)
	})

	s.broadcastQueueStatus()
	return model.Admission{RunID: runID, Accepted: true, Waiting: true}, nil
}

// startRun dispatches every batch of a run whose workers are already reserved
func (s *Scheduler) startRun(ctx context.Context, run *runState, tasks []model.Task) {
	now := s.opts.Clock()
	run.total = len(tasks)
	run.startedAt = now
	run.lastProgress = now
	s.runs[run.id] = run
	s.byRequester[run.requesterID] = run.id
	s.tracker.StartRun(run.id, run.total, now)

	rec := &model.RunRecord{
		RunID:       run.id,
		RequesterID: run.requesterID,
		Method:      run.params.Method,
		Params:      run.params.Params,
		ArtifactRef: run.params.ArtifactRef,
		TotalTasks:  run.total,
		WorkerIDs:   append([]string(nil), run.workers...),
		Status:      model.RunStatusRunning,
		InstanceID:  s.opts.InstanceID,
		CreatedAt:   now,
		StartedAt:   &now,
	}
	s.record(ctx, "run start", func(ctx context.Context, audit AuditStore) error {
		return audit.RecordRunStart(ctx, rec)
	})

	plan := Plan(tasks, s.weighted(run.workers), s.opts.BatchCount, s.opts.DefaultScore)
	batches := 0
	for _, a := range plan {
		for idx, batch := range a.Batches {
			s.dispatchBatch(ctx, run, a.WorkerID, idx, s.opts.NewID(), batch)
			batches++
		}
	}
	logger.InfoCtx(ctx, "run %s started, tasks: %d, workers: %d, batches: %d",
		run.id, run.total, len(plan), batches)
}

// dispatchBatch sends a batch and tracks it. A failed send leaves the batch
// pending so it is recovered if the worker goes away.
func (s *Scheduler) dispatchBatch(ctx context.Context, run *runState, workerID string, index int, correlationID string, tasks []model.Task) {
	msg := &model.BatchMessage{
		RunID:         run.id,
		BatchID:       index,
		CorrelationID: correlationID,
		ArtifactRef:   run.params.ArtifactRef,
		Method:        run.params.Method,
		Tasks:         tasks,
	}
	if err := s.dispatcher.Send(ctx, workerID, msg); err != nil {
		logger.ErrorCtx(ctx, "failed to send batch %d of run %s to worker %s: %v", index, run.id, workerID, err)
	}

	now := s.opts.Clock()
	if err := s.tracker.RegisterBatch(run.id, workerID, index, correlationID, tasks, now); err != nil {
		logger.ErrorCtx(ctx, "failed to track batch: %v", err)
		return
	}

	rec := &model.BatchRecord{
		RunID:         run.id,
		CorrelationID: correlationID,
		WorkerID:      workerID,
		BatchIndex:    index,
		TaskIDs:       taskIDs(tasks),
		AssignedAt:    now,
	}
	s.record(ctx, "batch assignment", func(ctx context.Context, audit AuditStore) error {
		return audit.RecordBatchAssignment(ctx, rec)
	})
}

// sweep promotes waiting runs in arrival order. A run starts only when all
// its workers are free and it heads each of their queues.
func (s *Scheduler) sweep(ctx context.Context) {
	for i := 0; i < len(s.waiting); {
		w := s.waiting[i]
		if !s.reservations.AllFree(w.workers) || !s.reservations.IsNext(w.id, w.workers) {
			i++
			continue
		}

		s.waiting = append(s.waiting[:i:i], s.waiting[i+1:]...)
		s.reservations.RemoveFromQueues(w.id)
		s.promote(ctx, w)
	}
}

func (s *Scheduler) promote(ctx context.Context, w *waitingRun) {
	alive := s.registry.Filter(w.workers)
	if len(alive) == 0 {
		logger.WarnCtx(ctx, "waiting run %s has no live workers left", w.id)
		if s.byRequester[w.requesterID] == w.id {
			delete(s.byRequester, w.requesterID)
		}
		s.notifier.Notify(w.requesterID, model.Event{
			Type: model.EventTaskError,
			Data: model.RunError{RunID: w.id, Reason: ReasonNoWorkersAvailable, Message: MsgNoWorkersToProcess},
		})
		s.recordOutcome(ctx, &model.RunOutcome{
			RunID:       w.id,
			Status:      model.RunStatusFailed,
			Error:       MsgNoWorkersToProcess,
			CompletedAt: s.opts.Clock(),
		})
		return
	}

	s.reservations.TryReserve(w.id, alive)
	logger.InfoCtx(ctx, "promoting waiting run %s to workers %v", w.id, alive)
	s.startRun(ctx, &runState{
		id:          w.id,
		requesterID: w.requesterID,
		params:      w.params,
		workers:     alive,
	}, w.tasks)
}

func (s *Scheduler) weighted(ids []string) []WeightedWorker {
	out := make([]WeightedWorker, 0, len(ids))
	for _, id := range ids {
		w, _ := s.registry.Get(id)
		out = append(out, WeightedWorker{ID: id, Score: w.Performance.BenchmarkScore})
	}
	return out
}

func taskIDs(tasks []model.Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
