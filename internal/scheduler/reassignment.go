package scheduler

import (
	"context"
	"sort"

	"calcgrid/internal/model"
	"calcgrid/pkg/logger"
)

type candidate struct {
	id    string
	idle  bool
	score float64
}

// candidates lists workers that may take over runID's batches from lostID:
// unheld workers and workers already serving runID. Order is idle first,
// then score descending, then worker id ascending.
func (s *Scheduler) candidates(runID, lostID string) []candidate {
	var out []candidate
	for _, w := range s.registry.List() {
		if w.ID == lostID {
			continue
		}
		holder := s.reservations.Holder(w.ID)
		if holder != "" && holder != runID {
			continue
		}
		out = append(out, candidate{id: w.ID, idle: holder == "", score: w.Performance.BenchmarkScore})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].idle != out[j].idle {
			return out[i].idle
		}
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

// reassign moves every pending batch owned by lostID to replacement workers,
// round-robin over the candidate list. A batch that no candidate accepts
// fails its run, as does a run without candidates.
func (s *Scheduler) reassign(ctx context.Context, lostID string) {
	for _, runID := range s.tracker.AffectedRuns(lostID) {
		run, ok := s.runs[runID]
		if !ok {
			continue
		}
		pending := s.tracker.PendingBatchesForWorker(runID, lostID)
		if len(pending) == 0 {
			continue
		}

		cands := s.candidates(runID, lostID)
		if len(cands) == 0 {
			s.failRun(ctx, run, ReasonNoWorkersAvailable, MsgNoWorkersAfterDisconnect)
			continue
		}

		moved := 0
		for i, pb := range pending {
			if !s.placeBatch(ctx, run, lostID, cands, i, pb) {
				logger.WarnCtx(ctx, "no worker accepted batch %d of run %s from lost worker %s",
					pb.Index, runID, lostID)
				break
			}
			moved++
		}
		if moved < len(pending) {
			s.failRun(ctx, run, ReasonNoWorkersAvailable, MsgNoWorkersAfterDisconnect)
			continue
		}
		logger.InfoCtx(ctx, "reassigned %d batches of run %s from lost worker %s", moved, runID, lostID)
	}
}

// placeBatch offers pb to the candidates starting at position start and
// wrapping around; it reports whether one of them took it
func (s *Scheduler) placeBatch(ctx context.Context, run *runState, lostID string, cands []candidate, start int, pb PendingBatch) bool {
	for k := 0; k < len(cands); k++ {
		target := cands[(start+k)%len(cands)].id
		if s.moveBatch(ctx, run, lostID, target, pb) {
			return true
		}
	}
	return false
}

func (s *Scheduler) moveBatch(ctx context.Context, run *runState, lostID, target string, pb PendingBatch) bool {
	newIndex := s.tracker.NextBatchIndex(run.id, target)
	msg := &model.BatchMessage{
		RunID:         run.id,
		BatchID:       newIndex,
		CorrelationID: pb.CorrelationID,
		ArtifactRef:   run.params.ArtifactRef,
		Method:        run.params.Method,
		Tasks:         pb.Tasks,
	}
	if err := s.dispatcher.Send(ctx, target, msg); err != nil {
		logger.ErrorCtx(ctx, "failed to resend batch %d of run %s to worker %s: %v", pb.Index, run.id, target, err)
		return false
	}
	if err := s.tracker.ReassignBatch(run.id, lostID, pb.Index, target, newIndex); err != nil {
		logger.ErrorCtx(ctx, "failed to move tracked batch: %v", err)
		return false
	}

	if s.reservations.Holder(target) == "" {
		s.reservations.Grant(target, run.id)
		run.workers = append(run.workers, target)
	}

	rec := &model.ReassignmentRecord{
		RunID:         run.id,
		CorrelationID: pb.CorrelationID,
		FromWorkerID:  lostID,
		ToWorkerID:    target,
		BatchIndex:    newIndex,
		PendingTasks:  taskIDs(pb.Tasks),
		ReassignedAt:  s.opts.Clock(),
	}
	s.record(ctx, "reassignment", func(ctx context.Context, audit AuditStore) error {
		return audit.RecordReassignment(ctx, rec)
	})
	return true
}
