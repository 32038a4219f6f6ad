package service

import (
	"context"
	"errors"
	"time"

	"calcgrid/internal/model"
	"calcgrid/internal/scheduler"
	"calcgrid/pkg/logger"
	"calcgrid/pkg/store/mysql"
)

// LiveState read-only access to the scheduler
type LiveState interface {
	Snapshot(ctx context.Context) (model.SchedulerSnapshot, error)
	RunBatches(ctx context.Context, runID string) ([]scheduler.TrackedBatch, error)
}

// RunHistory run rows in the audit store
type RunHistory interface {
	Get(ctx context.Context, runID string) (*mysql.Run, error)
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]*mysql.Run, error)
	Stats(ctx context.Context, since time.Time) (*mysql.RunStats, error)
}

// BatchHistory batch rows in the audit store
type BatchHistory interface {
	ListByRun(ctx context.Context, runID string) ([]*mysql.Batch, error)
}

// ReassignmentHistory reassignment rows in the audit store
type ReassignmentHistory interface {
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*mysql.Reassignment, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// PresenceCounter counts workers mirrored into Redis
type PresenceCounter interface {
	Count(ctx context.Context) (int, error)
}

// BatchView one batch of a run, live or from history
type BatchView struct {
	CorrelationID  string     `json:"correlation_id"`
	WorkerID       string     `json:"worker_id"`
	BatchIndex     int        `json:"batch_index"`
	TaskIDs        []int      `json:"task_ids"`
	Status         string     `json:"status"`
	ReassignedFrom string     `json:"reassigned_from,omitempty"`
	AssignedAt     time.Time  `json:"assigned_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RunBatchesView batches of a run and where they were read from
type RunBatchesView struct {
	RunID   string      `json:"run_id"`
	Live    bool        `json:"live"`
	Batches []BatchView `json:"batches"`
}

// StatsView combined live and historical counters
type StatsView struct {
	Since            time.Time       `json:"since"`
	ConnectedWorkers int             `json:"connected_workers"`
	PresentWorkers   int             `json:"present_workers"`
	ActiveRuns       int             `json:"active_runs"`
	WaitingRuns      int             `json:"waiting_runs"`
	Reassignments    int64           `json:"reassignments"`
	Runs             *mysql.RunStats `json:"runs"`
}

// MonitoringService answers the monitoring API
type MonitoringService struct {
	live          LiveState
	runs          RunHistory
	batches       BatchHistory
	reassignments ReassignmentHistory
	presence      PresenceCounter
}

// NewMonitoringService creates a monitoring service; presence may be nil
func NewMonitoringService(live LiveState, runs RunHistory, batches BatchHistory, reassignments ReassignmentHistory, presence PresenceCounter) *MonitoringService {
	return &MonitoringService{
		live:          live,
		runs:          runs,
		batches:       batches,
		reassignments: reassignments,
		presence:      presence,
	}
}

// Workers connected workers
func (s *MonitoringService) Workers(ctx context.Context) ([]model.Worker, error) {
	snap, err := s.live.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Workers, nil
}

// Active scheduler snapshot: running and waiting runs plus reservations
func (s *MonitoringService) Active(ctx context.Context) (model.SchedulerSnapshot, error) {
	return s.live.Snapshot(ctx)
}

// RunBatches batches of a run. Active runs are read from the scheduler, ended
// runs from the audit store. A run known to neither yields scheduler.ErrRunNotFound.
func (s *MonitoringService) RunBatches(ctx context.Context, runID string) (*RunBatchesView, error) {
	tracked, err := s.live.RunBatches(ctx, runID)
	if err == nil {
		view := &RunBatchesView{RunID: runID, Live: true, Batches: make([]BatchView, 0, len(tracked))}
		for _, b := range tracked {
			ids := make([]int, len(b.Tasks))
			for i, t := range b.Tasks {
				ids[i] = t.ID
			}
			view.Batches = append(view.Batches, BatchView{
				CorrelationID:  b.CorrelationID,
				WorkerID:       b.WorkerID,
				BatchIndex:     b.Index,
				TaskIDs:        ids,
				Status:         string(b.Status),
				ReassignedFrom: b.ReassignedFrom,
				AssignedAt:     b.AssignedAt,
			})
		}
		return view, nil
	}
	if !errors.Is(err, scheduler.ErrRunNotFound) {
		return nil, err
	}

	rows, err := s.batches.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		run, err := s.runs.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, scheduler.ErrRunNotFound
		}
	}

	view := &RunBatchesView{RunID: runID, Batches: make([]BatchView, 0, len(rows))}
	for _, row := range rows {
		view.Batches = append(view.Batches, BatchView{
			CorrelationID:  row.CorrelationID,
			WorkerID:       row.WorkerID,
			BatchIndex:     row.BatchIndex,
			TaskIDs:        []int(row.TaskIDs),
			Status:         row.Status,
			ReassignedFrom: row.ReassignedFrom,
			AssignedAt:     row.AssignedAt,
			CompletedAt:    row.CompletedAt,
		})
	}
	return view, nil
}

// Reassignments recent reassignment history
func (s *MonitoringService) Reassignments(ctx context.Context, since time.Time, limit int) ([]*mysql.Reassignment, error) {
	return s.reassignments.ListRecent(ctx, since, limit)
}

// RequesterHistory runs submitted by a requester, newest first
func (s *MonitoringService) RequesterHistory(ctx context.Context, requesterID string, limit int) ([]*mysql.Run, error) {
	return s.runs.ListByRequester(ctx, requesterID, limit)
}

// Stats counters since the given time
func (s *MonitoringService) Stats(ctx context.Context, since time.Time) (*StatsView, error) {
	snap, err := s.live.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	runStats, err := s.runs.Stats(ctx, since)
	if err != nil {
		return nil, err
	}
	moved, err := s.reassignments.CountSince(ctx, since)
	if err != nil {
		return nil, err
	}

	view := &StatsView{
		Since:            since,
		ConnectedWorkers: len(snap.Workers),
		ActiveRuns:       len(snap.Active),
		WaitingRuns:      len(snap.Waiting),
		Reassignments:    moved,
		Runs:             runStats,
	}
	if s.presence != nil {
		n, err := s.presence.Count(ctx)
		if err != nil {
			logger.WarnCtx(ctx, "failed to count present workers: %v", err)
		} else {
			view.PresentWorkers = n
		}
	}
	return view, nil
}
