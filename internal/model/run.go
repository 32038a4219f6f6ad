package model

import "time"

// RunStatus lifecycle status of a run as recorded in the audit store
type RunStatus string

const (
	RunStatusPending             RunStatus = "pending"   // waiting for workers
	RunStatusRunning             RunStatus = "running"   // batches dispatched
	RunStatusCompleted           RunStatus = "completed" // all tasks done, finalized
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
	RunStatusCancelled           RunStatus = "cancelled" // requester went away
)

// IsTerminal reports whether no further transitions are possible
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithErrors, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// BatchStatus status of a tracked batch
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusCompleted BatchStatus = "completed"
)

// RunRequest a requester's ask to compute TaskParams on the given workers
type RunRequest struct {
	RequesterID string     `json:"requesterId"`
	WorkerIDs   []string   `json:"workerIds"`
	Params      TaskParams `json:"taskParams"`
}

// Admission outcome of RequestRun
type Admission struct {
	RunID    string `json:"runId,omitempty"`
	Accepted bool   `json:"accepted"`
	Waiting  bool   `json:"waiting"`
	Reason   string `json:"reason,omitempty"`
}

// BatchResult a worker's report for (part of) a batch
type BatchResult struct {
	RunID            string    `json:"runId"`
	WorkerID         string    `json:"-"`
	BatchID          int       `json:"batchId"`
	TasksCount       int       `json:"tasksCount"`
	Results          []float64 `json:"results"`
	CompletedTaskIDs []int     `json:"completedTaskIds,omitempty"`
}

// FinalizeRequest input of the result finalizer
type FinalizeRequest struct {
	RunID         string
	Method        Method
	Params        []float64
	Contributions []float64
}

// RunSnapshot monitoring view of an active run
type RunSnapshot struct {
	RunID            string    `json:"run_id"`
	RequesterID      string    `json:"requester_id"`
	Method           Method    `json:"method"`
	Workers          []string  `json:"workers"`
	TotalTasks       int       `json:"total_tasks"`
	CompletedTasks   int       `json:"completed_tasks"`
	Progress         float64   `json:"progress"`
	TotalBatches     int       `json:"total_batches"`
	CompletedBatches int       `json:"completed_batches"`
	StartedAt        time.Time `json:"started_at"`
	ElapsedMs        int64     `json:"elapsed_ms"`
}

// WaitingSnapshot monitoring view of a queued run
type WaitingSnapshot struct {
	RunID       string    `json:"run_id"`
	RequesterID string    `json:"requester_id"`
	Workers     []string  `json:"workers"`
	TotalTasks  int       `json:"total_tasks"`
	QueuedAt    time.Time `json:"queued_at"`
}

// SchedulerSnapshot point-in-time view of scheduler state
type SchedulerSnapshot struct {
	Workers []Worker               `json:"workers"`
	Active  []RunSnapshot          `json:"active"`
	Waiting []WaitingSnapshot      `json:"waiting"`
	Queues  map[string]QueueStatus `json:"queues"`
}
