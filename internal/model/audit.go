package model

import "time"

// RunRecord audit row written when a run is queued or started
type RunRecord struct {
	RunID       string     `json:"run_id"`
	RequesterID string     `json:"requester_id"`
	Method      Method     `json:"method"`
	Params      []float64  `json:"params"`
	ArtifactRef string     `json:"artifact_ref,omitempty"`
	TotalTasks  int        `json:"total_tasks"`
	WorkerIDs   []string   `json:"worker_ids"`
	Status      RunStatus  `json:"status"`
	InstanceID  string     `json:"instance_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

// BatchRecord audit row for a batch handed to a worker
type BatchRecord struct {
	RunID         string    `json:"run_id"`
	CorrelationID string    `json:"correlation_id"`
	WorkerID      string    `json:"worker_id"`
	BatchIndex    int       `json:"batch_index"`
	TaskIDs       []int     `json:"task_ids"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// ReassignmentRecord audit entry for a batch moved off a lost worker
type ReassignmentRecord struct {
	RunID         string    `json:"run_id"`
	CorrelationID string    `json:"correlation_id"`
	FromWorkerID  string    `json:"from_worker_id"`
	ToWorkerID    string    `json:"to_worker_id"`
	BatchIndex    int       `json:"batch_index"`
	PendingTasks  []int     `json:"pending_tasks"`
	ReassignedAt  time.Time `json:"reassigned_at"`
}

// BatchCompletion audit entry for a batch whose tasks are all done
type BatchCompletion struct {
	RunID         string    `json:"run_id"`
	CorrelationID string    `json:"correlation_id"`
	CompletedAt   time.Time `json:"completed_at"`
}

// RunOutcome terminal audit update of a run
type RunOutcome struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}
