package model

import "time"

// Batch status values
const (
	BatchStatusPending   = "pending"
	BatchStatusCompleted = "completed"
)

// Batch MySQL model for run_batches table. A row follows its batch across
// reassignments; correlation_id is stable for the batch's lifetime.
type Batch struct {
	ID             int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	CorrelationID  string       `gorm:"column:correlation_id;type:varchar(64);not null;uniqueIndex:idx_correlation_id_unique" json:"correlation_id"`
	RunID          string       `gorm:"column:run_id;type:varchar(64);not null;index:idx_run_worker,priority:1" json:"run_id"`
	WorkerID       string       `gorm:"column:worker_id;type:varchar(255);not null;index:idx_run_worker,priority:2" json:"worker_id"`
	BatchIndex     int          `gorm:"column:batch_index;not null" json:"batch_index"`
	TaskIDs        JSONIntArray `gorm:"column:task_ids;type:json" json:"task_ids"`
	TaskCount      int          `gorm:"column:task_count;not null;default:0" json:"task_count"`
	Status         string       `gorm:"column:status;type:varchar(32);not null" json:"status"`
	ReassignedFrom string       `gorm:"column:reassigned_from;type:varchar(255)" json:"reassigned_from,omitempty"`
	AssignedAt     time.Time    `gorm:"column:assigned_at;type:datetime(3);not null" json:"assigned_at"`
	CompletedAt    *time.Time   `gorm:"column:completed_at;type:datetime(3)" json:"completed_at,omitempty"`
}

// TableName specifies the table name for Batch
func (Batch) TableName() string {
	return "run_batches"
}

// Reassignment MySQL model for batch_reassignments table
type Reassignment struct {
	ID            int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID         string       `gorm:"column:run_id;type:varchar(64);not null;index:idx_run_id" json:"run_id"`
	CorrelationID string       `gorm:"column:correlation_id;type:varchar(64);not null;index:idx_correlation_id" json:"correlation_id"`
	FromWorkerID  string       `gorm:"column:from_worker_id;type:varchar(255);not null" json:"from_worker_id"`
	ToWorkerID    string       `gorm:"column:to_worker_id;type:varchar(255);not null" json:"to_worker_id"`
	BatchIndex    int          `gorm:"column:batch_index;not null" json:"batch_index"`
	PendingTasks  JSONIntArray `gorm:"column:pending_tasks;type:json" json:"pending_tasks"`
	ReassignedAt  time.Time    `gorm:"column:reassigned_at;type:datetime(3);not null;index:idx_reassigned_at" json:"reassigned_at"`
}

// TableName specifies the table name for Reassignment
func (Reassignment) TableName() string {
	return "batch_reassignments"
}
