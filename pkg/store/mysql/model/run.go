package model

import "time"

// Run status values as stored in runs.status
const (
	RunStatusPending             = "pending"
	RunStatusRunning             = "running"
	RunStatusCompleted           = "completed"
	RunStatusCompletedWithErrors = "completed_with_errors"
	RunStatusFailed              = "failed"
	RunStatusCancelled           = "cancelled"
)

// TerminalStatuses statuses a run never leaves
var TerminalStatuses = []string{
	RunStatusCompleted,
	RunStatusCompletedWithErrors,
	RunStatusFailed,
	RunStatusCancelled,
}

// Run MySQL model for runs table, one row per run
type Run struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string          `gorm:"column:run_id;type:varchar(64);not null;uniqueIndex:idx_run_id_unique" json:"run_id"`
	RequesterID string          `gorm:"column:requester_id;type:varchar(255);not null;index:idx_requester_created,priority:1" json:"requester_id"`
	Method      string          `gorm:"column:method;type:varchar(32);not null" json:"method"`
	Params      JSONFloatArray  `gorm:"column:params;type:json" json:"params"`
	ArtifactRef string          `gorm:"column:artifact_ref;type:varchar(1000)" json:"artifact_ref,omitempty"`
	TotalTasks  int             `gorm:"column:total_tasks;not null;default:0" json:"total_tasks"`
	WorkerIDs   JSONStringArray `gorm:"column:worker_ids;type:json" json:"worker_ids"`
	Status      string          `gorm:"column:status;type:varchar(32);not null;index:idx_status_created,priority:1" json:"status"`
	Result      string          `gorm:"column:result;type:text" json:"result,omitempty"`
	Error       string          `gorm:"column:error;type:text" json:"error,omitempty"`
	DurationMs  int64           `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	InstanceID  string          `gorm:"column:instance_id;type:varchar(64);not null;default:'';index:idx_instance_id" json:"instance_id,omitempty"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:datetime(3);not null;index:idx_requester_created,priority:2;index:idx_status_created,priority:2" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;type:datetime(3);not null" json:"updated_at"`
	StartedAt   *time.Time      `gorm:"column:started_at;type:datetime(3)" json:"started_at,omitempty"`
	CompletedAt *time.Time      `gorm:"column:completed_at;type:datetime(3);index:idx_completed_at" json:"completed_at,omitempty"`
}

// TableName specifies the table name for Run
func (Run) TableName() string {
	return "runs"
}

// IsTerminal reports whether status is final
func IsTerminal(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// StaleRun an unfinished run row and the scheduler instance that owns it
type StaleRun struct {
	RunID      string `gorm:"column:run_id"`
	InstanceID string `gorm:"column:instance_id"`
}

// RunStats aggregated run counters
type RunStats struct {
	Total               int64   `json:"total"`
	Pending             int64   `json:"pending"`
	Running             int64   `json:"running"`
	Completed           int64   `json:"completed"`
	CompletedWithErrors int64   `json:"completed_with_errors"`
	Failed              int64   `json:"failed"`
	Cancelled           int64   `json:"cancelled"`
	AvgDurationMs       float64 `json:"avg_duration_ms"`
}
