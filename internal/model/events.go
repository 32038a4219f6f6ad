package model

// EventType type tag of a message sent to requesters
type EventType string

const (
	EventWorkerUpdate EventType = "worker_update"
	EventQueueStatus  EventType = "queue_status"
	EventStartAck     EventType = "start_ack"
	EventTaskProgress EventType = "task_progress"
	EventFinalResult  EventType = "final_result"
	EventTaskError    EventType = "task_error"
	EventRegisterAck  EventType = "register_ack"
	EventTaskBatch    EventType = "task_batch"
)

// Event envelope written to a websocket as {"type": ..., "data": ...}
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Progress payload of task_progress
type Progress struct {
	RunID       string `json:"runId"`
	Done        int    `json:"done"`
	Total       int    `json:"total"`
	ElapsedTime int64  `json:"elapsedTime"` // milliseconds
}

// FinalResult payload of final_result
type FinalResult struct {
	RunID    string    `json:"runId"`
	Result   string    `json:"result"`
	Duration int64     `json:"duration"` // milliseconds
	Status   RunStatus `json:"status"`
	Error    string    `json:"error,omitempty"`
}

// RunError payload of task_error
type RunError struct {
	RunID   string `json:"runId"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// BatchMessage a batch pushed to a worker's delivery queue
type BatchMessage struct {
	RunID         string `json:"runId" msgpack:"runId"`
	BatchID       int    `json:"batchId" msgpack:"batchId"`
	CorrelationID string `json:"correlationId" msgpack:"correlationId"`
	ArtifactRef   string `json:"artifactRef,omitempty" msgpack:"artifactRef"`
	Method        Method `json:"method" msgpack:"method"`
	Tasks         []Task `json:"tasks" msgpack:"tasks"`
}
