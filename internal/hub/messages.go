package hub

import (
	"encoding/json"

	"calcgrid/internal/model"
)

// Inbound message types
const (
	MsgRegister          = "register"
	MsgHeartbeat         = "heartbeat"
	MsgBatchResult       = "batch_result"
	MsgStart             = "start"
	MsgRequestWorkerList = "request_worker_list"
)

// Envelope an inbound frame: {"type": "...", "data": {...}}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RegisterPayload data of a worker's register message
type RegisterPayload struct {
	System      model.WorkerSpecs       `json:"system"`
	Performance model.WorkerPerformance `json:"performance"`
}

// HeartbeatPayload data of a worker's heartbeat message
type HeartbeatPayload struct {
	ActiveTasksCount int     `json:"activeTasksCount"`
	MemoryUsage      float64 `json:"memoryUsage"`
	Timestamp        int64   `json:"timestamp"`
}

// StartPayload data of a requester's start message
type StartPayload struct {
	WorkerIDs  []string         `json:"workerIds"`
	TaskParams model.TaskParams `json:"taskParams"`
}

// RegisterAck reply to a worker's register message
type RegisterAck struct {
	WorkerID string `json:"workerId"`
	Name     string `json:"name"`
}

// StartAck reply to a requester's start message
type StartAck struct {
	Accepted bool   `json:"accepted"`
	Waiting  bool   `json:"waiting"`
	Reason   string `json:"reason,omitempty"`
	RunID    string `json:"runId,omitempty"`
}

func encodeEvent(t model.EventType, data interface{}) ([]byte, error) {
	return json.Marshal(model.Event{Type: t, Data: data})
}

func decodeData(env Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}
