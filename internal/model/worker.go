package model

import (
	"fmt"
	"time"
)

// WorkerSpecs static capabilities declared by a worker on registration
type WorkerSpecs struct {
	Platform            string  `json:"platform"`
	UserAgent           string  `json:"userAgent"`
	Language            string  `json:"language"`
	HardwareConcurrency int     `json:"hardwareConcurrency"`
	DeviceMemory        float64 `json:"deviceMemory"` // GB, 0 when the browser hides it
}

// WorkerPerformance benchmark figures reported by a worker
type WorkerPerformance struct {
	BenchmarkScore float64 `json:"benchmarkScore"`
	Latency        float64 `json:"latency"` // milliseconds
}

// Worker a live compute worker
type Worker struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Specs         WorkerSpecs       `json:"specs"`
	Performance   WorkerPerformance `json:"performance"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// DisplayName builds the label shown to requesters, e.g. "Win32 (2.50)"
func DisplayName(specs WorkerSpecs, score float64) string {
	platform := specs.Platform
	if platform == "" {
		platform = "Unknown"
	}
	return fmt.Sprintf("%s (%.2f)", platform, score)
}

// WorkerSummary entry of the worker list broadcast to requesters
type WorkerSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Specs       WorkerSpecs       `json:"specs"`
	Performance WorkerPerformance `json:"performance"`
}

// Summary converts a worker into its broadcast form
func (w *Worker) Summary() WorkerSummary {
	return WorkerSummary{
		ID:          w.ID,
		Name:        w.Name,
		Specs:       w.Specs,
		Performance: w.Performance,
	}
}

// QueueStatus reservation state of one worker
type QueueStatus struct {
	WorkerID      string `json:"workerId"`
	QueueLength   int    `json:"queueLength"`
	CurrentRun    string `json:"currentRun,omitempty"`
	IsAvailable   bool   `json:"isAvailable"`
	IsCalculating bool   `json:"isCalculating"`
}
