package scheduler

import (
	"context"

	"calcgrid/internal/model"
)

// Dispatcher delivers batches to a worker's durable queue
type Dispatcher interface {
	Send(ctx context.Context, workerID string, batch *model.BatchMessage) error
	// Drop discards a disconnected worker's queue
	Drop(ctx context.Context, workerID string) error
}

// Notifier pushes events to requesters. Implementations must not block.
type Notifier interface {
	Notify(requesterID string, event model.Event)
	Broadcast(event model.Event)
}

// Finalizer turns a run's buffered contributions into its final result
type Finalizer interface {
	Finalize(ctx context.Context, req *model.FinalizeRequest) (string, error)
}

// AuditStore persists run history. Calls are made off the scheduler loop and
// failures are logged only.
type AuditStore interface {
	RecordRunStart(ctx context.Context, rec *model.RunRecord) error
	RecordBatchAssignment(ctx context.Context, rec *model.BatchRecord) error
	RecordBatchCompletion(ctx context.Context, rec *model.BatchCompletion) error
	RecordReassignment(ctx context.Context, rec *model.ReassignmentRecord) error
	RecordRunOutcome(ctx context.Context, outcome *model.RunOutcome) error
}
