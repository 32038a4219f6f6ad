package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"calcgrid/internal/model"
	"calcgrid/pkg/logger"
	"calcgrid/pkg/notification"
	queueasynq "calcgrid/pkg/queue/asynq"
	"calcgrid/pkg/store/mysql"

	"github.com/hibiken/asynq"
)

// RunWriter persists run rows
type RunWriter interface {
	Upsert(ctx context.Context, run *mysql.Run) error
	Complete(ctx context.Context, run *mysql.Run) error
	Get(ctx context.Context, runID string) (*mysql.Run, error)
}

// BatchWriter persists batch rows
type BatchWriter interface {
	Create(ctx context.Context, batch *mysql.Batch) error
	Reassign(ctx context.Context, correlationID, fromWorker, toWorker string, index int) error
	MarkCompleted(ctx context.Context, correlationID string, at time.Time) error
}

// ReassignmentWriter appends reassignment history
type ReassignmentWriter interface {
	Create(ctx context.Context, rec *mysql.Reassignment) error
}

// Enqueuer defers a payload to the background queue
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) error
}

// FailureAlerter notifies operators about failed runs
type FailureAlerter interface {
	SendRunFailure(ctx context.Context, n *notification.RunFailureNotification) error
}

// audit record kinds carried in the queue envelope
const (
	auditRunStart        = "run_start"
	auditBatchAssignment = "batch_assignment"
	auditBatchCompletion = "batch_completion"
	auditReassignment    = "reassignment"
	auditRunOutcome      = "run_outcome"
)

type auditEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// AuditService writes scheduler history to MySQL. With a queue attached the
// writes go through asynq and are retried there; otherwise they are applied
// directly.
type AuditService struct {
	runs          RunWriter
	batches       BatchWriter
	reassignments ReassignmentWriter
	queue         Enqueuer
	alerter       FailureAlerter
}

// NewAuditService creates an audit service on the given repositories
func NewAuditService(runs RunWriter, batches BatchWriter, reassignments ReassignmentWriter) *AuditService {
	return &AuditService{
		runs:          runs,
		batches:       batches,
		reassignments: reassignments,
	}
}

// WithQueue routes writes through q
func (s *AuditService) WithQueue(q Enqueuer) *AuditService {
	s.queue = q
	return s
}

// WithAlerter sends an alert whenever a run ends failed
func (s *AuditService) WithAlerter(a FailureAlerter) *AuditService {
	s.alerter = a
	return s
}

// RecordRunStart records a queued or started run
func (s *AuditService) RecordRunStart(ctx context.Context, rec *model.RunRecord) error {
	return s.submit(ctx, auditRunStart, rec)
}

// RecordBatchAssignment records a batch handed to a worker
func (s *AuditService) RecordBatchAssignment(ctx context.Context, rec *model.BatchRecord) error {
	return s.submit(ctx, auditBatchAssignment, rec)
}

// RecordBatchCompletion marks a batch as completed
func (s *AuditService) RecordBatchCompletion(ctx context.Context, rec *model.BatchCompletion) error {
	return s.submit(ctx, auditBatchCompletion, rec)
}

// RecordReassignment records a batch moved to another worker
func (s *AuditService) RecordReassignment(ctx context.Context, rec *model.ReassignmentRecord) error {
	return s.submit(ctx, auditReassignment, rec)
}

// RecordRunOutcome records the terminal state of a run
func (s *AuditService) RecordRunOutcome(ctx context.Context, outcome *model.RunOutcome) error {
	return s.submit(ctx, auditRunOutcome, outcome)
}

func (s *AuditService) submit(ctx context.Context, kind string, rec interface{}) error {
	if s.queue != nil {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", kind, err)
		}
		err = s.queue.Enqueue(ctx, queueasynq.TypeAuditRecord, &auditEnvelope{Kind: kind, Payload: payload})
		if err == nil {
			return nil
		}
		logger.WarnCtx(ctx, "failed to enqueue %s record, writing directly: %v", kind, err)
	}
	return s.apply(ctx, kind, rec)
}

// HandleAuditTask is the asynq handler for TypeAuditRecord
func (s *AuditService) HandleAuditTask(ctx context.Context, t *asynq.Task) error {
	var env auditEnvelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return fmt.Errorf("invalid audit envelope: %v: %w", err, asynq.SkipRetry)
	}

	var rec interface{}
	switch env.Kind {
	case auditRunStart:
		rec = &model.RunRecord{}
	case auditBatchAssignment:
		rec = &model.BatchRecord{}
	case auditBatchCompletion:
		rec = &model.BatchCompletion{}
	case auditReassignment:
		rec = &model.ReassignmentRecord{}
	case auditRunOutcome:
		rec = &model.RunOutcome{}
	default:
		return fmt.Errorf("unknown audit kind %q: %w", env.Kind, asynq.SkipRetry)
	}
	if err := json.Unmarshal(env.Payload, rec); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", env.Kind, err, asynq.SkipRetry)
	}
	return s.apply(ctx, env.Kind, rec)
}

func (s *AuditService) apply(ctx context.Context, kind string, rec interface{}) error {
	switch r := rec.(type) {
	case *model.RunRecord:
		return s.runs.Upsert(ctx, toRunRow(r))
	case *model.BatchRecord:
		return s.batches.Create(ctx, toBatchRow(r))
	case *model.BatchCompletion:
		return s.batches.MarkCompleted(ctx, r.CorrelationID, r.CompletedAt)
	case *model.ReassignmentRecord:
		if err := s.batches.Reassign(ctx, r.CorrelationID, r.FromWorkerID, r.ToWorkerID, r.BatchIndex); err != nil {
			return err
		}
		return s.reassignments.Create(ctx, toReassignmentRow(r))
	case *model.RunOutcome:
		if err := s.runs.Complete(ctx, toOutcomeRow(r)); err != nil {
			return err
		}
		if r.Status == model.RunStatusFailed {
			s.alertFailure(ctx, r)
		}
		return nil
	}
	return fmt.Errorf("unsupported audit record %s (%T)", kind, rec)
}

func (s *AuditService) alertFailure(ctx context.Context, outcome *model.RunOutcome) {
	if s.alerter == nil {
		return
	}

	n := &notification.RunFailureNotification{
		RunID:    outcome.RunID,
		Status:   string(outcome.Status),
		Reason:   outcome.Error,
		FailedAt: outcome.CompletedAt,
	}
	if run, err := s.runs.Get(ctx, outcome.RunID); err == nil && run != nil {
		n.RequesterID = run.RequesterID
		n.TotalTasks = run.TotalTasks
	}

	if err := s.alerter.SendRunFailure(ctx, n); err != nil {
		logger.WarnCtx(ctx, "failed to send failure alert for run %s: %v", outcome.RunID, err)
	}
}

func toRunRow(r *model.RunRecord) *mysql.Run {
	return &mysql.Run{
		RunID:       r.RunID,
		RequesterID: r.RequesterID,
		Method:      string(r.Method),
		Params:      mysql.JSONFloatArray(r.Params),
		ArtifactRef: r.ArtifactRef,
		TotalTasks:  r.TotalTasks,
		WorkerIDs:   mysql.JSONStringArray(r.WorkerIDs),
		Status:      string(r.Status),
		InstanceID:  r.InstanceID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   time.Now(),
		StartedAt:   r.StartedAt,
	}
}

func toBatchRow(r *model.BatchRecord) *mysql.Batch {
	return &mysql.Batch{
		CorrelationID: r.CorrelationID,
		RunID:         r.RunID,
		WorkerID:      r.WorkerID,
		BatchIndex:    r.BatchIndex,
		TaskIDs:       mysql.JSONIntArray(r.TaskIDs),
		TaskCount:     len(r.TaskIDs),
		Status:        string(model.BatchStatusPending),
		AssignedAt:    r.AssignedAt,
	}
}

func toReassignmentRow(r *model.ReassignmentRecord) *mysql.Reassignment {
	return &mysql.Reassignment{
		RunID:         r.RunID,
		CorrelationID: r.CorrelationID,
		FromWorkerID:  r.FromWorkerID,
		ToWorkerID:    r.ToWorkerID,
		BatchIndex:    r.BatchIndex,
		PendingTasks:  mysql.JSONIntArray(r.PendingTasks),
		ReassignedAt:  r.ReassignedAt,
	}
}

func toOutcomeRow(o *model.RunOutcome) *mysql.Run {
	completedAt := o.CompletedAt
	return &mysql.Run{
		RunID:       o.RunID,
		Status:      string(o.Status),
		Result:      o.Result,
		Error:       o.Error,
		DurationMs:  o.DurationMs,
		CreatedAt:   completedAt,
		CompletedAt: &completedAt,
	}
}
