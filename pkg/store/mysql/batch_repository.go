package mysql

import (
	"context"
	"fmt"
	"time"

	"calcgrid/pkg/store/mysql/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchRepository handles batch persistence in MySQL
type BatchRepository struct {
	ds *Datastore
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(ds *Datastore) *BatchRepository {
	return &BatchRepository{ds: ds}
}

// Create records a dispatched batch; a replayed write is ignored
func (r *BatchRepository) Create(ctx context.Context, batch *Batch) error {
	err := r.ds.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "correlation_id"}},
		DoNothing: true,
	}).Create(batch).Error
	if err != nil {
		return fmt.Errorf("failed to create batch %s: %w", batch.CorrelationID, err)
	}
	return nil
}

func reassignBatchQuery(db *gorm.DB, correlationID, fromWorker, toWorker string, index int) *gorm.DB {
	return db.Model(&Batch{}).
		Where("correlation_id = ? AND status = ?", correlationID, model.BatchStatusPending).
		Updates(map[string]interface{}{
			"worker_id":       toWorker,
			"batch_index":     index,
			"reassigned_from": fromWorker,
		})
}

// Reassign moves a pending batch row to its new owner
func (r *BatchRepository) Reassign(ctx context.Context, correlationID, fromWorker, toWorker string, index int) error {
	if err := reassignBatchQuery(r.ds.DB(ctx), correlationID, fromWorker, toWorker, index).Error; err != nil {
		return fmt.Errorf("failed to reassign batch %s: %w", correlationID, err)
	}
	return nil
}

// MarkCompleted flags a pending batch as completed
func (r *BatchRepository) MarkCompleted(ctx context.Context, correlationID string, at time.Time) error {
	err := r.ds.DB(ctx).Model(&Batch{}).
		Where("correlation_id = ? AND status = ?", correlationID, model.BatchStatusPending).
		Updates(map[string]interface{}{
			"status":       model.BatchStatusCompleted,
			"completed_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to complete batch %s: %w", correlationID, err)
	}
	return nil
}

// ListByRun all batches of a run ordered by worker and index
func (r *BatchRepository) ListByRun(ctx context.Context, runID string) ([]*Batch, error) {
	var batches []*Batch
	err := r.ds.DB(ctx).
		Where("run_id = ?", runID).
		Order("worker_id ASC, batch_index ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list batches of run %s: %w", runID, err)
	}
	return batches, nil
}

// ReassignmentRepository handles reassignment history in MySQL
type ReassignmentRepository struct {
	ds *Datastore
}

// NewReassignmentRepository creates a new reassignment repository
func NewReassignmentRepository(ds *Datastore) *ReassignmentRepository {
	return &ReassignmentRepository{ds: ds}
}

// Create appends a reassignment entry
func (r *ReassignmentRepository) Create(ctx context.Context, rec *Reassignment) error {
	if err := r.ds.DB(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record reassignment of %s: %w", rec.CorrelationID, err)
	}
	return nil
}

// ListRecent newest entries since the given time
func (r *ReassignmentRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]*Reassignment, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*Reassignment
	err := r.ds.DB(ctx).
		Where("reassigned_at >= ?", since).
		Order("reassigned_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reassignments: %w", err)
	}
	return recs, nil
}

// CountSince number of reassignments since the given time
func (r *ReassignmentRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := r.ds.DB(ctx).Model(&Reassignment{}).Where("reassigned_at >= ?", since).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count reassignments: %w", err)
	}
	return n, nil
}
