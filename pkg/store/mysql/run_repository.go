package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calcgrid/pkg/store/mysql/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunRepository handles run persistence in MySQL
type RunRepository struct {
	ds *Datastore
}

// NewRunRepository creates a new run repository
func NewRunRepository(ds *Datastore) *RunRepository {
	return &RunRepository{ds: ds}
}

// upsertRunQuery inserts a run, or refreshes an existing row. Terminal
// statuses are never overwritten, so a late "running" write cannot revive a
// run that already ended.
func upsertRunQuery(db *gorm.DB, run *Run) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":      gorm.Expr("IF(status IN ?, status, VALUES(status))", model.TerminalStatuses),
			"worker_ids":  gorm.Expr("VALUES(worker_ids)"),
			"instance_id": gorm.Expr("VALUES(instance_id)"),
			"total_tasks": gorm.Expr("VALUES(total_tasks)"),
			"started_at":  gorm.Expr("COALESCE(VALUES(started_at), started_at)"),
			"updated_at":  gorm.Expr("VALUES(updated_at)"),
		}),
	}).Create(run)
}

// Upsert records a queued or started run keyed by run_id
func (r *RunRepository) Upsert(ctx context.Context, run *Run) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now()
	}
	if err := upsertRunQuery(r.ds.DB(ctx), run).Error; err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.RunID, err)
	}
	return nil
}

func completeRunQuery(db *gorm.DB, runID string, updates map[string]interface{}) *gorm.DB {
	return db.Model(&Run{}).Where("run_id = ?", runID).Updates(updates)
}

// Complete writes a run's terminal state. When the start record has not
// landed yet a minimal row is inserted so the outcome is never lost.
func (r *RunRepository) Complete(ctx context.Context, run *Run) error {
	updates := map[string]interface{}{
		"status":       run.Status,
		"result":       run.Result,
		"error":        run.Error,
		"completed_at": run.CompletedAt,
		"duration_ms":  run.DurationMs,
		"updated_at":   time.Now(),
	}
	res := completeRunQuery(r.ds.DB(ctx), run.RunID, updates)
	if res.Error != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.RunID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.UpdatedAt = time.Now()
	err := r.ds.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(run).Error
	if err != nil {
		return fmt.Errorf("failed to insert outcome of run %s: %w", run.RunID, err)
	}
	return nil
}

// Get retrieves a run by run_id; nil when absent
func (r *RunRepository) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := r.ds.DB(ctx).Where("run_id = ?", runID).First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListByRequester newest runs first
func (r *RunRepository) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []*Run
	err := r.ds.DB(ctx).
		Where("requester_id = ?", requesterID).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs of requester %s: %w", requesterID, err)
	}
	return runs, nil
}

func staleRunsQuery(db *gorm.DB, before time.Time, limit int) *gorm.DB {
	return db.Model(&Run{}).
		Select("run_id", "instance_id").
		Where("status IN ? AND created_at < ?", []string{model.RunStatusPending, model.RunStatusRunning}, before).
		Order("created_at ASC").
		Limit(limit)
}

// ListStaleActive runs still pending or running that were created before
// the cutoff, oldest first, with the instance that owns each
func (r *RunRepository) ListStaleActive(ctx context.Context, before time.Time, limit int) ([]StaleRun, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []StaleRun
	if err := staleRunsQuery(r.ds.DB(ctx), before, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	return rows, nil
}

// MarkFailedIfActive fails a run only while it is still pending or running.
// It reports whether the row changed.
func (r *RunRepository) MarkFailedIfActive(ctx context.Context, runID, message string, at time.Time) (bool, error) {
	res := r.ds.DB(ctx).Model(&Run{}).
		Where("run_id = ? AND status IN ?", runID, []string{model.RunStatusPending, model.RunStatusRunning}).
		Updates(map[string]interface{}{
			"status":       model.RunStatusFailed,
			"error":        message,
			"completed_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark run %s failed: %w", runID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Stats aggregates runs created since the given time
func (r *RunRepository) Stats(ctx context.Context, since time.Time) (*RunStats, error) {
	var stats RunStats
	err := r.ds.DB(ctx).Raw(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed_with_errors,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS cancelled,
			COALESCE(AVG(CASE WHEN status IN (?, ?) THEN duration_ms END), 0) AS avg_duration_ms
		FROM runs
		WHERE created_at >= ?`,
		model.RunStatusPending, model.RunStatusRunning, model.RunStatusCompleted,
		model.RunStatusCompletedWithErrors, model.RunStatusFailed, model.RunStatusCancelled,
		model.RunStatusCompleted, model.RunStatusCompletedWithErrors,
		since,
	).Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate run statistics: %w", err)
	}
	return &stats, nil
}
