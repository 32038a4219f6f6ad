package service

import (
	"context"
	"time"

	"calcgrid/internal/scheduler"
	"calcgrid/pkg/logger"
	"calcgrid/pkg/store/mysql"
)

// ActiveRunLister reports the runs the scheduler still owns
type ActiveRunLister interface {
	ActiveRunIDs(ctx context.Context) ([]string, error)
}

// OrphanRunStore finds and fails audit rows left behind by lost runs
type OrphanRunStore interface {
	ListStaleActive(ctx context.Context, before time.Time, limit int) ([]mysql.StaleRun, error)
	MarkFailedIfActive(ctx context.Context, runID, message string, at time.Time) (bool, error)
}

// InstanceLeases reports whether another scheduler replica is still alive
type InstanceLeases interface {
	Alive(ctx context.Context, instanceID string) (bool, error)
}

const orphanSweepLimit = 500

// HousekeepingService closes audit rows of runs that no longer exist in
// memory, e.g. after a restart.
type HousekeepingService struct {
	runs   OrphanRunStore
	active ActiveRunLister
	minAge time.Duration
	now    func() time.Time

	instanceID string
	leases     InstanceLeases
}

// NewHousekeepingService creates a housekeeping service; runs younger than
// minAge are left alone
func NewHousekeepingService(runs OrphanRunStore, active ActiveRunLister, minAge time.Duration) *HousekeepingService {
	return &HousekeepingService{
		runs:   runs,
		active: active,
		minAge: minAge,
		now:    time.Now,
	}
}

// WithOwnership limits the sweep to rows this instance owns and rows whose
// owner no longer holds a lease. Without it every row is checked against the
// local scheduler only.
func (s *HousekeepingService) WithOwnership(instanceID string, leases InstanceLeases) *HousekeepingService {
	s.instanceID = instanceID
	s.leases = leases
	return s
}

// SweepOrphanRuns marks pending or running rows unknown to their scheduler as
// failed and returns how many were changed
func (s *HousekeepingService) SweepOrphanRuns(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.runs.ListStaleActive(ctx, now.Add(-s.minAge), orphanSweepLimit)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	// read the live set after the candidates so a run admitted in between is
	// younger than minAge and never listed
	activeIDs, err := s.active.ActiveRunIDs(ctx)
	if err != nil {
		return 0, err
	}
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}

	dead := make(map[string]bool)
	failed := 0
	for _, c := range candidates {
		id := c.RunID
		if s.instanceID == "" || c.InstanceID == s.instanceID {
			if _, ok := active[id]; ok {
				continue
			}
		} else if !s.ownerDead(ctx, c.InstanceID, dead) {
			continue
		}
		changed, err := s.runs.MarkFailedIfActive(ctx, id, scheduler.MsgNoWorkersToProcess, now)
		if err != nil {
			logger.WarnCtx(ctx, "failed to close orphan run %s: %v", id, err)
			continue
		}
		if changed {
			failed++
			logger.InfoCtx(ctx, "orphan run %s marked failed", id)
		}
	}
	return failed, nil
}

// ownerDead reports whether a foreign owner lost its lease; lookup failures
// keep the row
func (s *HousekeepingService) ownerDead(ctx context.Context, owner string, seen map[string]bool) bool {
	if owner == "" {
		return true
	}
	if s.leases == nil {
		return false
	}
	if d, ok := seen[owner]; ok {
		return d
	}
	alive, err := s.leases.Alive(ctx, owner)
	if err != nil {
		logger.WarnCtx(ctx, "failed to check lease of instance %s: %v", owner, err)
		return false
	}
	seen[owner] = !alive
	return !alive
}
