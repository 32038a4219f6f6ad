package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"calcgrid/internal/model"
	"calcgrid/internal/scheduler"
	"calcgrid/pkg/notification"
	"calcgrid/pkg/store/mysql"
)

// fakeRunRepo keeps runs in memory and mimics the terminal status guard of
// the MySQL upsert
type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[string]*mysql.Run
	err  error
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[string]*mysql.Run)}
}

func (r *fakeRunRepo) Upsert(ctx context.Context, run *mysql.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	existing, ok := r.runs[run.RunID]
	if !ok {
		cp := *run
		r.runs[run.RunID] = &cp
		return nil
	}
	if !mysql.IsTerminalStatus(existing.Status) {
		existing.Status = run.Status
	}
	existing.WorkerIDs = run.WorkerIDs
	existing.TotalTasks = run.TotalTasks
	if run.StartedAt != nil {
		existing.StartedAt = run.StartedAt
	}
	return nil
}

func (r *fakeRunRepo) Complete(ctx context.Context, run *mysql.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	existing, ok := r.runs[run.RunID]
	if !ok {
		cp := *run
		r.runs[run.RunID] = &cp
		return nil
	}
	existing.Status = run.Status
	existing.Result = run.Result
	existing.Error = run.Error
	existing.DurationMs = run.DurationMs
	existing.CompletedAt = run.CompletedAt
	return nil
}

func (r *fakeRunRepo) Get(ctx context.Context, runID string) (*mysql.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (r *fakeRunRepo) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*mysql.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*mysql.Run
	for _, run := range r.runs {
		if run.RequesterID == requesterID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRunRepo) Stats(ctx context.Context, since time.Time) (*mysql.RunStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &mysql.RunStats{}
	for _, run := range r.runs {
		if run.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		switch run.Status {
		case "completed":
			stats.Completed++
		case "failed":
			stats.Failed++
		case "running":
			stats.Running++
		case "pending":
			stats.Pending++
		}
	}
	return stats, nil
}

func (r *fakeRunRepo) ListStaleActive(ctx context.Context, before time.Time, limit int) ([]mysql.StaleRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var rows []mysql.StaleRun
	for id, run := range r.runs {
		if (run.Status == "pending" || run.Status == "running") && run.CreatedAt.Before(before) {
			rows = append(rows, mysql.StaleRun{RunID: id, InstanceID: run.InstanceID})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RunID < rows[j].RunID })
	return rows, nil
}

type fakeLeases struct {
	alive map[string]bool
	err   error
	calls int
}

func (l *fakeLeases) Alive(ctx context.Context, instanceID string) (bool, error) {
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	return l.alive[instanceID], nil
}

func (r *fakeRunRepo) MarkFailedIfActive(ctx context.Context, runID, message string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || (run.Status != "pending" && run.Status != "running") {
		return false, nil
	}
	run.Status = "failed"
	run.Error = message
	run.CompletedAt = &at
	return true, nil
}

func (r *fakeRunRepo) status(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		return run.Status
	}
	return ""
}

type fakeBatchRepo struct {
	mu      sync.Mutex
	batches map[string]*mysql.Batch
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{batches: make(map[string]*mysql.Batch)}
}

func (r *fakeBatchRepo) Create(ctx context.Context, batch *mysql.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batch.CorrelationID]; !ok {
		cp := *batch
		r.batches[batch.CorrelationID] = &cp
	}
	return nil
}

func (r *fakeBatchRepo) Reassign(ctx context.Context, correlationID, fromWorker, toWorker string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[correlationID]; ok && b.Status == "pending" {
		b.WorkerID = toWorker
		b.BatchIndex = index
		b.ReassignedFrom = fromWorker
	}
	return nil
}

func (r *fakeBatchRepo) MarkCompleted(ctx context.Context, correlationID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[correlationID]; ok && b.Status == "pending" {
		b.Status = "completed"
		b.CompletedAt = &at
	}
	return nil
}

func (r *fakeBatchRepo) ListByRun(ctx context.Context, runID string) ([]*mysql.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*mysql.Batch
	for _, b := range r.batches {
		if b.RunID == runID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CorrelationID < out[j].CorrelationID })
	return out, nil
}

func (r *fakeBatchRepo) get(correlationID string) *mysql.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[correlationID]; ok {
		cp := *b
		return &cp
	}
	return nil
}

type fakeReassignmentRepo struct {
	mu   sync.Mutex
	recs []*mysql.Reassignment
}

func (r *fakeReassignmentRepo) Create(ctx context.Context, rec *mysql.Reassignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *fakeReassignmentRepo) ListRecent(ctx context.Context, since time.Time, limit int) ([]*mysql.Reassignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*mysql.Reassignment
	for _, rec := range r.recs {
		if !rec.ReassignedAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeReassignmentRepo) CountSince(ctx context.Context, since time.Time) (int64, error) {
	recs, _ := r.ListRecent(ctx, since, 0)
	return int64(len(recs)), nil
}

// fakeQueue records enqueued tasks; payloads are kept as marshalled by the
// caller
type fakeQueue struct {
	mu       sync.Mutex
	err      error
	types    []string
	payloads []interface{}
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskType string, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.types = append(q.types, taskType)
	q.payloads = append(q.payloads, payload)
	return nil
}

type fakeAlerter struct {
	mu   sync.Mutex
	sent []*notification.RunFailureNotification
}

func (a *fakeAlerter) SendRunFailure(ctx context.Context, n *notification.RunFailureNotification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, n)
	return nil
}

type fakeLive struct {
	snap    model.SchedulerSnapshot
	batches map[string][]scheduler.TrackedBatch
	err     error
}

func (l *fakeLive) Snapshot(ctx context.Context) (model.SchedulerSnapshot, error) {
	return l.snap, l.err
}

func (l *fakeLive) RunBatches(ctx context.Context, runID string) ([]scheduler.TrackedBatch, error) {
	if l.err != nil {
		return nil, l.err
	}
	b, ok := l.batches[runID]
	if !ok {
		return nil, scheduler.ErrRunNotFound
	}
	return b, nil
}

func (l *fakeLive) ActiveRunIDs(ctx context.Context) ([]string, error) {
	if l.err != nil {
		return nil, l.err
	}
	var ids []string
	for _, r := range l.snap.Active {
		ids = append(ids, r.RunID)
	}
	for _, w := range l.snap.Waiting {
		ids = append(ids, w.RunID)
	}
	return ids, nil
}

type fakePresence struct {
	n   int
	err error
}

func (p *fakePresence) Count(ctx context.Context) (int, error) {
	return p.n, p.err
}

var errBoom = errors.New("boom")
