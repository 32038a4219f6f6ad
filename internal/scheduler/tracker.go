package scheduler

import (
	"fmt"
	"sort"
	"time"

	"calcgrid/internal/model"
)

// BatchKey identifies a tracked batch within a run
type BatchKey struct {
	WorkerID string
	Index    int
}

// TrackedBatch a batch and its original task list. Tasks never shrink, so a
// batch is retired only once every original task id is complete, no matter
// which worker reported it.
type TrackedBatch struct {
	WorkerID       string
	Index          int
	CorrelationID  string
	Tasks          []model.Task
	Status         model.BatchStatus
	ReassignedFrom string
	AssignedAt     time.Time
}

// PendingBatch the incomplete remainder of a tracked batch
type PendingBatch struct {
	Index         int
	CorrelationID string
	Tasks         []model.Task
}

// CompletionResult outcome of MarkCompleted
type CompletionResult struct {
	Newly   []int
	Retired []TrackedBatch
}

// RunStats progress counters of a tracked run
type RunStats struct {
	Total            int
	Completed        int
	Progress         float64
	TotalBatches     int
	CompletedBatches int
	StartedAt        time.Time
	Elapsed          time.Duration
}

type trackedRun struct {
	total     int
	startedAt time.Time
	completed map[int]struct{}
	batches   map[BatchKey]*TrackedBatch
	nextIndex map[string]int
}

// Tracker per-run batch bookkeeping with a reverse worker -> runs index.
// Not safe for concurrent use; owned by the scheduler loop.
type Tracker struct {
	runs     map[string]*trackedRun
	byWorker map[string]map[string]struct{}
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		runs:     make(map[string]*trackedRun),
		byWorker: make(map[string]map[string]struct{}),
	}
}

// StartRun begins tracking runID
func (t *Tracker) StartRun(runID string, total int, startedAt time.Time) {
	t.runs[runID] = &trackedRun{
		total:     total,
		startedAt: startedAt,
		completed: make(map[int]struct{}),
		batches:   make(map[BatchKey]*TrackedBatch),
		nextIndex: make(map[string]int),
	}
}

// RegisterBatch records a batch dispatched to workerID under index
func (t *Tracker) RegisterBatch(runID, workerID string, index int, correlationID string, tasks []model.Task, at time.Time) error {
	run, ok := t.runs[runID]
	if !ok {
		return fmt.Errorf("run %s is not tracked", runID)
	}
	key := BatchKey{WorkerID: workerID, Index: index}
	if _, exists := run.batches[key]; exists {
		return fmt.Errorf("batch %s/%d already registered for run %s", workerID, index, runID)
	}
	run.batches[key] = &TrackedBatch{
		WorkerID:      workerID,
		Index:         index,
		CorrelationID: correlationID,
		Tasks:         tasks,
		Status:        model.BatchStatusPending,
		AssignedAt:    at,
	}
	if index >= run.nextIndex[workerID] {
		run.nextIndex[workerID] = index + 1
	}
	t.index(workerID, runID)
	return nil
}

// MarkCompleted adds ids to the run's completed set and retires every pending
// batch whose original tasks are now all complete.
func (t *Tracker) MarkCompleted(runID string, ids []int) CompletionResult {
	var res CompletionResult
	run, ok := t.runs[runID]
	if !ok {
		return res
	}
	for _, id := range ids {
		if id < 0 || id >= run.total {
			continue
		}
		if _, done := run.completed[id]; done {
			continue
		}
		run.completed[id] = struct{}{}
		res.Newly = append(res.Newly, id)
	}
	if len(res.Newly) == 0 {
		return res
	}
	for _, b := range run.batches {
		if b.Status != model.BatchStatusPending {
			continue
		}
		if allDone(b.Tasks, run.completed) {
			b.Status = model.BatchStatusCompleted
			res.Retired = append(res.Retired, *b)
		}
	}
	return res
}

// CompletedCount number of distinct completed task ids
func (t *Tracker) CompletedCount(runID string) int {
	if run, ok := t.runs[runID]; ok {
		return len(run.completed)
	}
	return 0
}

// BatchTaskIDs original task ids of the batch workerID holds under index
func (t *Tracker) BatchTaskIDs(runID, workerID string, index int) ([]int, bool) {
	run, ok := t.runs[runID]
	if !ok {
		return nil, false
	}
	b, ok := run.batches[BatchKey{WorkerID: workerID, Index: index}]
	if !ok {
		return nil, false
	}
	return taskIDs(b.Tasks), true
}

// PendingBatchesForWorker returns workerID's pending batches of runID, ordered
// by index, each narrowed to its incomplete tasks.
func (t *Tracker) PendingBatchesForWorker(runID, workerID string) []PendingBatch {
	run, ok := t.runs[runID]
	if !ok {
		return nil
	}
	var out []PendingBatch
	for key, b := range run.batches {
		if key.WorkerID != workerID || b.Status != model.BatchStatusPending {
			continue
		}
		remaining := make([]model.Task, 0, len(b.Tasks))
		for _, task := range b.Tasks {
			if _, done := run.completed[task.ID]; !done {
				remaining = append(remaining, task)
			}
		}
		if len(remaining) == 0 {
			continue
		}
		out = append(out, PendingBatch{Index: key.Index, CorrelationID: b.CorrelationID, Tasks: remaining})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// AffectedRuns lists runs with batches on workerID
func (t *Tracker) AffectedRuns(workerID string) []string {
	runs := t.byWorker[workerID]
	out := make([]string, 0, len(runs))
	for runID := range runs {
		out = append(out, runID)
	}
	sort.Strings(out)
	return out
}

// NextBatchIndex first index not yet used by workerID in runID
func (t *Tracker) NextBatchIndex(runID, workerID string) int {
	if run, ok := t.runs[runID]; ok {
		return run.nextIndex[workerID]
	}
	return 0
}

// ReassignBatch moves a batch to another worker under a new index. The batch
// keeps its original tasks and correlation id.
func (t *Tracker) ReassignBatch(runID, fromWorker string, fromIndex int, toWorker string, toIndex int) error {
	run, ok := t.runs[runID]
	if !ok {
		return fmt.Errorf("run %s is not tracked", runID)
	}
	from := BatchKey{WorkerID: fromWorker, Index: fromIndex}
	b, ok := run.batches[from]
	if !ok {
		return fmt.Errorf("batch %s/%d not found in run %s", fromWorker, fromIndex, runID)
	}
	to := BatchKey{WorkerID: toWorker, Index: toIndex}
	if _, taken := run.batches[to]; taken {
		return fmt.Errorf("batch %s/%d already exists in run %s", toWorker, toIndex, runID)
	}

	delete(run.batches, from)
	b.ReassignedFrom = fromWorker
	b.WorkerID = toWorker
	b.Index = toIndex
	run.batches[to] = b
	if toIndex >= run.nextIndex[toWorker] {
		run.nextIndex[toWorker] = toIndex + 1
	}

	t.index(toWorker, runID)
	if !run.hasBatchesOn(fromWorker) {
		t.unindex(fromWorker, runID)
	}
	return nil
}

// IsComplete reports completed == total
func (t *Tracker) IsComplete(runID string) bool {
	run, ok := t.runs[runID]
	return ok && len(run.completed) >= run.total
}

// Contains reports whether runID is tracked
func (t *Tracker) Contains(runID string) bool {
	_, ok := t.runs[runID]
	return ok
}

// Teardown forgets runID
func (t *Tracker) Teardown(runID string) {
	run, ok := t.runs[runID]
	if !ok {
		return
	}
	for key := range run.batches {
		t.unindex(key.WorkerID, runID)
	}
	delete(t.runs, runID)
}

// Stats progress counters for runID
func (t *Tracker) Stats(runID string, now time.Time) (RunStats, bool) {
	run, ok := t.runs[runID]
	if !ok {
		return RunStats{}, false
	}
	s := RunStats{
		Total:        run.total,
		Completed:    len(run.completed),
		TotalBatches: len(run.batches),
		StartedAt:    run.startedAt,
		Elapsed:      now.Sub(run.startedAt),
	}
	for _, b := range run.batches {
		if b.Status == model.BatchStatusCompleted {
			s.CompletedBatches++
		}
	}
	if run.total > 0 {
		s.Progress = float64(s.Completed) / float64(run.total) * 100
	}
	return s, true
}

// Batches snapshot of runID's batches ordered by worker then index
func (t *Tracker) Batches(runID string) []TrackedBatch {
	run, ok := t.runs[runID]
	if !ok {
		return nil
	}
	out := make([]TrackedBatch, 0, len(run.batches))
	for _, b := range run.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkerID != out[j].WorkerID {
			return out[i].WorkerID < out[j].WorkerID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// RunIDs snapshot of tracked run ids
func (t *Tracker) RunIDs() []string {
	out := make([]string, 0, len(t.runs))
	for id := range t.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) index(workerID, runID string) {
	runs, ok := t.byWorker[workerID]
	if !ok {
		runs = make(map[string]struct{})
		t.byWorker[workerID] = runs
	}
	runs[runID] = struct{}{}
}

func (t *Tracker) unindex(workerID, runID string) {
	runs, ok := t.byWorker[workerID]
	if !ok {
		return
	}
	delete(runs, runID)
	if len(runs) == 0 {
		delete(t.byWorker, workerID)
	}
}

func (r *trackedRun) hasBatchesOn(workerID string) bool {
	for key := range r.batches {
		if key.WorkerID == workerID {
			return true
		}
	}
	return false
}

func allDone(tasks []model.Task, completed map[int]struct{}) bool {
	for _, task := range tasks {
		if _, ok := completed[task.ID]; !ok {
			return false
		}
	}
	return true
}
