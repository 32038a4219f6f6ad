package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"calcgrid/internal/model"
	"calcgrid/pkg/logger"
	"calcgrid/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Options tunes the scheduler
type Options struct {
	BatchCount       int
	ProgressInterval time.Duration
	FinalizeTimeout  time.Duration
	DefaultScore     float64

	// InstanceID is stamped on every run record so a sweeper can tell which
	// scheduler owns a row
	InstanceID string

	// Clock and NewID are overridable for tests
	Clock func() time.Time
	NewID func() string
}

func (o *Options) applyDefaults() {
	if o.BatchCount <= 0 {
		o.BatchCount = 10
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = time.Second
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 30 * time.Second
	}
	if o.DefaultScore <= 0 {
		o.DefaultScore = 0.1
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.New().String() }
	}
}

type runState struct {
	id            string
	requesterID   string
	params        model.TaskParams
	workers       []string
	total         int
	startedAt     time.Time
	completed     int
	contributions []float64
	lastProgress  time.Time
}

type waitingRun struct {
	id          string
	requesterID string
	params      model.TaskParams
	tasks       []model.Task
	workers     []string
	queuedAt    time.Time
}

// Scheduler owns all scheduling state. A single goroutine (Run) applies every
// mutation; exported methods submit a closure and wait for it to finish.
type Scheduler struct {
	opts       Options
	dispatcher Dispatcher
	notifier   Notifier
	finalizer  Finalizer
	audit      AuditStore

	registry     *Registry
	reservations *Reservations
	tracker      *Tracker

	runs        map[string]*runState
	waiting     []*waitingRun
	byRequester map[string]string // requesterID -> runID, active or waiting

	events  chan func()
	stopped chan struct{}
	auditWG sync.WaitGroup
}

// New creates a scheduler. audit may be nil.
func New(opts Options, dispatcher Dispatcher, notifier Notifier, finalizer Finalizer, audit AuditStore) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		opts:         opts,
		dispatcher:   dispatcher,
		notifier:     notifier,
		finalizer:    finalizer,
		audit:        audit,
		registry:     NewRegistry(),
		reservations: NewReservations(),
		tracker:      NewTracker(),
		runs:         make(map[string]*runState),
		byRequester:  make(map[string]string),
		events:       make(chan func()),
		stopped:      make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		close(s.stopped)
		s.auditWG.Wait()
	}()

	logger.InfoCtx(ctx, "scheduler loop started")
	for {
		select {
		case ev := <-s.events:
			s.safeRun(ctx, ev)
		case <-ctx.Done():
			logger.InfoCtx(ctx, "scheduler loop stopped")
			return nil
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, ev func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "scheduler event panicked: %v\nstack:\n%s", r, string(debug.Stack()))
		}
	}()
	ev()
}

// do runs fn on the loop goroutine and waits for it
func (s *Scheduler) do(ctx context.Context, op string, fn func(ctx context.Context), attrs ...attribute.KeyValue) error {
	spanCtx, span := tracing.StartSpan(ctx, "scheduler."+op, attrs...)
	defer span.End()

	opCtx := context.WithoutCancel(spanCtx)
	done := make(chan struct{})
	ev := func() {
		defer close(done)
		fn(opCtx)
	}

	select {
	case s.events <- ev:
	case <-s.stopped:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// RequestRun admits a run: it starts immediately when every requested worker
// can be reserved, otherwise it waits. Admission errors are returned wrapped
// around the package's sentinel errors.
func (s *Scheduler) RequestRun(ctx context.Context, req model.RunRequest) (model.Admission, error) {
	var (
		adm    model.Admission
		admErr error
	)
	err := s.do(ctx, "request_run", func(ctx context.Context) {
		adm, admErr = s.requestRun(ctx, req)
	}, attribute.String("requester_id", req.RequesterID))
	if err != nil {
		return model.Admission{}, err
	}
	return adm, admErr
}

// WorkerConnected registers or refreshes a worker
func (s *Scheduler) WorkerConnected(ctx context.Context, w model.Worker) error {
	return s.do(ctx, "worker_connected", func(ctx context.Context) {
		s.workerConnected(ctx, w)
	}, attribute.String("worker_id", w.ID))
}

// WorkerHeartbeat records liveness of a worker
func (s *Scheduler) WorkerHeartbeat(ctx context.Context, workerID string) error {
	return s.do(ctx, "worker_heartbeat", func(ctx context.Context) {
		if !s.registry.Touch(workerID, s.opts.Clock()) {
			logger.DebugCtx(ctx, "heartbeat from unknown worker %s", workerID)
		}
	})
}

// WorkerDisconnected removes a worker, moves its unfinished batches and
// promotes waiting runs that can now start.
func (s *Scheduler) WorkerDisconnected(ctx context.Context, workerID string) error {
	return s.do(ctx, "worker_disconnected", func(ctx context.Context) {
		s.workerDisconnected(ctx, workerID)
	}, attribute.String("worker_id", workerID))
}

// BatchResult consumes a worker's partial result
func (s *Scheduler) BatchResult(ctx context.Context, res model.BatchResult) error {
	return s.do(ctx, "batch_result", func(ctx context.Context) {
		s.batchResult(ctx, res)
	}, attribute.String("run_id", res.RunID), attribute.String("worker_id", res.WorkerID))
}

// RequesterDisconnected cancels the requester's active or waiting run
func (s *Scheduler) RequesterDisconnected(ctx context.Context, requesterID string) error {
	return s.do(ctx, "requester_disconnected", func(ctx context.Context) {
		s.requesterDisconnected(ctx, requesterID)
	}, attribute.String("requester_id", requesterID))
}

// RequestWorkerList sends the current worker list to one requester
func (s *Scheduler) RequestWorkerList(ctx context.Context, requesterID string) error {
	return s.do(ctx, "request_worker_list", func(ctx context.Context) {
		s.notifier.Notify(requesterID, model.Event{Type: model.EventWorkerUpdate, Data: s.registry.Summaries()})
		s.notifier.Notify(requesterID, model.Event{Type: model.EventQueueStatus, Data: s.queueStatus()})
	})
}

// StaleWorkers lists workers without a heartbeat for longer than timeout
func (s *Scheduler) StaleWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	var out []string
	err := s.do(ctx, "stale_workers", func(ctx context.Context) {
		out = s.registry.Stale(s.opts.Clock(), timeout)
	})
	return out, err
}

// ActiveRunIDs ids of runs that are running or waiting
func (s *Scheduler) ActiveRunIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.do(ctx, "active_run_ids", func(ctx context.Context) {
		out = s.tracker.RunIDs()
		for _, w := range s.waiting {
			out = append(out, w.id)
		}
	})
	return out, err
}

// Snapshot returns a monitoring view of the scheduler
func (s *Scheduler) Snapshot(ctx context.Context) (model.SchedulerSnapshot, error) {
	var snap model.SchedulerSnapshot
	err := s.do(ctx, "snapshot", func(ctx context.Context) {
		snap = s.snapshot()
	})
	return snap, err
}

// RunBatches returns the tracked batches of an active run
func (s *Scheduler) RunBatches(ctx context.Context, runID string) ([]TrackedBatch, error) {
	var (
		out   []TrackedBatch
		found bool
	)
	err := s.do(ctx, "run_batches", func(ctx context.Context) {
		found = s.tracker.Contains(runID)
		out = s.tracker.Batches(runID)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return out, nil
}

func (s *Scheduler) workerConnected(ctx context.Context, w model.Worker) {
	now := s.opts.Clock()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	s.registry.Register(w)
	logger.InfoCtx(ctx, "worker registered, worker_id: %s, score: %.2f, total: %d",
		w.ID, w.Performance.BenchmarkScore, s.registry.Len())

	s.broadcastWorkers()
	s.broadcastQueueStatus()
}

func (s *Scheduler) workerDisconnected(ctx context.Context, workerID string) {
	existed := s.registry.Unregister(workerID)
	if err := s.dispatcher.Drop(ctx, workerID); err != nil {
		logger.WarnCtx(ctx, "failed to drop delivery queue of worker %s: %v", workerID, err)
	}
	s.reservations.DropWorker(workerID)
	for _, run := range s.runs {
		run.workers = without(run.workers, workerID)
	}

	s.reassign(ctx, workerID)
	s.sweep(ctx)

	if existed {
		logger.InfoCtx(ctx, "worker unregistered, worker_id: %s, remaining: %d", workerID, s.registry.Len())
		s.broadcastWorkers()
	}
	s.broadcastQueueStatus()
}

func (s *Scheduler) requesterDisconnected(ctx context.Context, requesterID string) {
	runID, ok := s.byRequester[requesterID]
	if !ok {
		return
	}
	delete(s.byRequester, requesterID)

	now := s.opts.Clock()
	if run, active := s.runs[runID]; active {
		logger.InfoCtx(ctx, "requester %s disconnected, cancelling run %s", requesterID, runID)
		s.recordOutcome(ctx, &model.RunOutcome{
			RunID:       runID,
			Status:      model.RunStatusCancelled,
			Error:       "requester disconnected",
			CompletedAt: now,
			DurationMs:  now.Sub(run.startedAt).Milliseconds(),
		})
		s.endRun(run)
	} else if w := s.removeWaiting(runID); w != nil {
		logger.InfoCtx(ctx, "requester %s disconnected, dropping waiting run %s", requesterID, runID)
		s.reservations.RemoveFromQueues(runID)
		s.recordOutcome(ctx, &model.RunOutcome{
			RunID:       runID,
			Status:      model.RunStatusCancelled,
			Error:       "requester disconnected while waiting",
			CompletedAt: now,
		})
	}

	s.sweep(ctx)
	s.broadcastQueueStatus()
}

// endRun releases the run's workers and forgets it
func (s *Scheduler) endRun(run *runState) {
	s.reservations.Release(run.id, run.workers)
	s.tracker.Teardown(run.id)
	delete(s.runs, run.id)
	if s.byRequester[run.requesterID] == run.id {
		delete(s.byRequester, run.requesterID)
	}
}

func (s *Scheduler) failRun(ctx context.Context, run *runState, reason, message string) {
	now := s.opts.Clock()
	logger.WarnCtx(ctx, "run %s failed: %s", run.id, message)
	s.notifier.Notify(run.requesterID, model.Event{
		Type: model.EventTaskError,
		Data: model.RunError{RunID: run.id, Reason: reason, Message: message},
	})
	s.recordOutcome(ctx, &model.RunOutcome{
		RunID:       run.id,
		Status:      model.RunStatusFailed,
		Error:       message,
		CompletedAt: now,
		DurationMs:  now.Sub(run.startedAt).Milliseconds(),
	})
	s.endRun(run)
}

func (s *Scheduler) removeWaiting(runID string) *waitingRun {
	for i, w := range s.waiting {
		if w.id == runID {
			s.waiting = append(s.waiting[:i:i], s.waiting[i+1:]...)
			return w
		}
	}
	return nil
}

func (s *Scheduler) queueStatus() map[string]model.QueueStatus {
	workers := s.registry.List()
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	return s.reservations.Status(ids)
}

func (s *Scheduler) broadcastWorkers() {
	s.notifier.Broadcast(model.Event{Type: model.EventWorkerUpdate, Data: s.registry.Summaries()})
}

func (s *Scheduler) broadcastQueueStatus() {
	s.notifier.Broadcast(model.Event{Type: model.EventQueueStatus, Data: s.queueStatus()})
}

func (s *Scheduler) snapshot() model.SchedulerSnapshot {
	now := s.opts.Clock()
	snap := model.SchedulerSnapshot{
		Workers: s.registry.List(),
		Queues:  s.queueStatus(),
	}
	for _, runID := range s.tracker.RunIDs() {
		run, ok := s.runs[runID]
		if !ok {
			continue
		}
		stats, _ := s.tracker.Stats(runID, now)
		snap.Active = append(snap.Active, model.RunSnapshot{
			RunID:            run.id,
			RequesterID:      run.requesterID,
			Method:           run.params.Method,
			Workers:          append([]string(nil), run.workers...),
			TotalTasks:       run.total,
			CompletedTasks:   run.completed,
			Progress:         stats.Progress,
			TotalBatches:     stats.TotalBatches,
			CompletedBatches: stats.CompletedBatches,
			StartedAt:        run.startedAt,
			ElapsedMs:        stats.Elapsed.Milliseconds(),
		})
	}
	for _, w := range s.waiting {
		snap.Waiting = append(snap.Waiting, model.WaitingSnapshot{
			RunID:       w.id,
			RequesterID: w.requesterID,
			Workers:     append([]string(nil), w.workers...),
			TotalTasks:  len(w.tasks),
			QueuedAt:    w.queuedAt,
		})
	}
	return snap
}

// record runs an audit write off the loop
func (s *Scheduler) record(ctx context.Context, what string, fn func(ctx context.Context, audit AuditStore) error) {
	if s.audit == nil {
		return
	}
	s.auditWG.Add(1)
	go func() {
		defer s.auditWG.Done()
		if err := fn(ctx, s.audit); err != nil {
			logger.WarnCtx(ctx, "failed to record %s: %v", what, err)
		}
	}()
}

func (s *Scheduler) recordOutcome(ctx context.Context, outcome *model.RunOutcome) {
	s.record(ctx, "run outcome", func(ctx context.Context, audit AuditStore) error {
		return audit.RecordRunOutcome(ctx, outcome)
	})
}

func without(list []string, v string) []string {
	i := indexOf(list, v)
	if i < 0 {
		return list
	}
	out := make([]string, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}
