package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calcgrid/internal/model"

	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    map[string][]*model.BatchMessage
	dropped []string
	failFor map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		sent:    make(map[string][]*model.BatchMessage),
		failFor: make(map[string]bool),
	}
}

func (d *fakeDispatcher) Send(_ context.Context, workerID string, batch *model.BatchMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[workerID] {
		return errors.New("delivery unavailable")
	}
	d.sent[workerID] = append(d.sent[workerID], batch)
	return nil
}

func (d *fakeDispatcher) Drop(_ context.Context, workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped = append(d.dropped, workerID)
	return nil
}

func (d *fakeDispatcher) failSends(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFor[workerID] = true
}

func (d *fakeDispatcher) batches(workerID string) []*model.BatchMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*model.BatchMessage(nil), d.sent[workerID]...)
}

func (d *fakeDispatcher) batchesForRun(workerID, runID string) []*model.BatchMessage {
	var out []*model.BatchMessage
	for _, b := range d.batches(workerID) {
		if b.RunID == runID {
			out = append(out, b)
		}
	}
	return out
}

type fakeNotifier struct {
	mu         sync.Mutex
	events     map[string][]model.Event
	broadcasts []model.Event
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(map[string][]model.Event)}
}

func (n *fakeNotifier) Notify(requesterID string, event model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[requesterID] = append(n.events[requesterID], event)
}

func (n *fakeNotifier) Broadcast(event model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, event)
}

func (n *fakeNotifier) ofType(requesterID string, typ model.EventType) []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Event
	for _, e := range n.events[requesterID] {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (n *fakeNotifier) lastBroadcast(typ model.EventType) (model.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.broadcasts) - 1; i >= 0; i-- {
		if n.broadcasts[i].Type == typ {
			return n.broadcasts[i], true
		}
	}
	return model.Event{}, false
}

type fakeFinalizer struct {
	err error
}

func (f *fakeFinalizer) Finalize(_ context.Context, req *model.FinalizeRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%s:%s", req.Method, FormatSum(req.Contributions)), nil
}

type fakeAudit struct {
	mu            sync.Mutex
	starts        []model.RunRecord
	batches       []model.BatchRecord
	completions   []model.BatchCompletion
	reassignments []model.ReassignmentRecord
	outcomes      []model.RunOutcome
}

func (a *fakeAudit) RecordRunStart(_ context.Context, rec *model.RunRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts = append(a.starts, *rec)
	return nil
}

func (a *fakeAudit) RecordBatchAssignment(_ context.Context, rec *model.BatchRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, *rec)
	return nil
}

func (a *fakeAudit) RecordBatchCompletion(_ context.Context, rec *model.BatchCompletion) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completions = append(a.completions, *rec)
	return nil
}

func (a *fakeAudit) RecordReassignment(_ context.Context, rec *model.ReassignmentRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reassignments = append(a.reassignments, *rec)
	return nil
}

func (a *fakeAudit) RecordRunOutcome(_ context.Context, outcome *model.RunOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, *outcome)
	return nil
}

func (a *fakeAudit) outcomeFor(runID string) (model.RunOutcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range a.outcomes {
		if o.RunID == runID {
			return o, true
		}
	}
	return model.RunOutcome{}, false
}

func (a *fakeAudit) reassignmentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reassignments)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	sched      *Scheduler
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier
	finalizer  *fakeFinalizer
	audit      *fakeAudit
	clock      *fakeClock
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		dispatcher: newFakeDispatcher(),
		notifier:   newFakeNotifier(),
		finalizer:  &fakeFinalizer{},
		audit:      &fakeAudit{},
		clock:      newFakeClock(),
	}
	var seq int64
	opts.Clock = h.clock.Now
	opts.NewID = func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&seq, 1)) }
	h.sched = New(opts, h.dispatcher, h.notifier, h.finalizer, h.audit)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) connect(t *testing.T, id string, score float64) {
	t.Helper()
	require.NoError(t, h.sched.WorkerConnected(context.Background(), model.Worker{
		ID:          id,
		Specs:       model.WorkerSpecs{Platform: "Linux x86_64"},
		Performance: model.WorkerPerformance{BenchmarkScore: score},
	}))
}

func (h *harness) request(t *testing.T, requesterID string, n int, workers ...string) model.Admission {
	t.Helper()
	adm, err := h.sched.RequestRun(context.Background(), model.RunRequest{
		RequesterID: requesterID,
		WorkerIDs:   workers,
		Params:      model.TaskParams{Method: model.MethodCustom1D, Params: []float64{0, float64(n), float64(n)}},
	})
	require.NoError(t, err)
	require.True(t, adm.Accepted)
	return adm
}

// report sends a result covering ids with one contribution per task
func (h *harness) report(t *testing.T, workerID, runID string, batchID int, ids []int) {
	t.Helper()
	results := make([]float64, len(ids))
	for i := range results {
		results[i] = 1
	}
	require.NoError(t, h.sched.BatchResult(context.Background(), model.BatchResult{
		RunID:            runID,
		WorkerID:         workerID,
		BatchID:          batchID,
		TasksCount:       len(ids),
		Results:          results,
		CompletedTaskIDs: ids,
	}))
}

// completeAll reports every batch sent to workerID for runID
func (h *harness) completeAll(t *testing.T, workerID, runID string) {
	t.Helper()
	for _, b := range h.dispatcher.batchesForRun(workerID, runID) {
		h.report(t, workerID, runID, b.BatchID, taskIDs(b.Tasks))
	}
}

func (h *harness) finalResult(t *testing.T, requesterID string) model.FinalResult {
	t.Helper()
	events := h.notifier.ofType(requesterID, model.EventFinalResult)
	require.Len(t, events, 1)
	return events[0].Data.(model.FinalResult)
}

func (h *harness) lastProgress(t *testing.T, requesterID string) model.Progress {
	t.Helper()
	events := h.notifier.ofType(requesterID, model.EventTaskProgress)
	require.NotEmpty(t, events)
	return events[len(events)-1].Data.(model.Progress)
}

func countTasks(batches []*model.BatchMessage) int {
	n := 0
	for _, b := range batches {
		n += len(b.Tasks)
	}
	return n
}
