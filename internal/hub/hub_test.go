package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calcgrid/internal/model"
	"calcgrid/internal/scheduler"
	queueredis "calcgrid/pkg/queue/redis"
	redisstore "calcgrid/pkg/store/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedCalls struct {
	connected     []model.Worker
	heartbeats    []string
	disconnected  []string
	results       []model.BatchResult
	requests      []model.RunRequest
	leftRequester []string
	listRequests  []string
}

type fakeScheduler struct {
	mu           sync.Mutex
	calls        schedCalls
	admission    model.Admission
	admissionErr error
}

func (f *fakeScheduler) RequestRun(ctx context.Context, req model.RunRequest) (model.Admission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.requests = append(f.calls.requests, req)
	return f.admission, f.admissionErr
}

func (f *fakeScheduler) WorkerConnected(ctx context.Context, w model.Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.connected = append(f.calls.connected, w)
	return nil
}

func (f *fakeScheduler) WorkerHeartbeat(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.heartbeats = append(f.calls.heartbeats, workerID)
	return nil
}

func (f *fakeScheduler) WorkerDisconnected(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.disconnected = append(f.calls.disconnected, workerID)
	return nil
}

func (f *fakeScheduler) BatchResult(ctx context.Context, res model.BatchResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.results = append(f.calls.results, res)
	return nil
}

func (f *fakeScheduler) RequesterDisconnected(ctx context.Context, requesterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.leftRequester = append(f.calls.leftRequester, requesterID)
	return nil
}

func (f *fakeScheduler) RequestWorkerList(ctx context.Context, requesterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.listRequests = append(f.calls.listRequests, requesterID)
	return nil
}

func (f *fakeScheduler) snapshot() schedCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return schedCalls{
		connected:     append([]model.Worker(nil), f.calls.connected...),
		heartbeats:    append([]string(nil), f.calls.heartbeats...),
		disconnected:  append([]string(nil), f.calls.disconnected...),
		results:       append([]model.BatchResult(nil), f.calls.results...),
		requests:      append([]model.RunRequest(nil), f.calls.requests...),
		leftRequester: append([]string(nil), f.calls.leftRequester...),
		listRequests:  append([]string(nil), f.calls.listRequests...),
	}
}

type testEnv struct {
	hub      *Hub
	sched    *fakeScheduler
	queue    *queueredis.DeliveryQueue
	presence *redisstore.WorkerRepository
	rdb      *redis.Client
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := redisstore.WrapClient(rdb)

	var seq int64
	env := &testEnv{
		sched:    &fakeScheduler{},
		queue:    queueredis.NewDeliveryQueue(rc, "test:delivery"),
		presence: redisstore.NewWorkerRepository(rc),
		rdb:      rdb,
	}
	env.hub = New(env.queue, env.presence, Options{
		SendBuffer:  16,
		PollTimeout: time.Second,
		NewID:       func() string { return fmt.Sprintf("conn-%d", atomic.AddInt64(&seq, 1)) },
	})
	env.hub.Bind(env.sched)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/worker", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.hub.ServeWorker(context.Background(), ws)
	})
	mux.HandleFunc("/ws/client", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.hub.ServeRequester(context.Background(), ws)
	})
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Envelope{Type: msgType, Data: raw}))
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func next(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func registerWorker(t *testing.T, e *testEnv) (*websocket.Conn, RegisterAck) {
	t.Helper()
	ws := e.dial(t, "/ws/worker")
	send(t, ws, MsgRegister, RegisterPayload{
		System:      model.WorkerSpecs{Platform: "Linux", HardwareConcurrency: 8},
		Performance: model.WorkerPerformance{BenchmarkScore: 2.5, Latency: 12},
	})
	f := next(t, ws)
	require.Equal(t, string(model.EventRegisterAck), f.Type)
	var ack RegisterAck
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	return ws, ack
}

func TestHub_WorkerRegistration(t *testing.T) {
	e := newTestEnv(t)
	_, ack := registerWorker(t, e)

	assert.Equal(t, "Linux (2.50)", ack.Name)
	snap := e.sched.snapshot()
	require.Len(t, snap.connected, 1)
	assert.Equal(t, ack.WorkerID, snap.connected[0].ID)
	assert.Equal(t, 8, snap.connected[0].Specs.HardwareConcurrency)

	w, err := e.presence.Get(context.Background(), ack.WorkerID)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "Linux (2.50)", w.Name)
}

func TestHub_IgnoresTrafficBeforeRegister(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t, "/ws/worker")

	send(t, ws, MsgHeartbeat, HeartbeatPayload{ActiveTasksCount: 1})
	send(t, ws, MsgBatchResult, model.BatchResult{RunID: "r", TasksCount: 1, Results: []float64{1}})
	send(t, ws, MsgRegister, RegisterPayload{})
	var ack RegisterAck
	require.NoError(t, json.Unmarshal(next(t, ws).Data, &ack))

	assert.Equal(t, "Unknown (0.00)", ack.Name)
	snap := e.sched.snapshot()
	assert.Empty(t, snap.heartbeats)
	assert.Empty(t, snap.results)
}

func TestHub_DeliversQueuedBatches(t *testing.T) {
	e := newTestEnv(t)
	ws, ack := registerWorker(t, e)
	ctx := context.Background()

	require.NoError(t, e.queue.Send(ctx, ack.WorkerID, &model.BatchMessage{
		RunID:         "run-1",
		BatchID:       0,
		CorrelationID: "corr-1",
		Method:        model.MethodCustom1D,
		Tasks:         []model.Task{{ID: 0, Method: model.MethodCustom1D, Params: []float64{0, 1}}},
	}))

	f := next(t, ws)
	require.Equal(t, string(model.EventTaskBatch), f.Type)
	var batch model.BatchMessage
	require.NoError(t, json.Unmarshal(f.Data, &batch))
	assert.Equal(t, "run-1", batch.RunID)
	require.Len(t, batch.Tasks, 1)

	processing := "test:delivery:" + ack.WorkerID + ":processing"
	assert.Eventually(t, func() bool {
		n, err := e.rdb.LLen(ctx, processing).Result()
		return err == nil && n == 0
	}, 3*time.Second, 20*time.Millisecond, "delivered batch should be acknowledged")
}

func TestHub_DropsUnencodableBatch(t *testing.T) {
	e := newTestEnv(t)
	ws, ack := registerWorker(t, e)
	ctx := context.Background()

	require.NoError(t, e.queue.Send(ctx, ack.WorkerID, &model.BatchMessage{
		RunID:   "run-1",
		BatchID: 0,
		Method:  model.MethodCustom1D,
		Tasks:   []model.Task{{ID: 0, Method: model.MethodCustom1D, Params: []float64{math.NaN()}}},
	}))
	require.NoError(t, e.queue.Send(ctx, ack.WorkerID, &model.BatchMessage{
		RunID:   "run-1",
		BatchID: 1,
		Method:  model.MethodCustom1D,
		Tasks:   []model.Task{{ID: 1, Method: model.MethodCustom1D, Params: []float64{1, 2}}},
	}))

	f := next(t, ws)
	require.Equal(t, string(model.EventTaskBatch), f.Type)
	var batch model.BatchMessage
	require.NoError(t, json.Unmarshal(f.Data, &batch))
	assert.Equal(t, 1, batch.BatchID)

	processing := "test:delivery:" + ack.WorkerID + ":processing"
	assert.Eventually(t, func() bool {
		n, err := e.rdb.LLen(ctx, processing).Result()
		return err == nil && n == 0
	}, 3*time.Second, 20*time.Millisecond, "the bad batch should not linger in flight")
}

func TestHub_ForwardsHeartbeatAndResults(t *testing.T) {
	e := newTestEnv(t)
	ws, ack := registerWorker(t, e)

	send(t, ws, MsgHeartbeat, HeartbeatPayload{ActiveTasksCount: 2})
	send(t, ws, MsgBatchResult, map[string]interface{}{
		"runId":            "run-1",
		"batchId":          3,
		"tasksCount":       2,
		"results":          []float64{0.5, 0.25},
		"completedTaskIds": []int{6, 7},
		"workerId":         "spoofed",
	})

	assert.Eventually(t, func() bool {
		snap := e.sched.snapshot()
		return len(snap.heartbeats) == 1 && len(snap.results) == 1
	}, 3*time.Second, 10*time.Millisecond)

	res := e.sched.snapshot().results[0]
	assert.Equal(t, ack.WorkerID, res.WorkerID)
	assert.Equal(t, 3, res.BatchID)
	assert.Equal(t, []int{6, 7}, res.CompletedTaskIDs)
}

func TestHub_WorkerDisconnect(t *testing.T) {
	e := newTestEnv(t)
	ws, ack := registerWorker(t, e)
	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		return len(e.sched.snapshot().disconnected) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, ack.WorkerID, e.sched.snapshot().disconnected[0])

	assert.Eventually(t, func() bool {
		_, err := e.presence.Get(context.Background(), ack.WorkerID)
		return err != nil
	}, 3*time.Second, 20*time.Millisecond, "presence record should be gone")
	workers, _ := e.hub.Counts()
	assert.Zero(t, workers)
}

func TestHub_CloseWorker(t *testing.T) {
	e := newTestEnv(t)
	_, ack := registerWorker(t, e)

	assert.True(t, e.hub.CloseWorker(ack.WorkerID))
	assert.False(t, e.hub.CloseWorker("missing"))
	assert.Eventually(t, func() bool {
		return len(e.sched.snapshot().disconnected) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHub_RequesterStart(t *testing.T) {
	e := newTestEnv(t)
	e.sched.admission = model.Admission{RunID: "run-9", Accepted: true, Waiting: true}
	ws := e.dial(t, "/ws/client")

	send(t, ws, MsgStart, StartPayload{
		WorkerIDs:  []string{"w1", "w2"},
		TaskParams: model.TaskParams{Method: model.MethodCustom1D, Params: []float64{0, 1, 10}},
	})
	f := next(t, ws)
	require.Equal(t, string(model.EventStartAck), f.Type)
	var ack StartAck
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	assert.Equal(t, StartAck{Accepted: true, Waiting: true, RunID: "run-9"}, ack)

	snap := e.sched.snapshot()
	require.Len(t, snap.requests, 1)
	assert.Equal(t, []string{"w1", "w2"}, snap.requests[0].WorkerIDs)
	require.Len(t, snap.listRequests, 1, "worker list is sent on connect")
	assert.Equal(t, snap.listRequests[0], snap.requests[0].RequesterID)
}

func TestHub_RequesterStartRejected(t *testing.T) {
	e := newTestEnv(t)
	e.sched.admissionErr = fmt.Errorf("%w: requested [x]", scheduler.ErrNoValidWorkers)
	ws := e.dial(t, "/ws/client")

	send(t, ws, MsgStart, StartPayload{WorkerIDs: []string{"x"}})
	var ack StartAck
	require.NoError(t, json.Unmarshal(next(t, ws).Data, &ack))
	assert.False(t, ack.Accepted)
	assert.Equal(t, scheduler.ReasonNoValidWorkers, ack.Reason)
}

func TestHub_NotifyAndBroadcast(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t, "/ws/client")

	var requesterID string
	require.Eventually(t, func() bool {
		snap := e.sched.snapshot()
		if len(snap.listRequests) == 0 {
			return false
		}
		requesterID = snap.listRequests[0]
		return true
	}, 3*time.Second, 10*time.Millisecond)

	e.hub.Notify(requesterID, model.Event{Type: model.EventTaskProgress, Data: model.Progress{RunID: "r", Done: 1, Total: 2}})
	f := next(t, ws)
	assert.Equal(t, string(model.EventTaskProgress), f.Type)

	e.hub.Broadcast(model.Event{Type: model.EventQueueStatus, Data: map[string]model.QueueStatus{}})
	assert.Equal(t, string(model.EventQueueStatus), next(t, ws).Type)

	e.hub.Notify("nobody", model.Event{Type: model.EventTaskProgress})
}

func TestHub_RequesterDisconnect(t *testing.T) {
	e := newTestEnv(t)
	ws := e.dial(t, "/ws/client")
	require.Eventually(t, func() bool {
		_, n := e.hub.Counts()
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return len(e.sched.snapshot().leftRequester) == 1
	}, 3*time.Second, 10*time.Millisecond)
	_, n := e.hub.Counts()
	assert.Zero(t, n)
}
