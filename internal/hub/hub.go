package hub

import (
	"context"
	"sync"
	"time"

	"calcgrid/internal/model"
	"calcgrid/pkg/logger"
	queueredis "calcgrid/pkg/queue/redis"

	"github.com/google/uuid"
)

// Scheduler the scheduler operations driven by websocket traffic
type Scheduler interface {
	RequestRun(ctx context.Context, req model.RunRequest) (model.Admission, error)
	WorkerConnected(ctx context.Context, w model.Worker) error
	WorkerHeartbeat(ctx context.Context, workerID string) error
	WorkerDisconnected(ctx context.Context, workerID string) error
	BatchResult(ctx context.Context, res model.BatchResult) error
	RequesterDisconnected(ctx context.Context, requesterID string) error
	RequestWorkerList(ctx context.Context, requesterID string) error
}

// Delivery the consuming side of the per-worker batch queue
type Delivery interface {
	Receive(ctx context.Context, workerID string, timeout time.Duration) (*queueredis.Delivery, error)
	Ack(ctx context.Context, workerID string, d *queueredis.Delivery) error
	Recover(ctx context.Context, workerID string) (int, error)
}

// Presence mirrors connected workers into shared storage
type Presence interface {
	Save(ctx context.Context, worker *model.Worker) error
	Touch(ctx context.Context, workerID string, at time.Time) error
	Delete(ctx context.Context, workerID string) error
}

// Options hub tuning
type Options struct {
	SendBuffer  int
	PollTimeout time.Duration
	NewID       func() string
	Clock       func() time.Time
}

func (o *Options) applyDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PollTimeout < time.Second {
		o.PollTimeout = time.Second
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Hub owns every worker and requester connection. It implements
// scheduler.Notifier for requester events and feeds workers from their
// delivery queues.
type Hub struct {
	opts     Options
	delivery Delivery
	presence Presence

	mu         sync.RWMutex
	sched      Scheduler
	workers    map[string]*conn
	requesters map[string]*conn
}

// New creates a hub; presence may be nil. Bind must be called before serving.
func New(delivery Delivery, presence Presence, opts Options) *Hub {
	opts.applyDefaults()
	return &Hub{
		opts:       opts,
		delivery:   delivery,
		presence:   presence,
		workers:    make(map[string]*conn),
		requesters: make(map[string]*conn),
	}
}

// Bind attaches the scheduler
func (h *Hub) Bind(s Scheduler) {
	h.mu.Lock()
	h.sched = s
	h.mu.Unlock()
}

func (h *Hub) scheduler() Scheduler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sched
}

// Notify queues an event for one requester. A full buffer drops the event.
func (h *Hub) Notify(requesterID string, event model.Event) {
	h.mu.RLock()
	c, ok := h.requesters[requesterID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := encodeEvent(event.Type, event.Data)
	if err != nil {
		logger.ErrorCtx(context.Background(), "failed to encode %s event: %v", event.Type, err)
		return
	}
	if !c.trySend(data) {
		logger.WarnCtx(context.Background(), "dropping %s event for requester %s, send buffer full", event.Type, requesterID)
	}
}

// Broadcast queues an event for every requester
func (h *Hub) Broadcast(event model.Event) {
	data, err := encodeEvent(event.Type, event.Data)
	if err != nil {
		logger.ErrorCtx(context.Background(), "failed to encode %s event: %v", event.Type, err)
		return
	}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.requesters))
	for _, c := range h.requesters {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.trySend(data) {
			logger.WarnCtx(context.Background(), "dropping %s broadcast for requester %s, send buffer full", event.Type, c.id)
		}
	}
}

// CloseWorker drops a worker's connection; false when it is not connected here
func (h *Hub) CloseWorker(workerID string) bool {
	h.mu.RLock()
	c, ok := h.workers[workerID]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
	return ok
}

// Counts connected workers and requesters
func (h *Hub) Counts() (workers, requesters int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers), len(h.requesters)
}

func (h *Hub) add(set map[string]*conn, c *conn) {
	h.mu.Lock()
	set[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(set map[string]*conn, c *conn) {
	h.mu.Lock()
	if set[c.id] == c {
		delete(set, c.id)
	}
	h.mu.Unlock()
}

// CloseAll drops every connection, used on shutdown
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.workers)+len(h.requesters))
	for _, c := range h.workers {
		conns = append(conns, c)
	}
	for _, c := range h.requesters {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
