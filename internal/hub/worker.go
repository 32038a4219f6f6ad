package hub

import (
	"context"
	"sync"
	"time"

	"calcgrid/internal/model"
	"calcgrid/pkg/logger"

	"github.com/gorilla/websocket"
)

// ServeWorker runs a worker connection until it closes. The worker becomes
// schedulable after its register message.
func (h *Hub) ServeWorker(ctx context.Context, ws *websocket.Conn) {
	sched := h.scheduler()
	c := newConn(h.opts.NewID(), ws, h.opts.SendBuffer)
	go c.writePump()

	ctx, cancel := context.WithCancel(ctx)
	var (
		consumer   sync.WaitGroup
		registered bool
	)
	defer func() {
		cancel()
		c.close()
		consumer.Wait()
		h.remove(h.workers, c)
		if !registered {
			return
		}

		bg := context.WithoutCancel(ctx)
		if err := sched.WorkerDisconnected(bg, c.id); err != nil {
			logger.WarnCtx(bg, "failed to report disconnect of worker %s: %v", c.id, err)
		}
		if h.presence != nil {
			if err := h.presence.Delete(bg, c.id); err != nil {
				logger.WarnCtx(bg, "failed to delete presence of worker %s: %v", c.id, err)
			}
		}
		logger.InfoCtx(bg, "worker %s disconnected", c.id)
	}()

	c.readPump(ctx, func(ctx context.Context, env Envelope) {
		switch env.Type {
		case MsgRegister:
			if registered {
				logger.DebugCtx(ctx, "worker %s registered twice, ignored", c.id)
				return
			}
			var p RegisterPayload
			if err := decodeData(env, &p); err != nil {
				logger.WarnCtx(ctx, "invalid register payload from %s: %v", c.id, err)
				return
			}
			if !h.register(ctx, sched, c, p) {
				c.close()
				return
			}
			registered = true
			consumer.Add(1)
			go func() {
				defer consumer.Done()
				h.consume(ctx, c)
			}()

		case MsgHeartbeat:
			if !registered {
				return
			}
			if err := sched.WorkerHeartbeat(ctx, c.id); err != nil {
				logger.WarnCtx(ctx, "failed to record heartbeat of %s: %v", c.id, err)
			}
			if h.presence != nil {
				if err := h.presence.Touch(ctx, c.id, h.opts.Clock()); err != nil {
					logger.DebugCtx(ctx, "failed to touch presence of %s: %v", c.id, err)
				}
			}

		case MsgBatchResult:
			if !registered {
				logger.WarnCtx(ctx, "batch result from unregistered connection %s, ignored", c.id)
				return
			}
			var res model.BatchResult
			if err := decodeData(env, &res); err != nil {
				logger.WarnCtx(ctx, "invalid batch result from %s: %v", c.id, err)
				return
			}
			res.WorkerID = c.id
			if err := sched.BatchResult(ctx, res); err != nil {
				logger.WarnCtx(ctx, "failed to hand over batch result of %s: %v", c.id, err)
			}

		default:
			logger.DebugCtx(ctx, "unknown message type %q from worker %s", env.Type, c.id)
		}
	})
}

func (h *Hub) register(ctx context.Context, sched Scheduler, c *conn, p RegisterPayload) bool {
	now := h.opts.Clock()
	w := model.Worker{
		ID:            c.id,
		Name:          model.DisplayName(p.System, p.Performance.BenchmarkScore),
		Specs:         p.System,
		Performance:   p.Performance,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	h.add(h.workers, c)
	if err := sched.WorkerConnected(ctx, w); err != nil {
		logger.ErrorCtx(ctx, "failed to register worker %s: %v", c.id, err)
		h.remove(h.workers, c)
		return false
	}
	if h.presence != nil {
		if err := h.presence.Save(ctx, &w); err != nil {
			logger.WarnCtx(ctx, "failed to save presence of worker %s: %v", c.id, err)
		}
	}

	if data, err := encodeEvent(model.EventRegisterAck, RegisterAck{WorkerID: c.id, Name: w.Name}); err == nil {
		c.trySend(data)
	}
	logger.InfoCtx(ctx, "worker %s registered as %s", c.id, w.Name)
	return true
}

// consume moves batches from the worker's queue onto its socket. A batch is
// acknowledged only after it was written; one left in flight is discarded
// with the queue when the worker disconnects.
func (h *Hub) consume(ctx context.Context, c *conn) {
	if n, err := h.delivery.Recover(ctx, c.id); err != nil {
		logger.WarnCtx(ctx, "failed to recover in-flight batches of %s: %v", c.id, err)
	} else if n > 0 {
		logger.InfoCtx(ctx, "recovered %d in-flight batches of %s", n, c.id)
	}

	for ctx.Err() == nil {
		d, err := h.delivery.Receive(ctx, c.id, h.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnCtx(ctx, "failed to receive batch for %s: %v", c.id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.opts.PollTimeout):
			}
			continue
		}
		if d == nil {
			continue
		}

		data, err := encodeEvent(model.EventTaskBatch, d.Batch)
		if err != nil {
			// it will never encode; drop it rather than redeliver it forever
			logger.ErrorCtx(ctx, "dropping unencodable batch %d of run %s: %v", d.Batch.BatchID, d.Batch.RunID, err)
			if err := h.delivery.Ack(ctx, c.id, d); err != nil {
				logger.WarnCtx(ctx, "failed to drop batch %d of run %s: %v", d.Batch.BatchID, d.Batch.RunID, err)
			}
			continue
		}
		if err := c.sendAndWait(ctx, data); err != nil {
			return
		}
		if err := h.delivery.Ack(ctx, c.id, d); err != nil {
			logger.WarnCtx(ctx, "failed to ack batch %d of run %s: %v", d.Batch.BatchID, d.Batch.RunID, err)
		}
	}
}
