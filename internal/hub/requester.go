package hub

import (
	"context"

	"calcgrid/internal/model"
	"calcgrid/internal/scheduler"
	"calcgrid/pkg/logger"

	"github.com/gorilla/websocket"
)

// ServeRequester runs a requester connection until it closes. Leaving cancels
// the requester's run.
func (h *Hub) ServeRequester(ctx context.Context, ws *websocket.Conn) {
	sched := h.scheduler()
	c := newConn(h.opts.NewID(), ws, h.opts.SendBuffer)
	h.add(h.requesters, c)
	go c.writePump()

	defer func() {
		c.close()
		h.remove(h.requesters, c)
		bg := context.WithoutCancel(ctx)
		if err := sched.RequesterDisconnected(bg, c.id); err != nil {
			logger.WarnCtx(bg, "failed to report disconnect of requester %s: %v", c.id, err)
		}
		logger.InfoCtx(bg, "requester %s disconnected", c.id)
	}()

	logger.InfoCtx(ctx, "requester %s connected", c.id)
	if err := sched.RequestWorkerList(ctx, c.id); err != nil {
		logger.WarnCtx(ctx, "failed to send worker list to %s: %v", c.id, err)
	}

	c.readPump(ctx, func(ctx context.Context, env Envelope) {
		switch env.Type {
		case MsgStart:
			var p StartPayload
			if err := decodeData(env, &p); err != nil {
				h.reply(c, model.EventStartAck, StartAck{Reason: scheduler.ReasonInvalidParams})
				return
			}
			adm, err := sched.RequestRun(ctx, model.RunRequest{
				RequesterID: c.id,
				WorkerIDs:   p.WorkerIDs,
				Params:      p.TaskParams,
			})
			if err != nil {
				logger.InfoCtx(ctx, "run of requester %s rejected: %v", c.id, err)
				h.reply(c, model.EventStartAck, StartAck{Reason: scheduler.ReasonFor(err)})
				return
			}
			h.reply(c, model.EventStartAck, StartAck{
				Accepted: adm.Accepted,
				Waiting:  adm.Waiting,
				Reason:   adm.Reason,
				RunID:    adm.RunID,
			})

		case MsgRequestWorkerList:
			if err := sched.RequestWorkerList(ctx, c.id); err != nil {
				logger.WarnCtx(ctx, "failed to send worker list to %s: %v", c.id, err)
			}

		default:
			logger.DebugCtx(ctx, "unknown message type %q from requester %s", env.Type, c.id)
		}
	})
}

func (h *Hub) reply(c *conn, t model.EventType, data interface{}) {
	msg, err := encodeEvent(t, data)
	if err != nil {
		logger.ErrorCtx(context.Background(), "failed to encode %s: %v", t, err)
		return
	}
	if !c.trySend(msg) {
		logger.WarnCtx(context.Background(), "dropping %s for %s, send buffer full", t, c.id)
	}
}
