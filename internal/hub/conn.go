package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"calcgrid/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 << 20
)

var errConnClosed = errors.New("connection closed")

type outbound struct {
	data []byte
	// closed once the frame is on the wire; nil when nobody waits for it
	written chan struct{}
}

// conn is a middleman between one websocket connection and the hub
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan outbound
	done chan struct{}

	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, buffer int) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		send: make(chan outbound, buffer),
		done: make(chan struct{}),
	}
}

// trySend queues a frame without blocking; false when the buffer is full or
// the connection is gone
func (c *conn) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outbound{data: data}:
		return true
	default:
		return false
	}
}

// sendAndWait queues a frame and blocks until it is written
func (c *conn) sendAndWait(ctx context.Context, data []byte) error {
	o := outbound{data: data, written: make(chan struct{})}
	select {
	case c.send <- o:
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-o.written:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump delivers inbound frames to handle until the peer goes away
func (c *conn) readPump(ctx context.Context, handle func(ctx context.Context, env Envelope)) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnCtx(ctx, "connection %s read error: %v", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			logger.DebugCtx(ctx, "connection %s sent non-text frame %d, ignored", c.id, mt)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.WarnCtx(ctx, "connection %s sent malformed frame: %v", c.id, err)
			continue
		}
		handle(ctx, env)
	}
}

func (c *conn) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump is the only writer of the websocket
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case o := <-c.send:
			if err := c.write(websocket.TextMessage, o.data); err != nil {
				return
			}
			if o.written != nil {
				close(o.written)
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
