package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

const outboundBuffer = 64

// connection owns one websocket. All outbound traffic goes through the
// channel so writes stay per-connection FIFO regardless of which goroutine
// routed the message.
type connection struct {
	ws        *websocket.Conn
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{
		ws:       ws,
		outbound: make(chan []byte, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// writeLoop drains the outbound channel onto the socket until the
// connection closes.
func (c *connection) writeLoop() {
	for {
		select {
		case msg := <-c.outbound:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// send enqueues a message for delivery. It reports false when the
// connection is closed or backed up; the caller degrades to the persisted
// queue path instead of retrying in place.
func (c *connection) send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}
