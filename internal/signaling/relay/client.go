package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one websocket connection. The reader goroutine owns inbound
// processing; the writer goroutine is the only one writing data frames.
type client struct {
	id       string
	conn     *websocket.Conn
	platform string
	subject  string

	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       ConnState
	closeCode   int
	closeReason string
}

func newClient(parent context.Context, id string, conn *websocket.Conn, buffer int) *client {
	ctx, cancel := context.WithCancel(parent)
	return &client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, buffer),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
		closeCode: websocket.CloseNormalClosure,
	}
}

// transition moves to next if the state table allows it.
func (c *client) transition(next ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransitionTo(next) {
		return false
	}
	c.state = next
	return true
}

func (c *client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// closeWith asks the writer to send a close frame and stop. The first
// reason wins.
func (c *client) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.ctx.Err() == nil {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.cancel()
}

// enqueue queues a frame for the writer. A full buffer means the peer is
// not keeping up; the connection is closed rather than blocking the sender.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.closeWith(websocket.ClosePolicyViolation, "send buffer full")
		return false
	}
}

func (c *client) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.drain(writeTimeout)
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
			return
		}
	}
}

// drain flushes frames queued before the close so a final call-ended or
// error status still reaches the peer.
func (c *client) drain(writeTimeout time.Duration) {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
