package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one long-lived bidirectional message stream. Only the connection's writer
// goroutine calls WriteMessage and WritePing; Close may be called from anywhere and must
// unblock a pending ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	SetPongHandler(fn func())
	Close(code int, reason string) error
}

// Conn is one admitted connection. Its identity is fixed at admission.
type Conn struct {
	id        string
	UserID    string
	SessionID string
	TokenID   string
	Role      string
	Scope     string
	ExpiresAt time.Time

	credential string
	transport  Transport
	reg        *Registry

	send     chan []byte
	lastSeen atomic.Int64
	pending  atomic.Int32 // pings sent since the last sign of life

	closeOnce   sync.Once
	done        chan struct{}
	readDone    chan struct{}
	final       []byte
	closeCode   int
	closeReason string
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// LastSeen returns when the peer last sent a frame or answered a ping.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Enqueue queues msg for the writer without blocking. A connection whose queue is full is
// closed; its peer reconnects and resynchronizes from a snapshot.
func (c *Conn) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.reg.log.Warn("realtime: send queue full, closing connection", "conn_id", c.id, "user_id", c.UserID)
		c.shutdown(nil, websocket.CloseTryAgainLater, "send queue full")
		return false
	}
}

func (c *Conn) touch() {
	c.lastSeen.Store(c.reg.clock.Now().UnixNano())
	c.pending.Store(0)
}

// shutdown starts closing the connection. final, when set, is written before the close frame.
// The send channel is never closed so concurrent publishers cannot panic.
func (c *Conn) shutdown(final []byte, code int, reason string) {
	c.closeOnce.Do(func() {
		c.final = final
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *Conn) writeLoop() {
	ticker := c.reg.clock.NewTicker(c.reg.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			if c.final != nil {
				_ = c.transport.WriteMessage(c.final)
			}
			_ = c.transport.Close(c.closeCode, c.closeReason)
			return
		case msg := <-c.send:
			if err := c.transport.WriteMessage(msg); err != nil {
				c.shutdown(nil, websocket.CloseGoingAway, "write failed")
			}
		case <-ticker.Chan():
			c.reg.heartbeat(c)
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.shutdown(nil, websocket.CloseNormalClosure, "peer closed")
			return
		}
		c.touch()
		c.reg.handleInbound(ctx, c, data)
	}
}
