package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-inbox/internal/tenancy"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = 30 * time.Second
	maxFrameBytes      = 64 << 10
	DefaultSendBuffer  = 64
	closeSlowConsumer  = 4008
	closeHubShutdown   = websocket.CloseGoingAway
	closeNormalSession = websocket.CloseNormalClosure
)

var (
	ErrConnectionClosed = errors.New("realtime: connection closed")
	ErrSlowConsumer     = errors.New("realtime: send buffer full")
)

// Connection is one authenticated socket. Writes go through a buffered
// channel drained by a single write loop; a full buffer closes the socket.
type Connection struct {
	ID       string
	TenantID string
	UserID   string

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewConnection wraps ws for an authenticated identity. ws may be nil for
// in-process consumers; frames then accumulate in the buffer.
func NewConnection(id tenancy.Identity, ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Connection{
		ID:       uuid.NewString(),
		TenantID: id.TenantID,
		UserID:   id.UserID,
		ws:       ws,
		send:     make(chan []byte, buffer),
		closed:   make(chan struct{}),
	}
}

func (c *Connection) start() {
	if c.ws != nil {
		go c.writeLoop()
	}
}

// Send enqueues payload without blocking.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(closeSlowConsumer, "send buffer full")
		return ErrSlowConsumer
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Close terminates the connection. Safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
