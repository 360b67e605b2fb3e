package concierge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ert-concierge/concierge/pkg/protocol"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

const (
	sendChSize   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 4 << 20
)

// client is one identified websocket connection. The groups set is guarded by
// the hub lock; everything else by mu or immutable after registration.
type client struct {
	id     uuid.UUID
	name   string
	addr   string
	joined time.Time
	conn   *ws.Conn
	groups map[string]struct{}

	mu     sync.Mutex
	send   chan []byte
	closed bool

	logger *slog.Logger
}

func newClient(conn *ws.Conn, name, addr string, logger *slog.Logger) *client {
	id := uuid.New()
	return &client{
		id:     id,
		name:   name,
		addr:   addr,
		joined: time.Now(),
		conn:   conn,
		groups: make(map[string]struct{}),
		send:   make(chan []byte, sendChSize),
		logger: logger.With("client", name, "uuid", id),
	}
}

func (c *client) info() protocol.ClientInfo {
	return protocol.ClientInfo{Name: c.name, UUID: c.id}
}

func (c *client) origin(group string) *protocol.Origin {
	return &protocol.Origin{UUID: c.id, Name: c.name, Group: group}
}

// enqueue hands a frame to the write pump. Frames for a closed client or a
// full queue are dropped.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Send queue full, dropping frame")
		return false
	}
}

func (c *client) sendPayload(p protocol.Payload) {
	data, err := protocol.Marshal(p)
	if err != nil {
		c.logger.Error("Failed to encode payload", "type", p.PayloadType(), "error", err)
		return
	}
	c.enqueue(data)
}

// close stops the write pump, which sends a close frame and drops the socket.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
