package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ert-concierge/concierge/internal/queue"
	"github.com/ert-concierge/concierge/pkg/protocol"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

const (
	sendChSize     = 1024
	incomingChSize = 1024
	maxReconnect   = 10
	maxBackoff     = 30 * time.Second
	writeWait      = 10 * time.Second
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("client closed")

// IdentifyError reports a handshake rejected by the concierge.
type IdentifyError struct {
	Code int
	Text string
}

func (e *IdentifyError) Error() string {
	return fmt.Sprintf("identify rejected with close code %d: %s", e.Code, e.Text)
}

// connection manages one websocket with a single write goroutine. Frames sent
// while disconnected wait in a bounded backlog and are flushed on reconnect.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	sendCh  chan []byte
	backlog *queue.Queue[[]byte]
	done    chan struct{}
	closed  bool

	cfg    Config
	id     uuid.UUID
	groups map[string]struct{}

	incoming chan protocol.Payload
	logger   *slog.Logger
}

func newConnection(cfg Config, logger *slog.Logger) *connection {
	return &connection{
		sendCh:   make(chan []byte, sendChSize),
		backlog:  queue.NewBounded[[]byte](cfg.Backlog),
		done:     make(chan struct{}),
		cfg:      cfg,
		groups:   make(map[string]struct{}),
		incoming: make(chan protocol.Payload, incomingChSize),
		logger:   logger,
	}
}

// dial connects, identifies and starts the read and write loops.
func (c *connection) dial(ctx context.Context) error {
	conn, id, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.id = id
	c.mu.Unlock()

	c.start(conn)
	return nil
}

// start runs the loops for conn. The read loop owns reconnection; the write
// loop stops with it.
func (c *connection) start(conn *ws.Conn) {
	stop := make(chan struct{})
	go c.writeLoop(conn, stop)
	go c.readLoop(conn, stop)
}

// dialOnce performs a websocket dial followed by the IDENTIFY/HELLO exchange.
func (c *connection) dialOnce(ctx context.Context) (*ws.Conn, uuid.UUID, error) {
	dialer := ws.Dialer{
		Subprotocols:     []string{protocol.Subprotocol},
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	id, err := c.identify(conn)
	if err != nil {
		_ = conn.Close()
		return nil, uuid.Nil, err
	}
	return conn, id, nil
}

func (c *connection) identify(conn *ws.Conn) (uuid.UUID, error) {
	data, err := protocol.Marshal(protocol.Identify{
		Name:    c.cfg.Name,
		Version: c.cfg.Version,
		Secret:  c.cfg.Secret,
	})
	if err != nil {
		return uuid.Nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
		return uuid.Nil, fmt.Errorf("send identify: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		var ce *ws.CloseError
		if errors.As(err, &ce) {
			return uuid.Nil, &IdentifyError{Code: ce.Code, Text: ce.Text}
		}
		return uuid.Nil, fmt.Errorf("wait for hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	p, err := protocol.Decode(reply)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decode hello: %w", err)
	}
	hello, ok := p.(protocol.Hello)
	if !ok {
		return uuid.Nil, fmt.Errorf("expected %s, got %s", protocol.TypeHello, p.PayloadType())
	}
	return hello.UUID, nil
}

// writeLoop drains sendCh into conn. A failed frame goes back to the
// backlog and the socket is closed so the read loop reconnects.
func (c *connection) writeLoop(conn *ws.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-c.done:
			return
		case <-stop:
			return
		case data := <-c.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				c.requeue(data)
				_ = conn.Close()
				return
			}
		}
	}
}

// readLoop decodes frames and hands them to incoming in arrival order.
func (c *connection) readLoop(conn *ws.Conn, stop chan struct{}) {
	defer close(stop)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect(conn)
			return
		}

		p, err := protocol.Decode(message)
		if err != nil {
			c.logger.Debug("Skipping undecodable frame", "error", err, "raw", string(message))
			continue
		}
		c.observe(p)

		select {
		case c.incoming <- p:
		case <-c.done:
			return
		}
	}
}

// observe keeps the subscription set in step with group deletions.
func (c *connection) observe(p protocol.Payload) {
	st, ok := p.(protocol.Status)
	if !ok {
		return
	}
	switch {
	case st.Data.Kind == protocol.StatusUnsubscribed && st.Seq == nil:
		c.mu.Lock()
		delete(c.groups, st.Data.Group)
		c.mu.Unlock()
		c.logger.Info("Group deleted by owner", "group", st.Data.Group)
	case st.IsError():
		c.logger.Debug("Concierge reported error", "status", st.Data.Kind, "group", st.Data.Group, "name", st.Data.Name)
	}
}

// reconnect re-establishes the connection with exponential backoff. Only the
// first caller for a given broken conn proceeds. On success the current
// subscriptions are replayed and the backlog flushed ahead of new frames.
func (c *connection) reconnect(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.mu.Unlock()

	backoff := c.cfg.ReconnectBackoff
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		c.logger.Info("Reconnecting to concierge", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, id, err := c.dialOnce(context.Background())
		if err != nil {
			c.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.id = id
		replay := c.subscriptionsLocked()
		pending := c.backlog.GetAndEmpty()
		c.mu.Unlock()

		if err := c.replay(conn, replay, pending); err != nil {
			c.logger.Warn("Replay after reconnect failed", "error", err)
			c.mu.Lock()
			c.pushBacklogLocked(pending...)
			c.mu.Unlock()
			go c.reconnect(conn)
			return
		}

		c.logger.Info("Reconnected to concierge", "attempt", attempt, "uuid", id)
		c.start(conn)
		return
	}

	c.logger.Error("Concierge reconnect failed after max attempts", "maxAttempts", maxReconnect)
	_ = c.close()
}

// replay writes subscriptions then backlog directly, before the write loop
// starts, so they precede anything queued meanwhile.
func (c *connection) replay(conn *ws.Conn, groups []string, pending [][]byte) error {
	frames := make([][]byte, 0, len(groups)+len(pending))
	for _, g := range groups {
		data, err := protocol.Marshal(protocol.Subscribe{Group: g})
		if err != nil {
			return err
		}
		frames = append(frames, data)
	}
	frames = append(frames, pending...)

	for _, data := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// send hands data to the write loop, or to the backlog while disconnected.
func (c *connection) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		c.pushBacklogLocked(data)
		return nil
	}
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("WebSocket send channel full, moving frame to backlog")
		c.pushBacklogLocked(data)
	}
	return nil
}

func (c *connection) requeue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushBacklogLocked(data)
}

func (c *connection) pushBacklogLocked(data ...[]byte) {
	if dropped := c.backlog.Push(data...); dropped > 0 {
		c.logger.Warn("Backlog full, dropped oldest frames", "dropped", dropped)
	}
}

// close sends a close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	}
	return nil
}
