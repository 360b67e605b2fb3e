// Package concierge implements the websocket pub/sub hub: client
// identification, named groups and message routing.
package concierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ert-concierge/concierge/internal/dispatcher"
	"github.com/ert-concierge/concierge/pkg/protocol"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// ErrDuplicateName is returned when a client identifies with a name already in use.
var ErrDuplicateName = errors.New("name already registered")

// Audit records session and file lifecycle. Implemented by store.Manager.
type Audit interface {
	RecordJoin(id uuid.UUID, name, addr string) error
	RecordLeave(id uuid.UUID) error
	DeleteFiles(owner string) error
}

// Metrics counts traffic. Implemented by influx.Manager.
type Metrics interface {
	RecordJoin(name string) error
	RecordLeave(name string, connected time.Duration) error
	RecordRoute(kind string, recipients int) error
}

// Config holds hub settings.
type Config struct {
	Secret          string
	IdentifyTimeout time.Duration
	FsRoot          string
}

// Dependencies holds the collaborators of a Hub. Audit and Metrics are optional.
type Dependencies struct {
	Logger     *slog.Logger
	Dispatcher *dispatcher.Dispatcher
	Audit      Audit
	Metrics    Metrics
}

type group struct {
	name        string
	owner       uuid.UUID
	subscribers map[uuid.UUID]struct{}
}

// Hub tracks identified clients and their groups.
type Hub struct {
	mu        sync.RWMutex
	namespace map[string]uuid.UUID
	clients   map[uuid.UUID]*client
	groups    map[string]*group

	cfg        Config
	versionReq *semver.Constraints
	upgrader   ws.Upgrader
	dispatcher *dispatcher.Dispatcher
	audit      Audit
	metrics    Metrics
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a hub and registers its payload handlers on deps.Dispatcher.
func New(cfg Config, deps Dependencies) (*Hub, error) {
	req, err := semver.NewConstraint(protocol.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("parse version constraint: %w", err)
	}
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher, err = dispatcher.New(logger)
		if err != nil {
			return nil, err
		}
	}

	h := &Hub{
		namespace:  make(map[string]uuid.UUID),
		clients:    make(map[uuid.UUID]*client),
		groups:     make(map[string]*group),
		cfg:        cfg,
		versionReq: req,
		upgrader: ws.Upgrader{
			Subprotocols: []string{protocol.Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		dispatcher: deps.Dispatcher,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		logger:     logger,
	}
	h.registerHandlers()
	return h, nil
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	name, code := h.identify(conn)
	if code != 0 {
		h.logger.Warn("Client failed to identify", "addr", r.RemoteAddr, "code", code)
		reject(conn, code)
		return
	}

	c := newClient(conn, name, r.RemoteAddr, h.logger)
	if err := h.register(c); err != nil {
		h.logger.Warn("Client rejected", "addr", r.RemoteAddr, "name", name, "error", err)
		reject(conn, protocol.CloseDuplicateAuth)
		return
	}

	go c.writePump()
	h.readPump(c)
	h.unregister(c)
}

// identify reads the first frame and validates it as IDENTIFY. A non-zero
// close code is returned on failure.
func (h *Hub) identify(conn *ws.Conn) (string, int) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdentifyTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", protocol.CloseAuthFailed
	}
	_ = conn.SetReadDeadline(time.Time{})

	p, err := protocol.Decode(data)
	if err != nil {
		return "", protocol.CloseFatalDecode
	}
	id, ok := p.(protocol.Identify)
	if !ok {
		return "", protocol.CloseNoAuth
	}
	if id.Secret != h.cfg.Secret {
		return "", protocol.CloseBadSecret
	}
	v, err := semver.NewVersion(id.Version)
	if err != nil || !h.versionReq.Check(v) {
		return "", protocol.CloseBadVersion
	}
	if !validName(id.Name) {
		return "", protocol.CloseAuthFailed
	}
	return id.Name, 0
}

// validName rejects names that cannot double as an fs directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func reject(conn *ws.Conn, code int) {
	msg := ws.FormatCloseMessage(code, "Identification failed")
	_ = conn.WriteControl(ws.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// register inserts the client and queues its HELLO ahead of any other frame.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	if _, taken := h.namespace[c.name]; taken {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateName, c.name)
	}
	h.namespace[c.name] = c.id
	h.clients[c.id] = c
	c.sendPayload(protocol.Hello{UUID: c.id, Version: protocol.Version})
	h.broadcastExcept(protocol.ClientJoined(c.info()), c.id)
	h.mu.Unlock()

	h.logger.Info("Client joined", "name", c.name, "uuid", c.id, "addr", c.addr)

	if h.audit != nil {
		if err := h.audit.RecordJoin(c.id, c.name, c.addr); err != nil {
			h.logger.Error("Failed to record join", "error", err)
		}
	}
	if h.metrics != nil {
		_ = h.metrics.RecordJoin(c.name)
	}
	return nil
}

// unregister drops the client, its owned groups and its fs directory.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.id] != c {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	delete(h.namespace, c.name)

	for name, g := range h.groups {
		if g.owner == c.id {
			h.deleteGroupLocked(name)
			continue
		}
		delete(g.subscribers, c.id)
	}
	h.broadcastExcept(protocol.ClientLeft(c.info()), uuid.Nil)
	h.mu.Unlock()

	c.close()
	h.logger.Info("Client left", "name", c.name, "uuid", c.id, "connected", time.Since(c.joined))

	if h.cfg.FsRoot != "" {
		dir := filepath.Join(h.cfg.FsRoot, c.name)
		if err := os.RemoveAll(dir); err != nil {
			h.logger.Warn("Could not delete client directory", "path", dir, "error", err)
		}
	}
	if h.audit != nil {
		if err := h.audit.RecordLeave(c.id); err != nil {
			h.logger.Error("Failed to record leave", "error", err)
		}
		if err := h.audit.DeleteFiles(c.name); err != nil {
			h.logger.Error("Failed to clear file records", "error", err)
		}
	}
	if h.metrics != nil {
		_ = h.metrics.RecordLeave(c.name, time.Since(c.joined))
	}
}

// deleteGroupLocked notifies subscribers and removes the group. h.mu must be held.
func (h *Hub) deleteGroupLocked(name string) {
	g, ok := h.groups[name]
	if !ok {
		return
	}
	data, err := protocol.Marshal(protocol.Unsubscribed(nil, name))
	if err == nil {
		for id := range g.subscribers {
			if sub, ok := h.clients[id]; ok {
				sub.enqueue(data)
				delete(sub.groups, name)
			}
		}
	}
	delete(h.groups, name)
}

// broadcastExcept sends p to every client but skip. h.mu must be held.
func (h *Hub) broadcastExcept(p protocol.Payload, skip uuid.UUID) int {
	data, err := protocol.Marshal(p)
	if err != nil {
		h.logger.Error("Failed to encode broadcast", "type", p.PayloadType(), "error", err)
		return 0
	}
	n := 0
	for id, c := range h.clients {
		if id == skip {
			continue
		}
		if c.enqueue(data) {
			n++
		}
	}
	return n
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for seq := 0; ; seq++ {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				c.logger.Warn("Websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleFrame(c, seq, data)
	}
}

func (h *Hub) handleFrame(c *client, seq int, data []byte) {
	p, err := protocol.Decode(data)
	if err != nil {
		c.sendPayload(protocol.ProtocolError(seq, err.Error()))
		return
	}

	result, err := h.dispatcher.Dispatch(dispatcher.Event{
		Type:    p.PayloadType(),
		Payload: p,
		Seq:     seq,
		Source:  c.id.String(),
	})
	switch {
	case errors.Is(err, dispatcher.ErrNoHandler):
		c.sendPayload(protocol.Unsupported(seq))
		return
	case err != nil:
		c.sendPayload(protocol.ProtocolError(seq, err.Error()))
		return
	}
	if reply, ok := result.(protocol.Payload); ok {
		c.sendPayload(reply)
	}
}

// ClientName returns the name of the client holding id.
func (h *Hub) ClientName(id uuid.UUID) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return "", false
	}
	return c.name, true
}

// Clients returns the connected clients sorted by name.
func (h *Hub) Clients() []protocol.ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientInfosLocked(nil)
}

// Groups returns the group names sorted.
func (h *Hub) Groups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.groups))
	for name := range h.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clientInfosLocked lists ids (or every client when ids is nil) sorted by name.
func (h *Hub) clientInfosLocked(ids map[uuid.UUID]struct{}) []protocol.ClientInfo {
	out := make([]protocol.ClientInfo, 0, len(h.clients))
	for id, c := range h.clients {
		if ids != nil {
			if _, ok := ids[id]; !ok {
				continue
			}
		}
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown closes every connection and waits for their handlers to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	for _, c := range h.clients {
		c.close()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
