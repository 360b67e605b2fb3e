// Package client is a reconnecting websocket client for the concierge.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ert-concierge/concierge/pkg/protocol"
	"github.com/google/uuid"
)

// Config holds client connection settings.
type Config struct {
	URL     string
	Name    string
	Secret  string
	Version string

	HandshakeTimeout time.Duration
	ReconnectBackoff time.Duration
	// Backlog bounds the frames kept while disconnected.
	Backlog int
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = protocol.Version
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.Backlog <= 0 {
		c.Backlog = 1024
	}
}

// Client is safe for concurrent use.
type Client struct {
	conn *connection
	cfg  Config
}

func New(cfg Config, logger *slog.Logger) *Client {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn: newConnection(cfg, logger.With("component", "concierge-client")),
		cfg:  cfg,
	}
}

// Dial connects and identifies. It returns an *IdentifyError when the
// concierge closes the handshake.
func (c *Client) Dial(ctx context.Context) error {
	return c.conn.dial(ctx)
}

// Incoming delivers decoded payloads in arrival order.
func (c *Client) Incoming() <-chan protocol.Payload {
	return c.conn.incoming
}

// Done is closed once the client is closed or gives up reconnecting.
func (c *Client) Done() <-chan struct{} {
	return c.conn.done
}

func (c *Client) UUID() uuid.UUID {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	return c.conn.id
}

func (c *Client) Name() string {
	return c.cfg.Name
}

// Send queues a payload for the concierge. Delivery is fire-and-forget.
func (c *Client) Send(p protocol.Payload) error {
	data, err := protocol.Marshal(p)
	if err != nil {
		return err
	}
	return c.conn.send(data)
}

// Subscribe joins group and remembers it for replay after reconnects.
func (c *Client) Subscribe(group string) error {
	c.conn.mu.Lock()
	c.conn.groups[group] = struct{}{}
	c.conn.mu.Unlock()
	return c.Send(protocol.Subscribe{Group: group})
}

func (c *Client) Unsubscribe(group string) error {
	c.conn.mu.Lock()
	delete(c.conn.groups, group)
	c.conn.mu.Unlock()
	return c.Send(protocol.Unsubscribe{Group: group})
}

// Subscriptions returns the groups replayed on reconnect.
func (c *Client) Subscriptions() []string {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	return c.conn.subscriptionsLocked()
}

// SendTo wraps p in a MESSAGE addressed to the client called name.
func (c *Client) SendTo(name string, p protocol.Payload) error {
	return c.sendMessage(protocol.ToName(name), p)
}

// SendGroup wraps p in a MESSAGE to every subscriber of group.
func (c *Client) SendGroup(group string, p protocol.Payload) error {
	return c.sendMessage(protocol.ToGroup(group), p)
}

func (c *Client) sendMessage(target protocol.Target, p protocol.Payload) error {
	msg, err := protocol.NewMessage(target, p)
	if err != nil {
		return fmt.Errorf("wrap %s: %w", p.PayloadType(), err)
	}
	return c.Send(msg)
}

func (c *Client) Close() error {
	return c.conn.close()
}
