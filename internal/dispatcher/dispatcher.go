package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ert-concierge/concierge/internal/dispatcher"

// ErrNoHandler is returned by Dispatch when no handler is registered for the event type.
var ErrNoHandler = errors.New("no handler registered")

// Event is a decoded payload routed by its type tag.
type Event struct {
	Type      string
	Payload   any
	Seq       int
	Source    string
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	buffers  map[string]chan Event
	logger   Logger

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
	unhandled metric.Int64Counter
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
	}

	m := otel.Meter(meterName)

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of payloads in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for typ, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("type", typ)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.payloads.processed",
		metric.WithDescription("Total payloads processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.payloads.dropped",
		metric.WithDescription("Total payloads dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	d.unhandled, err = m.Int64Counter(
		"dispatcher.payloads.unhandled",
		metric.WithDescription("Total payloads with no registered handler"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating unhandled counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given payload type with optional configuration.
// Registering the same type twice replaces the earlier handler.
func (d *Dispatcher) Register(typ string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(typ, cfg.bufferSize, cfg.blocking, handler)
	}

	if cfg.logged {
		handler = d.withLogging(typ, handler)
	}

	d.mu.Lock()
	d.handlers[typ] = handler
	d.mu.Unlock()
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[e.Type]
	d.mu.RUnlock()
	if !ok {
		d.unhandled.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", e.Type)))
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, e.Type)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the payload type.
func (d *Dispatcher) HasHandler(typ string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[typ]
	return ok
}

func (d *Dispatcher) withBuffer(typ string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[typ] = buffer
	d.mu.Unlock()

	typAttr := attribute.String("type", typ)

	go func() {
		for e := range buffer {
			if _, err := h(e); err != nil && d.logger != nil {
				d.logger.Error("buffered handler failed", "type", typ, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(typAttr))
		}
	}()

	if blocking {
		return func(e Event) (any, error) {
			buffer <- e
			return "queued", nil
		}
	}

	return func(e Event) (any, error) {
		select {
		case buffer <- e:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(typAttr))
			return nil, fmt.Errorf("queue full: %s", typ)
		}
	}
}

func (d *Dispatcher) withLogging(typ string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling payload", "type", typ, "seq", e.Seq, "source", e.Source)

		result, err := h(e)

		if err != nil {
			d.logger.Error("payload failed", "type", typ, "seq", e.Seq, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("payload complete", "type", typ, "duration", time.Since(start))
		}

		return result, err
	}
}
