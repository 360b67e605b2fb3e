package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// osStdout is swapped out in tests.
var osStdout io.Writer = os.Stdout

// SlogManager manages slog-based logging with optional OTel integration.
type SlogManager struct {
	logger *slog.Logger
	name   string

	// OTel provider for flushing
	logProvider *sdklog.LoggerProvider

	// Dynamic state callbacks, read on every record.
	GetClientName func() string
	IsConnected   func() bool
}

// NewSlogManager creates a new slog-based logging manager. name is used as the
// OTel instrumentation scope.
func NewSlogManager(name string) *SlogManager {
	return &SlogManager{name: name}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the logging system with file and optional OTel output.
// Console output is used only when file is nil. Each extra writer (for
// example a GELF writer) receives JSON records. If provider is nil, OTel
// logging is disabled.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider, extra ...io.Writer) {
	lvl := parseLevel(level)
	m.logProvider = provider

	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler

	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(osStdout, handlerOpts))
	}

	for _, w := range extra {
		if w != nil {
			handlers = append(handlers, slog.NewJSONHandler(w, handlerOpts))
		}
	}

	if provider != nil {
		handlers = append(handlers, otelslog.NewHandler(m.name, otelslog.WithLoggerProvider(provider)))
	}

	var root slog.Handler = NewMultiHandler(handlers...)
	root = NewContextHandler(root, m.contextAttrs)

	m.logger = slog.New(root)
	m.logger.Info("Logging initialized", "level", level)
}

func (m *SlogManager) contextAttrs() []slog.Attr {
	var attrs []slog.Attr
	if m.GetClientName != nil {
		if name := m.GetClientName(); name != "" {
			attrs = append(attrs, slog.String("client", name))
		}
	}
	if m.IsConnected != nil {
		attrs = append(attrs, slog.Bool("connected", m.IsConnected()))
	}
	return attrs
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
