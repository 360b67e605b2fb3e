// Command concierge runs the websocket pub/sub hub and its file store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/ert-concierge/concierge/internal/concierge"
	"github.com/ert-concierge/concierge/internal/config"
	"github.com/ert-concierge/concierge/internal/dispatcher"
	"github.com/ert-concierge/concierge/internal/fs"
	"github.com/ert-concierge/concierge/internal/influx"
	"github.com/ert-concierge/concierge/internal/logging"
	intOtel "github.com/ert-concierge/concierge/internal/otel"
	"github.com/ert-concierge/concierge/internal/store"
)

const name = "concierge"

var (
	Version   = "0.2.0"
	BuildDate = "unknown"
)

func main() {
	configDir := flag.String("config", ".", "directory containing concierge.cfg.json")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "concierge: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	sessionStart := time.Now()
	configErr := config.Load(configDir, name)

	logsDir := config.GetString("logsDir")
	logPath := logging.LogFilePath(logsDir, name, sessionStart)
	logFile, err := logging.OpenSessionLog(logsDir, name, sessionStart)
	if err != nil {
		return err
	}
	defer logFile.Close()

	otelCfg := config.GetOTelConfig()
	provider, err := intOtel.New(intOtel.Config{
		Enabled:      otelCfg.Enabled,
		ServiceName:  otelCfg.ServiceName,
		BatchTimeout: otelCfg.BatchTimeout,
		LogWriter:    logFile,
		Endpoint:     otelCfg.Endpoint,
		Insecure:     otelCfg.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	var logProvider *sdklog.LoggerProvider
	if provider.Enabled() {
		logProvider = provider.LoggerProvider()
	}

	var extra []io.Writer
	if config.GetBool("graylog.enabled") {
		gw, err := logging.NewGelfWriter(config.GetString("graylog.address"), name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "graylog disabled: %v\n", err)
		} else {
			extra = append(extra, gw)
		}
	}

	level := config.GetString("logLevel")
	slogManager := logging.NewSlogManager(name)
	slogManager.Setup(io.MultiWriter(logFile, os.Stdout), level, logProvider, extra...)
	logger := slogManager.Logger()
	if configErr != nil {
		logger.Warn("Failed to load config, using defaults", "error", configErr)
	}
	logger.Info("Starting concierge", "version", Version, "buildDate", BuildDate, "log", logPath)

	zlog := logging.NewZerolog(logFile, level)

	storeCfg := config.GetStoreConfig()
	db := store.NewManager(storeCfg, zlog.With().Str("component", "store").Logger())
	if err := db.Connect(); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer db.Close()
	if err := db.Setup(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	metrics, stopMetrics := connectMetrics(zlog, logsDir, sessionStart, logger)
	defer stopMetrics()

	d, err := dispatcher.New(logging.NewDispatcherLogger(zlog.With().Str("component", "dispatcher").Logger()))
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	serverCfg := config.GetServerConfig()
	hub, err := concierge.New(concierge.Config{
		Secret:          serverCfg.Secret,
		IdentifyTimeout: serverCfg.IdentifyTimeout,
		FsRoot:          serverCfg.FsRoot,
	}, concierge.Dependencies{
		Logger:     logger,
		Dispatcher: d,
		Audit:      db,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}
	slogManager.IsConnected = func() bool { return len(hub.Clients()) > 0 }

	files := fs.New(fs.Config{Root: serverCfg.FsRoot, UploadLimit: serverCfg.UploadLimit}, hub, db, logger)
	server := &http.Server{
		Addr:              serverCfg.Address,
		Handler:           concierge.NewMux(hub, files),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "address", serverCfg.Address, "fsRoot", serverCfg.FsRoot)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("Hub shutdown failed", "error", err)
	}

	if dump := storeCfg.SQLite.DumpPath; dump != "" {
		if err := db.DumpToDisk(dump); err != nil {
			logger.Error("Failed to dump store", "path", dump, "error", err)
		} else {
			logger.Info("Dumped store", "path", dump)
		}
	}

	if err := slogManager.Flush(shutdownCtx); err != nil {
		logger.Warn("Log flush failed", "error", err)
	}
	return provider.Shutdown(shutdownCtx)
}

// connectMetrics returns nil metrics when influx is disabled so the hub
// skips them entirely.
func connectMetrics(zlog zerolog.Logger, logsDir string, sessionStart time.Time, logger *slog.Logger) (concierge.Metrics, func()) {
	backup := filepath.Join(logsDir, fmt.Sprintf("influx_backup.%s.lp.gz", sessionStart.Format("20060102_150405")))
	m := influx.NewManager(config.GetInfluxConfig(), zlog.With().Str("component", "influx").Logger(), backup)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		if !errors.Is(err, influx.ErrDisabled) {
			logger.Warn("Influx metrics unavailable", "error", err)
		}
		return nil, func() {}
	}
	return m, func() {
		if err := m.Close(); err != nil {
			logger.Warn("Influx close failed", "error", err)
		}
	}
}
