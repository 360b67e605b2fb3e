// Command planetary is the terminal viewer of a planetary simulation
// published through the concierge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/ert-concierge/concierge/internal/api"
	"github.com/ert-concierge/concierge/internal/chat"
	"github.com/ert-concierge/concierge/internal/client"
	"github.com/ert-concierge/concierge/internal/config"
	"github.com/ert-concierge/concierge/internal/logging"
	intOtel "github.com/ert-concierge/concierge/internal/otel"
	"github.com/ert-concierge/concierge/internal/planetary"
	"github.com/ert-concierge/concierge/internal/replay"
	"github.com/ert-concierge/concierge/internal/scene"
	"github.com/ert-concierge/concierge/internal/viewer"
)

const name = "planetary"

func main() {
	configDir := flag.String("config", ".", "directory containing planetary.cfg.json")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "planetary: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	sessionStart := time.Now()
	configErr := config.Load(configDir, name)

	logFile, err := logging.OpenSessionLog(config.GetString("logsDir"), name, sessionStart)
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
	defer provider.Shutdown(context.Background())
	var logProvider *sdklog.LoggerProvider
	if provider.Enabled() {
		logProvider = provider.LoggerProvider()
	}

	var extra []io.Writer
	if config.GetBool("graylog.enabled") {
		if gw, err := logging.NewGelfWriter(config.GetString("graylog.address"), name); err == nil {
			extra = append(extra, gw)
		}
	}

	// The terminal belongs to the viewer, so records only go to the file.
	slogManager := logging.NewSlogManager(name)
	slogManager.Setup(logFile, config.GetString("logLevel"), logProvider, extra...)
	logger := slogManager.Logger()
	if configErr != nil {
		logger.Warn("Failed to load config, using defaults", "error", configErr)
	}

	ccfg := config.GetClientConfig()
	vcfg := config.GetViewerConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files := api.New(ccfg.HTTPURL)
	if err := files.Healthcheck(ctx); err != nil {
		logger.Warn("Concierge file store unreachable", "url", ccfg.HTTPURL, "error", err)
	}

	conn := client.New(client.Config{URL: ccfg.URL, Name: ccfg.Name, Secret: ccfg.Secret}, logger)
	if err := conn.Dial(ctx); err != nil {
		var idErr *client.IdentifyError
		if errors.As(err, &idErr) {
			return fmt.Errorf("concierge refused %q: %w", ccfg.Name, err)
		}
		return fmt.Errorf("connect to %s: %w", ccfg.URL, err)
	}
	defer conn.Close()
	slogManager.GetClientName = conn.Name
	logger.Info("Connected to concierge", "url", ccfg.URL, "uuid", conn.UUID())

	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer screen.Fini()

	v := viewer.New(viewer.Config{Group: ccfg.Group, SystemFile: vcfg.SystemFile}, screen, conn, logger)
	if vcfg.Zoom > 0 {
		v.Camera().Zoom = vcfg.Zoom
	}

	deps := planetary.Dependencies{
		Scene:    scene.New(),
		Client:   conn,
		Uploader: files,
		Tabs:     v.Tabs(),
		Alerter:  v.Alerts(),
		Post:     v.Post,
		Logger:   logger,
	}
	if rcfg := config.GetReplayConfig(); rcfg.Enabled {
		rec, manifest, err := replay.NewRecorder(rcfg.Dir, ccfg.Name, nil)
		if err != nil {
			logger.Warn("Session recording disabled", "error", err)
		} else {
			defer rec.Close()
			deps.Recorder = rec
			logger.Info("Recording session", "dir", rec.Directory(), "session", manifest.Session)
		}
	}

	service, err := planetary.New(planetary.Config{
		Simulation:  ccfg.SimulationName,
		VisualScale: vcfg.VisualScale,
	}, deps)
	if err != nil {
		return err
	}

	var overlay *chat.Overlay
	if ccfg.ChatGroup != "" {
		var chime chat.Chime
		if vcfg.Chime {
			bell := chat.NewBell(880, 120*time.Millisecond)
			if err := bell.Init(); err != nil {
				logger.Warn("Chat chime disabled", "error", err)
			} else {
				defer bell.Close()
				chime = bell
			}
		}
		overlay = chat.New(ccfg.ChatGroup, chat.DefaultHistory, conn, chime, logger)
	}
	v.Attach(service, overlay)

	for _, group := range []string{ccfg.Group, ccfg.ChatGroup} {
		if group == "" {
			continue
		}
		if err := conn.Subscribe(group); err != nil {
			return fmt.Errorf("subscribe %s: %w", group, err)
		}
	}

	err = v.Run(ctx)
	if errors.Is(err, planetary.ErrSceneMissing) {
		logger.Error("Scene is not initialised", "error", err)
	}
	slogManager.Flush(context.Background())
	return err
}
