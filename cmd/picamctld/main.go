// SPDX-License-Identifier: MIT

// picamctld supervises the camera streaming pipeline on a single-board
// device and exposes an HTTP control surface plus MQTT telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/picamctl/picamctl/internal/api"
	"github.com/picamctl/picamctl/internal/camera"
	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/fsm"
	"github.com/picamctl/picamctl/internal/health"
	pclog "github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/pipeline"
	"github.com/picamctl/picamctl/internal/telemetry"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	pclog.Configure(pclog.Config{
		Level:   cfg.LogLevel,
		Service: "picamctld",
	})
	logger := pclog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Runtime, logger zerolog.Logger) error {
	for _, dir := range []string{cfg.DataDir, cfg.SegmentDir, cfg.SnapshotDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store := config.NewStore(cfg.SettingsPath)
	if _, err := store.Load(); err != nil {
		logger.Warn().Err(err).Str(pclog.FieldPath, cfg.SettingsPath).
			Msg("settings file unreadable, keeping it and using defaults")
	}

	var publisher telemetry.Publisher = telemetry.NopPublisher{}
	if cfg.MQTT.Enabled {
		publisher = telemetry.NewMQTT(cfg.MQTT, cfg.DeviceID)
	}

	machine := fsm.New()
	supervisor := pipeline.New(pipeline.Config{
		EncoderBin:     cfg.EncoderBin,
		SegmenterBin:   cfg.SegmenterBin,
		SinkAddr:       cfg.SinkAddr,
		SegmentDir:     cfg.SegmentDir,
		SegmentSeconds: cfg.SegmentSeconds,
		WindowSize:     cfg.WindowSize,
		StartupTimeout: cfg.StartupTimeout,
		StopGrace:      cfg.StopGrace,
	})

	controller := camera.NewController(camera.Options{
		Runtime:    cfg,
		Machine:    machine,
		Supervisor: supervisor,
		Store:      store,
		Publisher:  publisher,
	})

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewPipelineChecker(machine.State))
	healthMgr.RegisterChecker(health.NewDirChecker("segments", cfg.SegmentDir))
	healthMgr.RegisterChecker(health.NewDirChecker("snapshots", cfg.SnapshotDir))
	healthMgr.RegisterChecker(health.NewBinaryChecker("encoder", cfg.EncoderBin, exec.LookPath))
	healthMgr.RegisterChecker(health.NewBinaryChecker("segmenter", cfg.SegmenterBin, exec.LookPath))
	healthMgr.RegisterChecker(health.NewBinaryChecker("still", cfg.StillBin, exec.LookPath))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(cfg, controller, store, healthMgr).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		monitor := camera.NewMonitor(controller)
		err := monitor.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MQTT.Enabled {
		g.Go(func() error {
			reporter := telemetry.NewReporter(publisher,
				cfg.MQTT.StatusInterval, cfg.MQTT.MetricsInterval,
				controller.StatusPayload, controller.MetricsPayload)
			err := reporter.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()

	// Orderly teardown: children die with the daemon, telemetry flushes.
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if serr := supervisor.Stop(stopCtx); serr != nil {
		logger.Warn().Err(serr).Msg("pipeline stop finished with errors during shutdown")
	}
	if cerr := publisher.Close(stopCtx); cerr != nil {
		logger.Warn().Err(cerr).Msg("telemetry close failed during shutdown")
	}

	return err
}
