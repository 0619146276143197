// SPDX-License-Identifier: MIT

// Package pipeline supervises the encoder and segmenter processes that make
// up the live camera pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/hls"
	"github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/metrics"
)

const (
	roleEncoder   = "encoder"
	roleSegmenter = "segmenter"
)

// CommandFactory builds the external commands the supervisor runs. The
// default factory launches rpicam-vid and ffmpeg; tests substitute scripts.
type CommandFactory interface {
	EncoderCommand(s config.CameraSettings) *exec.Cmd
	SegmenterCommand(s config.CameraSettings) *exec.Cmd
}

// Config holds the supervisor's static configuration.
type Config struct {
	EncoderBin   string
	SegmenterBin string
	SinkAddr     string
	SegmentDir   string

	SegmentSeconds int
	WindowSize     int

	StartupTimeout time.Duration
	StopGrace      time.Duration

	// Factory overrides command construction; nil selects the default
	// rpicam-vid/ffmpeg factory.
	Factory CommandFactory
}

type execFactory struct {
	cfg Config
}

func (f execFactory) EncoderCommand(s config.CameraSettings) *exec.Cmd {
	return exec.Command(f.cfg.EncoderBin, EncoderArgs(s, f.cfg.SinkAddr)...) // #nosec G204
}

func (f execFactory) SegmenterCommand(s config.CameraSettings) *exec.Cmd {
	return exec.Command(f.cfg.SegmenterBin, SegmenterArgs(s, f.cfg.SinkAddr, f.cfg.SegmentDir, f.cfg.SegmentSeconds, f.cfg.WindowSize)...) // #nosec G204
}

// Status is a point-in-time view of the supervised pipeline.
type Status struct {
	Running   bool                  `json:"running"`
	StartedAt time.Time             `json:"started_at,omitzero"`
	Settings  config.CameraSettings `json:"settings"`
	Encoder   *Handle               `json:"encoder,omitempty"`
	Segmenter *Handle               `json:"segmenter,omitempty"`
}

// Supervisor owns the encoder and segmenter process handles. Start and Stop
// are expected to run under the state machine's transition guard, which
// serializes them; the internal mutex only protects field access so status
// reads stay safe while a guarded operation is in flight.
type Supervisor struct {
	cfg     Config
	factory CommandFactory
	logger  zerolog.Logger

	mu        sync.Mutex
	encoder   *proc
	segmenter *proc
	running   bool
	startedAt time.Time
	settings  config.CameraSettings
	haveRun   bool
}

// New creates a supervisor for the given configuration.
func New(cfg Config) *Supervisor {
	factory := cfg.Factory
	if factory == nil {
		factory = execFactory{cfg: cfg}
	}
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  log.WithComponent("pipeline"),
	}
}

// Start validates the settings, claims the sink, spawns encoder then
// segmenter, and waits for the segmenter's playlist as the ready signal.
// On any failure both children are torn down before returning.
func (s *Supervisor) Start(ctx context.Context, settings config.CameraSettings) error {
	if s.Running() {
		return ErrAlreadyRunning
	}

	// Reject invalid configuration before any spawn is attempted.
	if err := settings.Validate(); err != nil {
		metrics.IncStreamStart("invalid_config")
		return err
	}

	// The encoder binds the sink; if something else holds it, fail fast.
	if err := probeSink(s.cfg.SinkAddr); err != nil {
		metrics.IncStreamStart("resource_busy")
		return err
	}

	if err := os.MkdirAll(s.cfg.SegmentDir, 0o755); err != nil {
		metrics.IncStreamStart("error")
		return fmt.Errorf("create segment dir: %w", err)
	}
	if err := hls.Clean(s.cfg.SegmentDir); err != nil {
		s.logger.Warn().Err(err).Msg("could not clean stale segments before start")
	}

	began := time.Now()

	encoder, err := spawn(roleEncoder, s.factory.EncoderCommand(settings))
	if err != nil {
		metrics.IncStreamStart("error")
		return err
	}

	segmenter, err := spawn(roleSegmenter, s.factory.SegmenterCommand(settings))
	if err != nil {
		_ = encoder.terminate(s.cfg.StopGrace, s.stopBound())
		metrics.IncStreamStart("error")
		return err
	}

	if err := s.awaitReady(ctx, encoder, segmenter); err != nil {
		_ = segmenter.terminate(s.cfg.StopGrace, s.stopBound())
		_ = encoder.terminate(s.cfg.StopGrace, s.stopBound())
		_ = hls.Clean(s.cfg.SegmentDir)
		metrics.IncStreamStart("timeout")
		return err
	}

	s.mu.Lock()
	s.encoder = encoder
	s.segmenter = segmenter
	s.running = true
	s.startedAt = time.Now()
	s.settings = settings
	s.haveRun = true
	s.mu.Unlock()

	metrics.IncStreamStart("ok")
	metrics.ObserveStartupLatency(time.Since(began))
	s.logger.Info().
		Str(log.FieldResolution, settings.Resolution().String()).
		Int(log.FieldFPS, settings.Framerate).
		Str(log.FieldSink, s.cfg.SinkAddr).
		Dur("startup", time.Since(began)).
		Msg("pipeline streaming")
	return nil
}

// awaitReady waits for the playlist to appear while watching both children
// for an early crash, whichever happens first.
func (s *Supervisor) awaitReady(ctx context.Context, encoder, segmenter *proc) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	playlist := hls.PlaylistPath(s.cfg.SegmentDir)
	readyCh := make(chan error, 1)
	go func() {
		readyCh <- hls.WaitForFile(waitCtx, s.logger, playlist, s.cfg.StartupTimeout)
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-readyCh:
			if err == nil {
				return nil
			}
			if waitCtx.Err() != nil {
				return waitCtx.Err()
			}
			return fmt.Errorf("%w: playlist %s not ready: %v", ErrStartupTimeout, playlist, err)
		case <-ticker.C:
			for _, p := range []*proc{encoder, segmenter} {
				if exited, waitErr := p.poll(); exited {
					cancel()
					<-readyCh
					return fmt.Errorf("%w: %s exited during startup (exit %d, stderr %q)",
						ErrProcessCrashed, p.role, exitCode(waitErr), strings.Join(p.tail(5), " | "))
				}
			}
		}
	}
}

// Stop terminates the segmenter first, then the encoder (reverse of startup
// order, since the segmenter reads the encoder's sink), then deletes stale
// segment files. Stopping an idle supervisor succeeds trivially.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	segmenter, encoder := s.segmenter, s.encoder
	s.running = false
	s.mu.Unlock()

	if encoder == nil && segmenter == nil {
		return nil
	}

	// Teardown is bounded by stopBound per child rather than by ctx: a
	// caller that went away mid-stop must not leave the encoder running.
	var errs []error
	for _, p := range []*proc{segmenter, encoder} {
		if p == nil {
			continue
		}
		if err := p.terminate(s.cfg.StopGrace, s.stopBound()); err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Info().Str("role", p.role).Int(log.FieldPID, p.cmd.Process.Pid).Msg("process stopped")
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	if err := hls.Clean(s.cfg.SegmentDir); err != nil {
		s.logger.Warn().Err(err).Msg("could not clean segment dir on stop")
	}

	s.mu.Lock()
	s.encoder = nil
	s.segmenter = nil
	s.mu.Unlock()
	return errors.Join(errs...)
}

// CheckCrashed reports whether a child has exited while the pipeline is
// supposed to be running. It returns the crashed role and its stderr tail.
func (s *Supervisor) CheckCrashed() (role string, stderr []string, crashed bool) {
	s.mu.Lock()
	running := s.running
	encoder, segmenter := s.encoder, s.segmenter
	s.mu.Unlock()

	if !running {
		return "", nil, false
	}
	for _, p := range []*proc{encoder, segmenter} {
		if exited, waitErr := p.poll(); exited {
			metrics.StreamCrashTotal.Inc()
			s.logger.Error().
				Str("role", p.role).
				Int(log.FieldExitCode, exitCode(waitErr)).
				Strs("stderr", p.tail(10)).
				Msg("pipeline process exited unexpectedly")
			return p.role, p.tail(10), true
		}
	}
	return "", nil, false
}

// Running reports whether the pipeline is currently supervised as live.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastSettings returns the last settings successfully applied to a running
// pipeline, for crash recovery with last-known-good configuration.
func (s *Supervisor) LastSettings() (config.CameraSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.haveRun
}

// Status returns the supervised process handles and applied settings.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:  s.running,
		Settings: s.settings,
	}
	if s.running {
		st.StartedAt = s.startedAt
	}
	if s.encoder != nil {
		h := s.encoder.handle()
		st.Encoder = &h
	}
	if s.segmenter != nil {
		h := s.segmenter.handle()
		st.Segmenter = &h
	}
	return st
}

// SegmentWindow returns the current on-disk segment window.
func (s *Supervisor) SegmentWindow() (hls.Window, error) {
	return hls.Scan(s.cfg.SegmentDir)
}

// PruneWindow trims the on-disk window to the configured size, covering the
// case where the segmenter's own segment deletion lags behind.
func (s *Supervisor) PruneWindow() error {
	return hls.Prune(s.cfg.SegmentDir, s.cfg.WindowSize)
}

func (s *Supervisor) stopBound() time.Duration {
	// SIGTERM grace plus SIGKILL headroom.
	return s.cfg.StopGrace + 5*time.Second
}

// probeSink verifies the sink address can still be bound. The listener is
// closed immediately; the encoder claims the address for real on spawn.
func probeSink(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrResourceBusy, addr)
	}
	return ln.Close()
}
