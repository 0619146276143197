// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/fsm"
	"github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/metrics"
	"github.com/picamctl/picamctl/internal/pipeline"
	"github.com/picamctl/picamctl/internal/telemetry"
)

// StillFactory builds the still capture command. Tests substitute scripts
// for rpicam-still.
type StillFactory func(s config.CameraSettings, outputPath string, timeoutMs int) *exec.Cmd

// Options wires a Controller.
type Options struct {
	Runtime    config.Runtime
	Machine    *fsm.Machine
	Supervisor *pipeline.Supervisor
	Store      *config.Store
	Publisher  telemetry.Publisher

	// Still overrides still capture command construction; nil selects
	// rpicam-still.
	Still StillFactory

	// Reboot overrides the reboot command; nil selects Runtime.RebootCmd.
	Reboot func() *exec.Cmd
}

// Controller coordinates stream lifecycle operations against the state
// machine, the process supervisor, and the settings store. Every operation
// begins an FSM transition, so concurrent control requests are rejected with
// the machine's busy error rather than interleaved.
type Controller struct {
	cfg       config.Runtime
	machine   *fsm.Machine
	sup       *pipeline.Supervisor
	store     *config.Store
	pub       telemetry.Publisher
	still     StillFactory
	rebootCmd func() *exec.Cmd
	logger    zerolog.Logger
	bootedAt  time.Time

	// device serializes exclusive camera hardware access (capture vs spawn).
	device sync.Mutex

	// Restart coalescing: the newest requested settings wait in pending;
	// the goroutine that set active drains until pending is empty.
	restartMu     sync.Mutex
	pending       *config.CameraSettings
	restartActive bool
}

// NewController builds the control surface.
func NewController(opts Options) *Controller {
	c := &Controller{
		cfg:       opts.Runtime,
		machine:   opts.Machine,
		sup:       opts.Supervisor,
		store:     opts.Store,
		pub:       opts.Publisher,
		still:     opts.Still,
		rebootCmd: opts.Reboot,
		logger:    log.WithComponent("camera"),
		bootedAt:  time.Now(),
	}
	if c.pub == nil {
		c.pub = telemetry.NopPublisher{}
	}
	if c.still == nil {
		c.still = func(s config.CameraSettings, path string, timeoutMs int) *exec.Cmd {
			return exec.Command(opts.Runtime.StillBin, pipeline.StillArgs(s, path, timeoutMs)...) // #nosec G204
		}
	}
	if c.rebootCmd == nil {
		c.rebootCmd = func() *exec.Cmd {
			cmd := opts.Runtime.RebootCmd
			return exec.Command(cmd[0], cmd[1:]...) // #nosec G204
		}
	}
	return c
}

// Start brings the pipeline up with the given settings and persists them on
// success. Valid only from Idle.
func (c *Controller) Start(ctx context.Context, settings config.CameraSettings) error {
	txn, err := c.machine.Begin("start", fsm.Starting)
	if err != nil {
		return err
	}

	if !c.device.TryLock() {
		c.endTo(txn, fsm.Idle)
		return ErrDeviceBusy
	}
	err = c.sup.Start(ctx, settings)
	c.device.Unlock()

	if err != nil {
		c.endTo(txn, fsm.Idle)
		return err
	}

	if terr := txn.To(fsm.Streaming); terr != nil {
		txn.End()
		return terr
	}
	txn.End()

	c.machine.ResetCrashes()
	c.persistSettings(settings)
	c.emitEvent(ctx, "stream_started", map[string]any{
		"resolution": settings.Resolution().String(),
		"framerate":  settings.Framerate,
	})
	return nil
}

// Stop tears the pipeline down. Valid only from Streaming.
func (c *Controller) Stop(ctx context.Context) error {
	txn, err := c.machine.Begin("stop", fsm.Stopping)
	if err != nil {
		return err
	}

	if serr := c.sup.Stop(ctx); serr != nil {
		c.logger.Warn().Err(serr).Msg("pipeline stop finished with errors")
	}
	c.endTo(txn, fsm.Idle)

	c.emitEvent(ctx, "stream_stopped", nil)
	return nil
}

// Restart applies new settings atomically: stop (when running), start with
// the new settings, persist on success. Concurrent restarts coalesce: every
// call deposits its settings in the pending slot, and the single active
// drainer keeps applying until the slot is empty, so the latest request wins.
func (c *Controller) Restart(ctx context.Context, settings config.CameraSettings) error {
	// Reject invalid settings before queueing so a coalesced caller cannot
	// poison the winner's drain loop.
	if err := settings.Validate(); err != nil {
		return err
	}

	c.restartMu.Lock()
	c.pending = &settings
	if c.restartActive {
		c.restartMu.Unlock()
		// The active drainer will pick this request up; latest wins.
		return nil
	}
	c.restartActive = true
	c.restartMu.Unlock()

	var lastErr error
	for {
		c.restartMu.Lock()
		if c.pending == nil {
			// Clearing active under the same lock as the emptiness check
			// guarantees no deposited request is left undrained.
			c.restartActive = false
			c.restartMu.Unlock()
			return lastErr
		}
		next := *c.pending
		c.pending = nil
		c.restartMu.Unlock()

		lastErr = c.applyRestart(ctx, next)
	}
}

func (c *Controller) applyRestart(ctx context.Context, settings config.CameraSettings) error {
	if !c.device.TryLock() {
		return ErrDeviceBusy
	}
	defer c.device.Unlock()

	var txn *fsm.Txn
	var err error

	switch c.machine.State() {
	case fsm.Streaming:
		txn, err = c.machine.Begin("restart", fsm.Stopping)
		if err != nil {
			return err
		}
		if serr := c.sup.Stop(ctx); serr != nil {
			c.logger.Warn().Err(serr).Msg("pipeline stop finished with errors during restart")
		}
		if terr := txn.To(fsm.Idle); terr != nil {
			txn.End()
			return terr
		}
		if terr := txn.To(fsm.Starting); terr != nil {
			txn.End()
			return terr
		}
	case fsm.Idle:
		txn, err = c.machine.Begin("restart", fsm.Starting)
		if err != nil {
			return err
		}
	default:
		return ErrInvalidState
	}

	if serr := c.sup.Start(ctx, settings); serr != nil {
		c.endTo(txn, fsm.Idle)
		return serr
	}

	if terr := txn.To(fsm.Streaming); terr != nil {
		txn.End()
		return terr
	}
	txn.End()

	metrics.IncStreamRestart("settings")
	c.machine.ResetCrashes()
	c.persistSettings(settings)
	c.emitEvent(ctx, "stream_restarted", map[string]any{
		"resolution": settings.Resolution().String(),
		"framerate":  settings.Framerate,
	})
	return nil
}

// Recover clears the Error state back to Idle and resets the crash counter.
func (c *Controller) Recover(ctx context.Context) error {
	if c.machine.State() != fsm.Error {
		return ErrInvalidState
	}
	txn, err := c.machine.Begin("recover", fsm.Idle)
	if err != nil {
		return err
	}
	// Sweep up any half-dead children from the failed pipeline.
	if serr := c.sup.Stop(ctx); serr != nil {
		c.logger.Warn().Err(serr).Msg("pipeline cleanup finished with errors during recover")
	}
	txn.End()

	c.machine.ResetCrashes()
	c.emitEvent(ctx, "recovered", nil)
	return nil
}

// DeviceStatus is the aggregate status document served by the API and
// published as retained MQTT status.
type DeviceStatus struct {
	DeviceID      string                `json:"device_id"`
	State         string                `json:"state"`
	Streaming     bool                  `json:"streaming"`
	CrashCount    int                   `json:"crash_count"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Settings      config.CameraSettings `json:"settings"`
	Pipeline      pipeline.Status       `json:"pipeline"`
}

// Status returns the aggregate device status.
func (c *Controller) Status() DeviceStatus {
	snap := c.machine.Status()
	ps := c.sup.Status()
	return DeviceStatus{
		DeviceID:      c.cfg.DeviceID,
		State:         string(snap.State),
		Streaming:     ps.Running,
		CrashCount:    snap.CrashCount,
		UptimeSeconds: time.Since(c.bootedAt).Seconds(),
		Settings:      c.currentSettings(),
		Pipeline:      ps,
	}
}

// Settings returns the effective settings: the running pipeline's when
// streaming, otherwise the persisted record.
func (c *Controller) Settings() config.CameraSettings {
	return c.currentSettings()
}

// StatusPayload builds the telemetry status document.
func (c *Controller) StatusPayload() telemetry.StatusPayload {
	st := c.Status()
	return telemetry.StatusPayload{
		DeviceID:  st.DeviceID,
		State:     st.State,
		Streaming: st.Streaming,
		Settings:  st.Settings,
		Timestamp: time.Now().UTC(),
	}
}

// MetricsPayload builds the telemetry metrics document.
func (c *Controller) MetricsPayload() telemetry.MetricsPayload {
	snap := c.machine.Status()
	segments := 0
	if w, err := c.sup.SegmentWindow(); err == nil {
		segments = len(w.Segments)
	}
	return telemetry.MetricsPayload{
		DeviceID:      c.cfg.DeviceID,
		UptimeSeconds: time.Since(c.bootedAt).Seconds(),
		Streaming:     c.sup.Running(),
		CrashCount:    snap.CrashCount,
		SegmentCount:  segments,
		Timestamp:     time.Now().UTC(),
	}
}

func (c *Controller) currentSettings() config.CameraSettings {
	if s, ok := c.sup.LastSettings(); ok {
		return s
	}
	s, err := c.store.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("settings load failed, using defaults")
		return config.DefaultSettings()
	}
	return s
}

func (c *Controller) persistSettings(s config.CameraSettings) {
	if err := c.store.Save(s); err != nil {
		c.logger.Error().Err(err).Msg("could not persist settings")
	}
}

// endTo moves the transition to a terminal state and releases the guard,
// logging rather than propagating an edge failure on this cleanup path.
func (c *Controller) endTo(txn *fsm.Txn, to fsm.State) {
	if err := txn.To(to); err != nil {
		c.logger.Error().Err(err).Str(log.FieldNewState, string(to)).Msg("cleanup transition failed")
	}
	txn.End()
}

func (c *Controller) emitEvent(ctx context.Context, event string, detail map[string]any) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := c.pub.PublishEvent(pubCtx, telemetry.Event{
		Type:      event,
		DeviceID:  c.cfg.DeviceID,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("event", event).Msg("event publish failed")
	}
}
