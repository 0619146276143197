// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/picamctl/picamctl/internal/fsm"
	"github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/metrics"
)

// healthyTicksForReset is how many consecutive healthy checks clear the
// crash counter and backoff after an auto-restart.
const healthyTicksForReset = 6

// Monitor watches the running pipeline for unexpected child exits and
// restarts it with last-known-good settings under exponential backoff. After
// the attempt limit it drives the machine to Error and waits for a manual
// recover.
type Monitor struct {
	c      *Controller
	logger zerolog.Logger

	interval    time.Duration
	maxAttempts int
	bo          *backoff.ExponentialBackOff

	healthyTicks int
}

// NewMonitor builds the health-check loop from the runtime configuration.
func NewMonitor(c *Controller) *Monitor {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax
	bo.Reset()

	return &Monitor{
		c:           c,
		logger:      log.WithComponent("monitor"),
		interval:    c.cfg.HealthInterval,
		maxAttempts: c.cfg.MaxRestartAttempts,
		bo:          bo,
	}
}

// Run executes the health-check loop until the context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if m.c.machine.State() != fsm.Streaming {
		m.healthyTicks = 0
		return
	}

	role, stderr, crashed := m.c.sup.CheckCrashed()
	if !crashed {
		m.healthyTicks++
		if m.healthyTicks == healthyTicksForReset {
			m.c.machine.ResetCrashes()
			m.bo.Reset()
		}
		if err := m.c.sup.PruneWindow(); err != nil {
			m.logger.Debug().Err(err).Msg("segment window prune failed")
		}
		return
	}
	m.healthyTicks = 0

	m.logger.Warn().Str("role", role).Msg("pipeline crash detected")
	m.c.emitEvent(ctx, "stream_crashed", map[string]any{
		"role":   role,
		"stderr": stderr,
	})

	txn, err := m.c.machine.Begin("crash_restart", fsm.Stopping)
	if err != nil {
		// A user operation holds the guard; re-check on the next tick.
		m.logger.Debug().Err(err).Msg("crash recovery deferred")
		return
	}
	if serr := m.c.sup.Stop(ctx); serr != nil {
		m.logger.Warn().Err(serr).Msg("pipeline cleanup finished with errors after crash")
	}
	m.c.endTo(txn, fsm.Idle)

	m.recover(ctx)
}

// recover retries the pipeline with last-known-good settings until it comes
// back or the attempt budget is spent. The guard is released between
// attempts so manual operations can interrupt a crash loop.
func (m *Monitor) recover(ctx context.Context) {
	attempt := m.c.machine.IncrementCrashes()
	for {
		if attempt > m.maxAttempts {
			m.fail(ctx, attempt-1)
			return
		}

		wait := m.bo.NextBackOff()
		m.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", m.maxAttempts).
			Dur("backoff", wait).
			Msg("restarting pipeline after crash")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		txn, err := m.c.machine.Begin("crash_restart", fsm.Starting)
		if err != nil {
			// Manual intervention changed the state; stand down.
			m.logger.Debug().Err(err).Msg("auto-restart abandoned")
			return
		}

		// A restart may not touch the sensor while a still capture holds
		// it. Device-busy retries keep the same attempt number; only real
		// start attempts spend the budget.
		if !m.c.device.TryLock() {
			m.c.endTo(txn, fsm.Idle)
			m.logger.Debug().Msg("camera device busy, auto-restart deferred")
			continue
		}

		settings, ok := m.c.sup.LastSettings()
		if !ok {
			settings = m.c.currentSettings()
		}
		serr := m.c.sup.Start(ctx, settings)
		m.c.device.Unlock()

		if serr != nil {
			m.logger.Warn().Err(serr).Int("attempt", attempt).Msg("auto-restart failed")
			m.c.endTo(txn, fsm.Idle)
			attempt = m.c.machine.IncrementCrashes()
			continue
		}

		if terr := txn.To(fsm.Streaming); terr != nil {
			txn.End()
			return
		}
		txn.End()

		metrics.IncStreamRestart("crash")
		m.c.emitEvent(ctx, "stream_recovered", map[string]any{"attempt": attempt})
		m.logger.Info().Int("attempt", attempt).Msg("pipeline recovered")
		return
	}
}

func (m *Monitor) fail(ctx context.Context, attempts int) {
	cause := fmt.Errorf("pipeline crashed %d times, restart limit reached", attempts)
	txn, err := m.c.machine.Begin("crash_restart", fsm.Starting)
	if err != nil {
		m.logger.Error().Err(err).Msg("could not enter error state")
		return
	}
	txn.Fail(cause)

	m.logger.Error().
		Int("attempts", attempts).
		Str(log.FieldNewState, string(fsm.Error)).
		Msg("giving up on pipeline, manual recover required")
	m.c.emitEvent(ctx, "stream_error", map[string]any{"attempts": attempts})
}
