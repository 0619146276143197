// SPDX-License-Identifier: MIT

package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/picamctl/picamctl/internal/fsm"
)

// Reboot stops the pipeline, publishes a final retained status, flushes the
// telemetry connection, and hands off to the system reboot command. The
// Rebooting state is terminal; only a process restart leaves it.
func (c *Controller) Reboot(ctx context.Context) error {
	txn, err := c.machine.Begin("reboot", fsm.Rebooting)
	if err != nil {
		return err
	}
	// The txn is never Ended on success: no further transitions are valid
	// once the reboot command is handed off.

	if serr := c.sup.Stop(ctx); serr != nil {
		c.logger.Warn().Err(serr).Msg("pipeline stop finished with errors before reboot")
	}

	c.emitEvent(ctx, "rebooting", nil)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	if err := c.pub.PublishState(pubCtx, c.StatusPayload()); err != nil {
		c.logger.Warn().Err(err).Msg("final status publish failed")
	}
	if err := c.pub.Close(pubCtx); err != nil {
		c.logger.Warn().Err(err).Msg("telemetry close failed")
	}
	cancel()

	cmd := c.rebootCmd()
	c.logger.Info().Strs("cmd", cmd.Args).Msg("invoking system reboot")
	if err := cmd.Start(); err != nil {
		// The daemon will stay up after all; surface the failure as an
		// Error state the operator can recover from.
		rerr := fmt.Errorf("reboot command: %w", err)
		txn.Fail(rerr)
		c.emitEvent(ctx, "reboot_failed", map[string]any{"error": err.Error()})
		return rerr
	}
	// The daemon does not wait for the reboot; the OS takes it down.
	return nil
}
