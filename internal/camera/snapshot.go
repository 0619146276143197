// SPDX-License-Identifier: MIT

package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/picamctl/picamctl/internal/fsm"
	"github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/metrics"
)

// SnapshotResult describes a completed still capture.
type SnapshotResult struct {
	ID         string        `json:"id"`
	Filename   string        `json:"filename"`
	Path       string        `json:"-"`
	CapturedAt time.Time     `json:"captured_at"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// Snapshot captures a still image. While streaming, the pipeline is paused
// (the camera supports one consumer), the still is taken, and the stream is
// resumed with unchanged settings; a failed resume drives the machine to
// Error. From Idle the capture runs directly. Capture failure never prevents
// the resume attempt.
func (c *Controller) Snapshot(ctx context.Context) (SnapshotResult, error) {
	began := time.Now()

	switch c.machine.State() {
	case fsm.Streaming:
		return c.snapshotWhileStreaming(ctx, began)
	case fsm.Idle:
		return c.snapshotIdle(ctx, began)
	default:
		metrics.IncSnapshot("invalid_state")
		return SnapshotResult{}, fmt.Errorf("%w: %s", ErrInvalidState, c.machine.State())
	}
}

func (c *Controller) snapshotWhileStreaming(ctx context.Context, began time.Time) (SnapshotResult, error) {
	txn, err := c.machine.Begin("snapshot", fsm.PausedForSnapshot)
	if err != nil {
		metrics.IncSnapshot("busy")
		return SnapshotResult{}, err
	}

	if !c.device.TryLock() {
		c.endTo(txn, fsm.Streaming)
		metrics.IncSnapshot("device_busy")
		return SnapshotResult{}, ErrDeviceBusy
	}
	defer c.device.Unlock()

	settings, _ := c.sup.LastSettings()
	if serr := c.sup.Stop(ctx); serr != nil {
		c.logger.Warn().Err(serr).Msg("pipeline pause finished with errors")
	}

	result, captureErr := c.capture(ctx)

	// Resume on every path: the pipeline comes back whether or not the
	// capture succeeded.
	if rerr := c.sup.Start(ctx, settings); rerr != nil {
		txn.Fail(fmt.Errorf("resume after snapshot: %w", rerr))
		c.logger.Error().Err(rerr).Msg("could not resume stream after snapshot")
		metrics.IncSnapshot("resume_failed")
		c.emitEvent(ctx, "snapshot_failed", map[string]any{"error": rerr.Error()})
		if captureErr != nil {
			return SnapshotResult{}, errors.Join(captureErr, rerr)
		}
		return SnapshotResult{}, rerr
	}
	if terr := txn.To(fsm.Streaming); terr != nil {
		txn.End()
		return SnapshotResult{}, terr
	}
	txn.End()

	return c.finishSnapshot(ctx, result, captureErr, began)
}

func (c *Controller) snapshotIdle(ctx context.Context, began time.Time) (SnapshotResult, error) {
	if !c.device.TryLock() {
		metrics.IncSnapshot("device_busy")
		return SnapshotResult{}, ErrDeviceBusy
	}
	defer c.device.Unlock()

	result, captureErr := c.capture(ctx)
	return c.finishSnapshot(ctx, result, captureErr, began)
}

func (c *Controller) finishSnapshot(ctx context.Context, result SnapshotResult, captureErr error, began time.Time) (SnapshotResult, error) {
	result.Duration = time.Since(began)
	result.DurationMS = result.Duration.Milliseconds()
	metrics.ObserveSnapshotDuration(result.Duration)

	if captureErr != nil {
		metrics.IncSnapshot("error")
		c.emitEvent(ctx, "snapshot_failed", map[string]any{"error": captureErr.Error()})
		return SnapshotResult{}, captureErr
	}

	metrics.IncSnapshot("ok")
	c.logger.Info().
		Str("snapshot_id", result.ID).
		Str(log.FieldPath, result.Path).
		Dur("duration", result.Duration).
		Msg("snapshot captured")
	c.emitEvent(ctx, "snapshot_taken", map[string]any{
		"snapshot_id": result.ID,
		"filename":    result.Filename,
	})
	return result, nil
}

// capture runs the still binary with a bounded deadline and verifies the
// output file exists and is non-empty.
func (c *Controller) capture(ctx context.Context) (SnapshotResult, error) {
	id := uuid.NewString()
	now := time.Now()
	filename := "snapshot_" + now.Format("20060102_150405") + ".jpg"
	path := filepath.Join(c.cfg.SnapshotDir, filename)

	if err := os.MkdirAll(c.cfg.SnapshotDir, 0o755); err != nil {
		return SnapshotResult{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	captureCtx, cancel := context.WithTimeout(ctx, c.cfg.CaptureTimeout)
	defer cancel()

	settings := c.currentSettings()
	timeoutMs := int(c.cfg.CaptureTimeout.Milliseconds() / 2)
	cmd := c.still(settings, path, timeoutMs)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return SnapshotResult{}, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	go func() { done <- cmd.Wait() }()

	select {
	case <-captureCtx.Done():
		_ = cmd.Process.Kill()
		<-done
		_ = os.Remove(path)
		return SnapshotResult{}, fmt.Errorf("%w after %s", ErrCaptureTimeout, c.cfg.CaptureTimeout)
	case err := <-done:
		if err != nil {
			_ = os.Remove(path)
			return SnapshotResult{}, fmt.Errorf("%w: %v (stderr %q)", ErrCaptureFailed, err, lastLine(stderr.String()))
		}
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(path)
		return SnapshotResult{}, fmt.Errorf("%w: no output written", ErrCaptureFailed)
	}

	return SnapshotResult{
		ID:         id,
		Filename:   filename,
		Path:       path,
		CapturedAt: now.UTC(),
	}, nil
}

func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}
