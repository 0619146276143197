// SPDX-License-Identifier: MIT

//go:build unix

package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/fsm"
)

// stillScript substitutes rpicam-still with a shell snippet. The output path
// is appended as the final argument, matching the real argument order.
func stillScript(script string) StillFactory {
	return func(_ config.CameraSettings, path string, _ int) *exec.Cmd {
		return exec.Command("sh", "-c", fmt.Sprintf(script, path))
	}
}

func TestSnapshotFromIdle(t *testing.T) {
	rig := newRig(t, nil)
	rig.controller.still = stillScript("echo jpeg-bytes > %s")

	res, err := rig.controller.Snapshot(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Contains(t, res.Filename, "snapshot_")
	assert.Contains(t, res.Filename, ".jpg")
	assert.FileExists(t, res.Path)
	assert.Equal(t, fsm.Idle, rig.machine.State())
	assert.Contains(t, rig.events.types(), "snapshot_taken")
}

func TestSnapshotWhileStreamingResumes(t *testing.T) {
	rig := newRig(t, nil)
	rig.controller.still = stillScript("echo jpeg-bytes > %s")
	ctx := context.Background()

	require.NoError(t, rig.controller.Start(ctx, config.DefaultSettings()))

	res, err := rig.controller.Snapshot(ctx)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)

	// The stream resumed with the same settings.
	assert.Equal(t, fsm.Streaming, rig.machine.State())
	assert.True(t, rig.controller.Status().Streaming)
}

func TestSnapshotCaptureFailureStillResumes(t *testing.T) {
	rig := newRig(t, nil)
	rig.controller.still = stillScript("echo 'sensor failure' >&2; %.0sexit 1")
	ctx := context.Background()

	require.NoError(t, rig.controller.Start(ctx, config.DefaultSettings()))

	_, err := rig.controller.Snapshot(ctx)
	require.ErrorIs(t, err, ErrCaptureFailed)
	assert.Contains(t, err.Error(), "sensor failure")

	// Resume happens even when the capture fails.
	assert.Equal(t, fsm.Streaming, rig.machine.State())
	assert.Contains(t, rig.events.types(), "snapshot_failed")
}

func TestSnapshotTimeout(t *testing.T) {
	rig := newRig(t, nil)
	rig.controller.cfg.CaptureTimeout = 200 * time.Millisecond
	rig.controller.still = stillScript("%.0ssleep 60")

	_, err := rig.controller.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrCaptureTimeout)
	assert.Equal(t, fsm.Idle, rig.machine.State())
}

func TestSnapshotEmptyOutputIsFailure(t *testing.T) {
	rig := newRig(t, nil)
	rig.controller.still = stillScript("touch %s")

	_, err := rig.controller.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrCaptureFailed)

	// The empty file is removed.
	entries, rerr := os.ReadDir(rig.controller.cfg.SnapshotDir)
	require.NoError(t, rerr)
	assert.Empty(t, entries)
}

func TestSnapshotDeviceBusy(t *testing.T) {
	rig := newRig(t, nil)
	require.True(t, rig.controller.device.TryLock())
	defer rig.controller.device.Unlock()

	_, err := rig.controller.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrDeviceBusy)
}

func TestSnapshotInvalidState(t *testing.T) {
	rig := newRig(t, nil)

	txn, err := rig.machine.Begin("start", fsm.Starting)
	require.NoError(t, err)
	defer txn.End()

	// Guard held in Starting: snapshot is not valid here.
	_, err = rig.controller.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
}
