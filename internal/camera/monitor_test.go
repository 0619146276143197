// SPDX-License-Identifier: MIT

//go:build unix

package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/fsm"
)

func TestMonitorAutoRestartsAfterCrash(t *testing.T) {
	segmentDir := t.TempDir()
	playlist := filepath.Join(segmentDir, "stream.m3u8")

	// The first encoder run dies after half a second; every later run stays
	// up. A marker file distinguishes first from later runs.
	marker := filepath.Join(t.TempDir(), "crashed-once")
	factory := scriptFactory{
		encoder: fmt.Sprintf(
			"if [ ! -f %[1]s ]; then touch %[1]s; sleep 0.3; exit 1; fi; sleep 60", marker),
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
	}

	rig := newRigWithSegmentDir(t, factory, segmentDir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rig.controller.Start(ctx, config.DefaultSettings()))

	mon := NewMonitor(rig.controller)
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	// The monitor notices the crash, stops the remains, and restarts with
	// last-known-good settings.
	require.Eventually(t, func() bool {
		for _, typ := range rig.events.types() {
			if typ == "stream_recovered" {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "pipeline should recover after crash")

	assert.Contains(t, rig.events.types(), "stream_crashed")
	assert.Equal(t, fsm.Streaming, rig.machine.State())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitorGivesUpAfterAttemptLimit(t *testing.T) {
	segmentDir := t.TempDir()
	playlist := filepath.Join(segmentDir, "stream.m3u8")

	// First start succeeds, every restart fails: the encoder only survives
	// while a run-once marker is absent.
	marker := filepath.Join(t.TempDir(), "first-run")
	factory := scriptFactory{
		encoder: fmt.Sprintf(
			"if [ ! -f %[1]s ]; then touch %[1]s; sleep 0.3; exit 1; fi; echo 'still broken' >&2; exit 1", marker),
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
	}

	rig := newRigWithSegmentDir(t, factory, segmentDir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rig.controller.Start(ctx, config.DefaultSettings()))

	mon := NewMonitor(rig.controller)
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		return rig.machine.State() == fsm.Error
	}, 15*time.Second, 50*time.Millisecond, "machine should reach Error after exhausting restarts")

	assert.Contains(t, rig.events.types(), "stream_error")

	// Manual recover clears the way again.
	require.NoError(t, rig.controller.Recover(ctx))
	assert.Equal(t, fsm.Idle, rig.machine.State())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitorIgnoresIdlePipeline(t *testing.T) {
	defer goleak.VerifyNone(t)

	rig := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	mon := NewMonitor(rig.controller)
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, fsm.Idle, rig.machine.State())
	assert.Empty(t, rig.events.types())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitorRestartWaitsForStillCapture(t *testing.T) {
	segmentDir := t.TempDir()
	rig := newRigWithSegmentDir(t, nil, segmentDir)

	// An idle still capture owns the sensor.
	require.True(t, rig.controller.device.TryLock())

	mon := NewMonitor(rig.controller)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.recover(ctx)
	}()

	// Several backoff cycles pass without the restart touching the camera.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, rig.controller.sup.Running())
	assert.Equal(t, fsm.Idle, rig.machine.State())

	rig.controller.device.Unlock()
	require.Eventually(t, func() bool {
		return rig.controller.sup.Running()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, fsm.Streaming, rig.machine.State())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recovery loop did not finish after the capture released the device")
	}
}
