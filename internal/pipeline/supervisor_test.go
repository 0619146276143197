// SPDX-License-Identifier: MIT

//go:build unix

package pipeline

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picamctl/picamctl/internal/config"
)

// scriptFactory runs shell snippets in place of rpicam-vid and ffmpeg.
type scriptFactory struct {
	encoder   string
	segmenter string
}

func (f scriptFactory) EncoderCommand(config.CameraSettings) *exec.Cmd {
	return exec.Command("sh", "-c", f.encoder)
}

func (f scriptFactory) SegmenterCommand(config.CameraSettings) *exec.Cmd {
	return exec.Command("sh", "-c", f.segmenter)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testConfig(t *testing.T, f CommandFactory) Config {
	t.Helper()
	return Config{
		SinkAddr:       freeAddr(t),
		SegmentDir:     t.TempDir(),
		SegmentSeconds: 2,
		WindowSize:     10,
		StartupTimeout: 3 * time.Second,
		StopGrace:      time.Second,
		Factory:        f,
	}
}

func TestSupervisorStartAndStop(t *testing.T) {
	cfg := testConfig(t, nil)
	playlist := filepath.Join(cfg.SegmentDir, "stream.m3u8")
	cfg.Factory = scriptFactory{
		encoder:   "sleep 60",
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
	}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background(), config.DefaultSettings()))
	assert.True(t, s.Running())

	st := s.Status()
	assert.True(t, st.Running)
	require.NotNil(t, st.Encoder)
	require.NotNil(t, st.Segmenter)
	assert.Positive(t, st.Encoder.PID)
	assert.Equal(t, config.DefaultSettings(), st.Settings)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Running())

	// Segment files and playlist are removed on stop.
	_, err := os.Stat(playlist)
	assert.True(t, os.IsNotExist(err))

	// Stopping an idle supervisor is a no-op.
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSupervisorStartRejectsInvalidSettings(t *testing.T) {
	s := New(testConfig(t, scriptFactory{encoder: "sleep 60", segmenter: "sleep 60"}))

	bad := config.DefaultSettings()
	bad.Framerate = 0
	err := s.Start(context.Background(), bad)
	require.Error(t, err)
	assert.False(t, s.Running())
}

func TestSupervisorStartSinkBusy(t *testing.T) {
	cfg := testConfig(t, scriptFactory{encoder: "sleep 60", segmenter: "sleep 60"})

	ln, err := net.Listen("tcp", cfg.SinkAddr)
	require.NoError(t, err)
	defer ln.Close()

	s := New(cfg)
	err = s.Start(context.Background(), config.DefaultSettings())
	require.ErrorIs(t, err, ErrResourceBusy)
}

func TestSupervisorStartTimeout(t *testing.T) {
	// Neither child ever writes the playlist.
	cfg := testConfig(t, scriptFactory{encoder: "sleep 60", segmenter: "sleep 60"})
	cfg.StartupTimeout = 300 * time.Millisecond

	s := New(cfg)
	err := s.Start(context.Background(), config.DefaultSettings())
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.False(t, s.Running())
}

func TestSupervisorStartDetectsEarlyCrash(t *testing.T) {
	cfg := testConfig(t, scriptFactory{
		encoder:   "echo 'no camera detected' >&2; exit 1",
		segmenter: "sleep 60",
	})

	s := New(cfg)
	err := s.Start(context.Background(), config.DefaultSettings())
	require.ErrorIs(t, err, ErrProcessCrashed)
	assert.Contains(t, err.Error(), "no camera detected")
	assert.False(t, s.Running())
}

func TestSupervisorAlreadyRunning(t *testing.T) {
	cfg := testConfig(t, nil)
	playlist := filepath.Join(cfg.SegmentDir, "stream.m3u8")
	cfg.Factory = scriptFactory{
		encoder:   "sleep 60",
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
	}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background(), config.DefaultSettings()))
	defer s.Stop(context.Background()) //nolint:errcheck

	err := s.Start(context.Background(), config.DefaultSettings())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSupervisorCheckCrashed(t *testing.T) {
	cfg := testConfig(t, nil)
	playlist := filepath.Join(cfg.SegmentDir, "stream.m3u8")
	cfg.Factory = scriptFactory{
		encoder: "sleep 60",
		// Ready, then die shortly after.
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 0.2; echo 'broken pipe' >&2; exit 1", playlist),
	}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background(), config.DefaultSettings()))
	defer s.Stop(context.Background()) //nolint:errcheck

	require.Eventually(t, func() bool {
		_, _, crashed := s.CheckCrashed()
		return crashed
	}, 5*time.Second, 50*time.Millisecond)

	role, stderr, crashed := s.CheckCrashed()
	assert.True(t, crashed)
	assert.Equal(t, "segmenter", role)
	assert.Contains(t, stderr, "broken pipe")
}

func TestSupervisorLastSettingsSurviveStop(t *testing.T) {
	cfg := testConfig(t, nil)
	playlist := filepath.Join(cfg.SegmentDir, "stream.m3u8")
	cfg.Factory = scriptFactory{
		encoder:   "sleep 60",
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
	}

	s := New(cfg)
	_, ok := s.LastSettings()
	assert.False(t, ok)

	tuned := config.DefaultSettings()
	tuned.Framerate = 30
	require.NoError(t, s.Start(context.Background(), tuned))
	require.NoError(t, s.Stop(context.Background()))

	got, ok := s.LastSettings()
	require.True(t, ok)
	assert.Equal(t, 30, got.Framerate)
}

func TestSupervisorStopWithCanceledContext(t *testing.T) {
	cfg := testConfig(t, nil)
	playlist := filepath.Join(cfg.SegmentDir, "stream.m3u8")
	cfg.Factory = scriptFactory{
		encoder:   "sleep 60",
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
	}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background(), config.DefaultSettings()))

	st := s.Status()
	require.NotNil(t, st.Encoder)
	require.NotNil(t, st.Segmenter)
	encPID, segPID := st.Encoder.PID, st.Segmenter.PID

	// A caller that went away mid-request must still get a full teardown.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Stop(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.False(t, s.Running())
	assert.Error(t, syscall.Kill(encPID, 0), "encoder still alive after stop")
	assert.Error(t, syscall.Kill(segPID, 0), "segmenter still alive after stop")
}

func TestSupervisorCrashPollDuringStop(t *testing.T) {
	cfg := testConfig(t, nil)
	playlist := filepath.Join(cfg.SegmentDir, "stream.m3u8")
	cfg.Factory = scriptFactory{
		encoder:   "sleep 60",
		segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
	}

	s := New(cfg)
	require.NoError(t, s.Start(context.Background(), config.DefaultSettings()))

	// Hammer the health check while stop runs: the exit status must be
	// observable to both without stop hanging or reporting a timeout.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for i := 0; i < 500; i++ {
			s.CheckCrashed()
			time.Sleep(time.Millisecond)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- s.Stop(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return while health polling was active")
	}
	assert.False(t, s.Running())
	<-pollDone
}
