// SPDX-License-Identifier: MIT

//go:build unix

package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picamctl/picamctl/internal/camera"
	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/fsm"
	"github.com/picamctl/picamctl/internal/health"
	"github.com/picamctl/picamctl/internal/pipeline"
	"github.com/picamctl/picamctl/internal/telemetry"
)

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

func newTestServer(t *testing.T) (*httptest.Server, config.Runtime) {
	t.Helper()

	segmentDir := t.TempDir()
	playlist := filepath.Join(segmentDir, "stream.m3u8")

	rt := config.Runtime{
		DeviceID:       "cam-test",
		SettingsPath:   filepath.Join(t.TempDir(), "settings.json"),
		SegmentDir:     segmentDir,
		SnapshotDir:    t.TempDir(),
		SinkAddr:       freeAddr(t),
		SegmentSeconds: 2,
		WindowSize:     10,
		StartupTimeout: 3 * time.Second,
		StopGrace:      time.Second,
		CaptureTimeout: 2 * time.Second,
		RebootCmd:      []string{"true"},
	}

	sup := pipeline.New(pipeline.Config{
		SinkAddr:       rt.SinkAddr,
		SegmentDir:     rt.SegmentDir,
		SegmentSeconds: rt.SegmentSeconds,
		WindowSize:     rt.WindowSize,
		StartupTimeout: rt.StartupTimeout,
		StopGrace:      rt.StopGrace,
		Factory: scriptFactory{
			encoder:   "sleep 60",
			segmenter: fmt.Sprintf("echo '#EXTM3U' > %s; sleep 60", playlist),
		},
	})

	machine := fsm.New()
	store := config.NewStore(rt.SettingsPath)
	controller := camera.NewController(camera.Options{
		Runtime:    rt,
		Machine:    machine,
		Supervisor: sup,
		Store:      store,
		Publisher:  telemetry.NopPublisher{},
		Still: func(_ config.CameraSettings, path string, _ int) *exec.Cmd {
			return exec.Command("sh", "-c", "echo jpeg-bytes > "+path)
		},
	})

	mgr := health.NewManager("test")
	mgr.RegisterChecker(health.NewPipelineChecker(machine.State))

	srv := httptest.NewServer(NewServer(rt, controller, store, mgr).Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/stream/stop", nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	})

	return srv, rt
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "cam-test", body["device_id"])
	assert.Equal(t, false, body["streaming"])
}

func TestGetSettingsReturnsDefaults(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/settings", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1280), body["width"])
	assert.Equal(t, float64(15), body["framerate"])
}

func TestPutSettingsWhileIdlePersists(t *testing.T) {
	srv, rt := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/settings", `{"framerate": 30}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := config.NewStore(rt.SettingsPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 30, stored.Framerate)
	// Partial update: other fields keep their defaults.
	assert.Equal(t, 1280, stored.Width)
}

func TestPutSettingsInvalid(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/settings", `{"rotation": 45}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_settings", body["error"])
}

func TestPutSettingsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, srv.URL+"/api/settings", `{"width": "wide"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["error"])

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/settings", `{"unknown_field": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/stream/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streaming", body["state"])

	// Starting an already-running stream conflicts.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/stream/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", body["error"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/stream/restart", `{"framerate": 30}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streaming", body["state"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/stream/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])

	// Stopping an idle stream conflicts.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/stream/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	srv, rt := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/snapshot", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	filename, _ := body["filename"].(string)
	assert.Contains(t, filename, "snapshot_")
	assert.Equal(t, "/snapshots/"+filename, body["url"])
	assert.FileExists(t, filepath.Join(rt.SnapshotDir, filename))

	// The confined file server hands the image back.
	fileResp, err := http.Get(srv.URL + "/snapshots/" + filename)
	require.NoError(t, err)
	defer fileResp.Body.Close()
	assert.Equal(t, http.StatusOK, fileResp.StatusCode)
	assert.Equal(t, "image/jpeg", fileResp.Header.Get("Content-Type"))
}

func TestRecoverWithoutError(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/recover", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_state", body["error"])
}

func TestRebootEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/reboot", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "rebooting", body["status"])

	// Terminal state: further control requests conflict.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/stream/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestHLSFileServing(t *testing.T) {
	srv, rt := newTestServer(t)

	playlist := filepath.Join(rt.SegmentDir, "stream.m3u8")
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644))
	segment := filepath.Join(rt.SegmentDir, "segment_001.ts")
	require.NoError(t, os.WriteFile(segment, []byte("tsdata"), 0o644))

	resp, err := http.Get(srv.URL + "/hls/stream.m3u8")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	resp2, err := http.Get(srv.URL + "/hls/segment_001.ts")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "video/mp2t", resp2.Header.Get("Content-Type"))
}

func TestFileServerBlocksTraversal(t *testing.T) {
	srv, rt := newTestServer(t)

	secret := filepath.Join(filepath.Dir(rt.SegmentDir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o644))

	// Raw traversal is normalized away by the client/server path cleaning;
	// the encoded form must be refused outright.
	resp, err := http.Get(srv.URL + "/hls/%2e%2e/secret.txt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/hls/missing.ts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
