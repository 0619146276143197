// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/picamctl/picamctl/internal/config"
)

// handleStatus returns the aggregate device status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

// handleGetSettings returns the effective camera settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Settings())
}

// handlePutSettings validates and applies new settings. A running stream is
// restarted with them; otherwise they are persisted for the next start.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	settings, ok := s.decodeSettings(w, r)
	if !ok {
		return
	}

	if s.controller.Status().Streaming {
		if err := s.controller.Restart(r.Context(), settings); err != nil {
			writeError(w, err)
			return
		}
	} else {
		if err := settings.Validate(); err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.Save(settings); err != nil {
			writeError(w, err)
			return
		}
	}

	resp := struct {
		Settings config.CameraSettings `json:"settings"`
		Unstable bool                  `json:"unstable,omitempty"`
	}{settings, settings.Unstable()}
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamStart starts the pipeline with the persisted settings, or with
// a settings document supplied in the request body.
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var settings config.CameraSettings
	if r.ContentLength > 0 {
		var ok bool
		if settings, ok = s.decodeSettings(w, r); !ok {
			return
		}
	} else {
		var err error
		if settings, err = s.store.Load(); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := s.controller.Start(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleStreamRestart(w http.ResponseWriter, r *http.Request) {
	var settings config.CameraSettings
	if r.ContentLength > 0 {
		var ok bool
		if settings, ok = s.decodeSettings(w, r); !ok {
			return
		}
	} else {
		settings = s.controller.Settings()
	}

	if err := s.controller.Restart(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := struct {
		ID         string `json:"id"`
		Filename   string `json:"filename"`
		URL        string `json:"url"`
		CapturedAt string `json:"captured_at"`
		DurationMS int64  `json:"duration_ms"`
	}{
		ID:         result.ID,
		Filename:   result.Filename,
		URL:        "/snapshots/" + result.Filename,
		CapturedAt: result.CapturedAt.Format("2006-01-02T15:04:05Z07:00"),
		DurationMS: result.DurationMS,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Recover(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Reboot(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebooting"})
}

// decodeSettings parses a settings document on top of the current defaults,
// so partial updates only touch the supplied fields.
func (s *Server) decodeSettings(w http.ResponseWriter, r *http.Request) (config.CameraSettings, bool) {
	settings := s.controller.Settings()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		writeBadRequest(w, "invalid settings document: "+err.Error())
		return config.CameraSettings{}, false
	}
	return settings, true
}
