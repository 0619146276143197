// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/picamctl/picamctl/internal/camera"
	"github.com/picamctl/picamctl/internal/fsm"
	"github.com/picamctl/picamctl/internal/pipeline"
	"github.com/picamctl/picamctl/internal/validate"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Fields []any  `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes. Contention maps to
// 409, bad input to 422, exceeded deadlines to 504.
func writeError(w http.ResponseWriter, err error) {
	var verr validate.ValidationError
	if errors.As(err, &verr) {
		fields := make([]any, 0, len(verr.Errors()))
		for _, fe := range verr.Errors() {
			fields = append(fields, fe)
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:  "invalid_settings",
			Detail: verr.Error(),
			Fields: fields,
		})
		return
	}

	switch {
	case errors.Is(err, fsm.ErrBusy),
		errors.Is(err, camera.ErrDeviceBusy),
		errors.Is(err, pipeline.ErrResourceBusy),
		errors.Is(err, pipeline.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorBody{Error: "busy", Detail: err.Error()})
	case errors.Is(err, fsm.ErrInvalidTransition),
		errors.Is(err, camera.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody{Error: "invalid_state", Detail: err.Error()})
	case errors.Is(err, pipeline.ErrStartupTimeout),
		errors.Is(err, pipeline.ErrStopTimeout),
		errors.Is(err, camera.ErrCaptureTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "timeout", Detail: err.Error()})
	case errors.Is(err, pipeline.ErrProcessCrashed),
		errors.Is(err, camera.ErrCaptureFailed):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "process_failed", Detail: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Detail: err.Error()})
	}
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: detail})
}
