// SPDX-License-Identifier: MIT

// Package api exposes the HTTP control surface: stream lifecycle operations,
// settings management, snapshot capture, and confined file serving for the
// HLS window and stored snapshots.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/picamctl/picamctl/internal/camera"
	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/health"
	"github.com/picamctl/picamctl/internal/log"
)

// Server owns the HTTP control surface.
type Server struct {
	cfg        config.Runtime
	controller *camera.Controller
	store      *config.Store
	healthMgr  *health.Manager
	logger     zerolog.Logger
}

// NewServer wires the control surface against the camera controller.
func NewServer(cfg config.Runtime, controller *camera.Controller, store *config.Store, healthMgr *health.Manager) *Server {
	return &Server{
		cfg:        cfg,
		controller: controller,
		store:      store,
		healthMgr:  healthMgr,
		logger:     log.WithComponent("api"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.healthMgr.ServeHealth)
	r.Get("/readyz", s.healthMgr.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/settings", s.handleGetSettings)

		// Mutating operations spawn or kill camera processes; keep
		// request floods away from the hardware.
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(30, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(rateLimited),
			))

			r.Put("/settings", s.handlePutSettings)
			r.Post("/stream/start", s.handleStreamStart)
			r.Post("/stream/stop", s.handleStreamStop)
			r.Post("/stream/restart", s.handleStreamRestart)
			r.Post("/snapshot", s.handleSnapshot)
			r.Post("/recover", s.handleRecover)
			r.Post("/reboot", s.handleReboot)
		})
	})

	r.Handle("/hls/*", http.StripPrefix("/hls", s.confinedFileServer(s.cfg.SegmentDir)))
	r.Handle("/snapshots/*", http.StripPrefix("/snapshots", s.confinedFileServer(s.cfg.SnapshotDir)))

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("method", r.Method).
				Str(log.FieldPath, r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func rateLimited(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:  "rate_limit_exceeded",
		Detail: "too many control requests",
	})
}
