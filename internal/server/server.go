// Package server exposes the verification pipeline over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/attestlabs/voicegate/internal/bus"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/fault"
	"github.com/attestlabs/voicegate/internal/model"
	"github.com/attestlabs/voicegate/internal/monitor"
	"github.com/attestlabs/voicegate/internal/verify"
)

// Version is stamped at build time.
var Version = "dev"

type Server struct {
	cfg       config.Config
	settings  *config.Store
	engine    *verify.Engine
	lifecycle *model.Lifecycle
	monitor   *monitor.Monitor
	events    *bus.Client
	log       *slog.Logger
	started   time.Time
}

func New(cfg config.Config, settings *config.Store, engine *verify.Engine, lifecycle *model.Lifecycle, mon *monitor.Monitor, events *bus.Client, log *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		settings:  settings,
		engine:    engine,
		lifecycle: lifecycle,
		monitor:   mon,
		events:    events,
		log:       log.With("component", "server"),
		started:   time.Now(),
	}
}

// Handler returns the full middleware-wrapped handler tree. The
// monitor wraps everything so even 404s show up in the stats.
func (s *Server) Handler() http.Handler {
	return s.monitor.Middleware(s.corsMiddleware(s.routes()))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.cfg.HTTP.AllowedOrigins) > 0 {
			origin = s.cfg.HTTP.AllowedOrigins[0]
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "error", err)
	} else {
		s.log.Warn("request rejected", "status", status, "error", err)
	}
	s.respondJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}
