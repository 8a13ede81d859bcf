package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oszuidwest/andros/internal/capture"
	"github.com/oszuidwest/andros/internal/config"
	"github.com/oszuidwest/andros/internal/recording"
	"github.com/oszuidwest/andros/internal/server"
	"github.com/oszuidwest/andros/internal/types"
)

// Server is the HTTP server exposing capture status, telemetry and metrics.
type Server struct {
	config   *config.Config
	manager  *capture.Manager
	archiver *recording.Archiver
	version  *VersionChecker
	metrics  http.Handler
	eventLog string
}

// NewServer returns a Server for the running capture pipelines. archiver
// may be nil when no archive is configured.
func NewServer(cfg *config.Config, mgr *capture.Manager, archiver *recording.Archiver, version *VersionChecker, metrics http.Handler, eventLog string) *Server {
	return &Server{
		config:   cfg,
		manager:  mgr,
		archiver: archiver,
		version:  version,
		metrics:  metrics,
		eventLog: eventLog,
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	opts := server.Options{
		Source:   s.manager,
		Node:     s.config.NodeName(),
		EventLog: s.eventLog,
		Version:  func() types.VersionInfo { return s.version.Info() },
	}
	if s.archiver != nil {
		opts.Archive = s.archiver.Stats
	}
	server.New(opts).Register(mux)

	server.NewHealth(server.Checker{
		Name:  "devices",
		Check: func(context.Context) error { return s.manager.Ready() },
	}).Register(mux)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server in the background.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().System.Port)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
