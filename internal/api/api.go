// Package api exposes the dispenser controller over HTTP.
//
// Every endpoint is a thin mapping onto one controller operation: the
// controller owns all session logic, and the handlers only decode the
// request, invoke the operation, and encode the operation response. The
// boundary layer polls GET /api/status frequently, which is what drives the
// controller's cooperative time-based transitions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sauron-health/dispenser/internal/controller"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8000"

// ShutdownTimeout bounds graceful shutdown on context cancellation.
const ShutdownTimeout = 10 * time.Second

// Opts holds server configuration.
type Opts struct {
	Addr string
}

// Option configures the server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server maps HTTP endpoints onto controller operations.
type Server struct {
	controller *controller.Controller
	opts       Opts
}

// NewServer creates a server bound to one controller instance.
func NewServer(c *controller.Controller, options ...Option) *Server {
	opts := Opts{Addr: DefaultAddr}
	for _, opt := range options {
		opt(&opts)
	}
	return &Server{controller: c, opts: opts}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/users", s.usersHandler)
	mux.HandleFunc("/api/start-monitoring", s.startMonitoringHandler)
	mux.HandleFunc("/api/distance", s.distanceHandler)
	mux.HandleFunc("/api/recognition", s.recognitionHandler)
	mux.HandleFunc("/api/register", s.registerHandler)
	mux.HandleFunc("/api/override", s.overrideHandler)
	mux.HandleFunc("/api/stop-advice", s.stopAdviceHandler)
	mux.HandleFunc("/api/reset", s.resetHandler)
	mux.HandleFunc("/api/dispense-record", s.dispenseRecordHandler)
	mux.HandleFunc("/api/dispense-log", s.dispenseLogHandler)
	mux.HandleFunc("/api/session-log", s.sessionLogHandler)
	mux.HandleFunc("/api/advice", s.adviceHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: dispenser API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		slog.Info("Server.Run: shut down cleanly")
		return nil
	}
}
