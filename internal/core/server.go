// Package core provides the HTTP chassis for the internal notifier API. It
// builds a chi router with the cross-cutting concerns (panic recovery,
// request IDs, logging, bearer authentication) applied before requests reach
// the handlers registered by the entrypoint.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kickoff/internal/config"
)

// RouteRegistrar mounts handler routes on the authenticated /v1 group.
type RouteRegistrar func(r chi.Router)

// Server holds the router and its dependencies.
type Server struct {
	Config    config.ServerConfig
	Logger    *slog.Logger
	Validator *Validator

	// HealthProbes are run by GET /health.
	HealthProbes []HealthProbe
	// MetricsHandler, when set, is served unauthenticated at GET /metrics.
	MetricsHandler http.Handler
	// V1RouteRegistrars are applied inside the authenticated /v1 group.
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
	http   *http.Server
}

// NewServer creates a Server. Routes are mounted by MountRoutes once the
// caller has filled in registrars and probes.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if cfg.InternalToken.IsZero() {
		return nil, fmt.Errorf("internal API token must be configured")
	}
	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured port until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.Logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("http server shutdown initiated")
	return s.http.Shutdown(ctx)
}
