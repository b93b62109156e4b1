package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kickoff/internal/types"
)

const (
	defaultRequestTimeout = 15 * time.Second
	readHeaderTimeout     = 5 * time.Second
)

// redactedHeaders are masked in request logs.
var redactedHeaders = []string{"Authorization", "Cookie"}

// MountRoutes registers the middleware chain and every route.
//
// Order: Recoverer first so it sees every panic, then the request ID so
// logs carry it, then logging, then the timeout. Authentication wraps only
// the /v1 group; /health and /metrics stay open for probes and scrapers.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, redactedHeaders))
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(errCodeNotFoundRoute, "route not found", nil))
	})
}

const errCodeNotFoundRoute types.ErrorCode = "not_found_route"

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates X-Request-Id or generates one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}
