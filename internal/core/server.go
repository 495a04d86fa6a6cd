// Package core provides the API chassis for the appserver: the chi router,
// the global middleware chain (panic recovery, request IDs, logging,
// security headers), and the shared JSON response and decoding utilities
// used by every handler.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"appserver/internal/config"
)

// Pinger is the subset of the database pool used by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouteRegistrar mounts a group of domain routes on the v1 router. Handler
// packages provide registrars and the entry point injects them, which keeps
// core free of handler imports.
type RouteRegistrar func(r chi.Router)

// Server holds the HTTP chassis dependencies.
type Server struct {
	Config *config.Config
	Logger *slog.Logger
	DB     Pinger

	// V1RouteRegistrars is populated by the entry point before MountRoutes.
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer creates the chassis. Routes are mounted separately so tests can
// customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger, db Pinger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		DB:     db,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the v1 API group, and
// the health endpoint. Middleware order matters: the recoverer is outermost
// so every panic is caught; request IDs are assigned before anything logs.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}
