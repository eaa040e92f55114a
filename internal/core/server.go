package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subsync/internal/config"
)

// RouteRegistrar mounts a handler's routes on the router. Handlers register
// themselves through this indirection to avoid import cycles between core
// and handler packages.
type RouteRegistrar func(r chi.Router)

// Server bundles the router with the dependencies every handler shares.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// Registrars are mounted under /v1 by MountRoutes. Public (unauthenticated)
	// registrars are mounted at the root.
	V1Registrars     []RouteRegistrar
	PublicRegistrars []RouteRegistrar
	HealthProbes     []HealthProbe

	router *chi.Mux
}

// NewServer creates the server chassis. The caller mounts routes via
// MountRoutes after registering handlers.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// MountRoutes applies the global middleware chain and mounts all registered
// routes. Ordering: Recoverer outermost, then RequestID (so the logger can
// correlate), then the request logger.
func (s *Server) MountRoutes() {
	s.router.Use(Recoverer(s.Logger))
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Route("/v1", func(r chi.Router) {
		for _, reg := range s.V1Registrars {
			reg(r)
		}
	})

	// Public routes: webhook receiver and health check. No auth middleware;
	// the webhook authenticates via its signature.
	for _, reg := range s.PublicRegistrars {
		reg(s.router)
	}
	s.router.Get("/health", s.HandleHealth)
}

// Handler returns the router as an http.Handler for ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}
