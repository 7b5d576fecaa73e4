// Package server provides the HTTP API for embeddy.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/embeddy/internal/config"
	"github.com/hyperjump/embeddy/internal/manager"
	"github.com/hyperjump/embeddy/internal/models"
	"go.uber.org/zap"
)

// Service is the model coordinator the handlers call into.
type Service interface {
	Embed(ctx context.Context, ref string, texts []string, device string) (*manager.EmbedResult, error)
	ListLoaded() []string
	Statuses(withSize bool) ([]models.ModelStatus, error)
	Unload(alias string) bool
	DefaultDevice() string
}

// Server is the HTTP server for the embeddy API.
type Server struct {
	svc    Service
	config *config.ServerConfig
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(svc Service, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		svc:    svc,
		config: cfg,
		logger: logger,
	}
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/api/health", s.handleHealth)
	r.Post("/api/embed", s.handleEmbed)
	r.Get("/api/models", s.handleListModels)
	r.Delete("/api/models/{alias}/loaded", s.handleUnload)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr), zap.String("device", s.svc.DefaultDevice()))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
