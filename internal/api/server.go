// Package api provides the HTTP surface of the scoring service.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/assist"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/retrain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, scorer *scoring.Scorer, reg *registry.Registry, hist *history.Service, retrainMgr *retrain.Manager, assistClient *assist.Client, version string) *Server {
	handler := NewHandler(repo, cache, bus, scorer, reg, hist, retrainMgr, assistClient, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and status endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/status", handler.Status)

	// Scoring and feedback
	router.Post("/score", handler.Score)
	router.Post("/feedback", handler.Feedback)

	// Prediction audit log
	router.Get("/transactions", handler.ListTransactions)

	// Model lifecycle
	router.Get("/models", handler.ListModels)
	router.Post("/models/{version}/activate", handler.ActivateModel)
	router.Post("/models/reload", handler.ReloadModels)

	// Retraining jobs
	router.Post("/retrain", handler.StartRetrain)
	router.Get("/retrain", handler.ListRetrainJobs)
	router.Get("/retrain/{id}", handler.GetRetrainJob)

	// Explanation assistant
	router.Post("/assist/explain", handler.Explain)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
