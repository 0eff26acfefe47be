// Package api provides the HTTP surface for the fraud evaluation engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wekeza/nexus/internal/domain"
	"github.com/wekeza/nexus/internal/engine"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, eng *engine.Engine, repo domain.EvaluationRepository,
	store domain.VelocityStore, bus domain.EventBus, version string) *Server {

	handler := NewHandler(eng, repo, store, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Evaluation hot path
	router.Post("/evaluate", handler.Evaluate)

	// Challenge re-evaluation
	router.Post("/evaluations/{contextId}/challenge", handler.Challenge)

	// Audit retrieval
	router.Get("/evaluations/{id}", handler.GetEvaluation)
	router.Get("/evaluations/reference/{reference}", handler.GetEvaluationByReference)
	router.Get("/users/{userId}/evaluations", handler.ListUserEvaluations)

	// Analyst workflow
	router.Get("/review-queue", handler.ListReviewQueue)
	router.Post("/evaluations/{id}/review", handler.Review)

	// Velocity feedback from the transaction pipeline
	router.Post("/transactions/record", handler.RecordTransaction)

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
