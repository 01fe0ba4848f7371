// Package api serves the operational HTTP surface: health, metrics and
// authenticated job triggers.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/savegress/complycore/internal/metrics"
	"go.uber.org/zap"
)

// Server represents the API server
type Server struct {
	router   chi.Router
	handlers *Handlers
	metrics  *metrics.Metrics
	secret   string
	logger   *zap.SugaredLogger
}

// NewServer creates a new API server. Job routes require a bearer token
// signed with jwtSecret.
func NewServer(batch BatchRunner, scans DeadlineRunner, m *metrics.Metrics, jwtSecret string, logger *zap.SugaredLogger) *Server {
	logger = logger.Named("api")
	s := &Server{
		router:   chi.NewRouter(),
		handlers: NewHandlers(batch, scans, logger),
		metrics:  m,
		secret:   jwtSecret,
		logger:   logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Router returns the HTTP handler
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Minute))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.secret))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/batch", s.handlers.RunBatch)
			r.Post("/deadlines", s.handlers.RunDeadlines)
		})
	})
}
