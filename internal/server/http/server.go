// Package httpserver provides the HTTP REST API for the book generation service.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell/book-generation-service/internal/database"
	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/repository"
	"github.com/inkwell/book-generation-service/internal/workflow"
)

// BookService is the set of workflow operations exposed over HTTP.
// *workflow.StateMachine satisfies it.
type BookService interface {
	CreateBook(ctx context.Context, in workflow.CreateBookInput) (*domain.BookProgress, error)
	RequestOutlineGeneration(ctx context.Context, bookID uuid.UUID, feedback string) (*domain.BookProgress, error)
	DecideOutline(ctx context.Context, bookID uuid.UUID, d workflow.Decision) (*domain.BookProgress, error)
	DecideChapter(ctx context.Context, bookID uuid.UUID, n int, d workflow.Decision) (*domain.BookProgress, error)
	RegenerateChapter(ctx context.Context, bookID uuid.UUID, n int, feedback string) (*domain.BookProgress, error)
	Compile(ctx context.Context, bookID uuid.UUID, rating *int) (*domain.BookProgress, error)
	Status(ctx context.Context, bookID uuid.UUID) (*domain.BookProgress, error)
	GetChapter(ctx context.Context, bookID uuid.UUID, n int) (*domain.Chapter, error)
	ListBooks(ctx context.Context, filter repository.BookFilter) ([]*domain.Book, int64, error)
	Logs(ctx context.Context, bookID uuid.UUID, limit int) ([]*domain.GenerationLog, error)
}

// DatabaseHealth reports connection pool health.
type DatabaseHealth interface {
	Health(ctx context.Context) database.HealthStatus
}

// ReadinessCheck is an extra dependency probed by /readyz, such as Temporal or Redis.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	books      BookService
	db         DatabaseHealth
	checks     []ReadinessCheck
	validate   *validator.Validate
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, books BookService, db DatabaseHealth, logger zerolog.Logger, checks ...ReadinessCheck) *Server {
	s := &Server{
		books:    books,
		db:       db,
		checks:   checks,
		validate: newValidator(),
		logger:   logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(requestLogger(s.logger))
	r.Use(jsonContentTypeMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/v1/books", func(r chi.Router) {
		r.Post("/", s.createBook)
		r.Get("/", s.listBooks)

		r.Route("/{bookID}", func(r chi.Router) {
			r.Use(bookIDMiddleware)

			r.Get("/", s.getBook)
			r.Get("/logs", s.listLogs)
			r.Post("/outline/generate", s.generateOutline)
			r.Post("/outline/decision", s.decideOutline)
			r.Get("/chapters/{n}", s.getChapter)
			r.Post("/chapters/{n}/decision", s.decideChapter)
			r.Post("/chapters/{n}/regenerate", s.regenerateChapter)
			r.Post("/compile", s.compile)
		})
	})

	return r
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info().Str("address", ln.Addr().String()).Msg("http api listening")
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler is liveness: the process answers and the pool can ping.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	db := s.db.Health(r.Context())
	if !db.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": db.Status, "error": db.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": db.Status})
}

// readinessHandler probes the database first, then every extra check in
// parallel. Any failure answers 503 with the per-dependency result.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	db := s.db.Health(r.Context())
	if !db.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "database": db.Status, "error": db.Error})
		return
	}

	results := make([]error, len(s.checks))
	var g errgroup.Group
	for i, c := range s.checks {
		g.Go(func() error {
			results[i] = c.Check(r.Context())
			return nil
		})
	}
	_ = g.Wait()

	body := map[string]string{"status": "ready", "database": db.Status}
	status := http.StatusOK
	for i, c := range s.checks {
		if err := results[i]; err != nil {
			s.logger.Warn().Err(err).Str("dependency", c.Name).Msg("readiness check failed")
			body[c.Name] = "unhealthy"
			body["status"] = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		body[c.Name] = "healthy"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError answers {"error":{"code":...,"message":...}}.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorBody{Error: errorDetail{Code: code, Message: message}})
}
