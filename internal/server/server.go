// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the wiring layer: it decides which URL patterns map to which
// handlers, what middleware runs on them, and how the server starts and stops.
// Keeping it out of main makes it testable with httptest.
//
// ROUTES:
//
//	GET  /health, /health/live, /health/ready, /health/detailed, /health/version
//	GET  /metrics                                → Prometheus
//	POST {prefix}/execute                        → submit a job
//	GET  {prefix}/execute/{executionId}          → status + output
//	GET  {prefix}/execute/{executionId}/logs     → SSE stream
//	GET  {prefix}/execute/{executionId}/ws       → WebSocket stream
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/coderunner/internal/handler"
	"github.com/sakif/coderunner/internal/middleware"
)

// portAttempts is how many consecutive ports Start tries when the configured
// one is taken.
const portAttempts = 5

type Config struct {
	Host        string
	Port        int
	APIPrefix   string
	CORSEnabled bool
	CORSOrigin  string
	Env         string
	// Development returns internal error messages to API callers.
	Development bool
	Build       handler.BuildInfo
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Service  handler.ExecutionService
	Streamer handler.Streamer
	// Checks back the readiness and detailed health routes.
	Checks map[string]handler.Checker
}

type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	s.setupRoutes(deps)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns unique ID to each request (for tracing)
// 2. RealIP: extracts real client IP from proxy headers
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger, Metrics: one log line and one sample per request
// 5. CORS: answers preflights before they reach a handler
func (s *Server) setupRoutes(deps Deps) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics)

	if s.config.CORSEnabled {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{s.config.CORSOrigin},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Cache-Control", "Last-Event-ID", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	health := handler.NewHealthHandler(deps.Checks, s.config.Build, s.config.Env)
	s.router.Get("/health", health.HandleHealth)
	s.router.Get("/health/live", health.HandleLive)
	s.router.Get("/health/ready", health.HandleReady)
	s.router.Get("/health/detailed", health.HandleDetailed)
	s.router.Get("/health/version", health.HandleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	execute := handler.NewExecuteHandler(deps.Service, s.logger)
	execute.ExposeErrors = s.config.Development
	streams := handler.NewStreamHandler(deps.Streamer, s.config.CORSOrigin, s.logger)

	s.router.Route(s.config.APIPrefix, func(r chi.Router) {
		r.Post("/execute", execute.HandleSubmit)
		r.Get("/execute/{executionId}", execute.HandleStatus)
		r.Get("/execute/{executionId}/logs", streams.HandleLogs)
		r.Get("/execute/{executionId}/ws", streams.HandleWebSocket)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
//
// If the configured port is taken, the next ports are tried. The write
// timeout is per response; streaming handlers lift it for themselves.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("apiPrefix", s.config.APIPrefix),
			slog.String("environment", s.config.Env),
		)
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutting down server")

		// Give in-flight requests 30 seconds to complete. Streams see the base
		// context cancelled and end on their own.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}

func (s *Server) listen() (net.Listener, error) {
	port := s.config.Port
	for attempt := 0; attempt < portAttempts; attempt++ {
		addr := net.JoinHostPort(s.config.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) || port == 0 {
			return nil, fmt.Errorf("listening on %s: %w", addr, err)
		}
		s.logger.Warn("port in use, trying the next one", slog.Int("port", port))
		port++
	}
	return nil, fmt.Errorf("no free port in %d-%d", s.config.Port, port-1)
}
