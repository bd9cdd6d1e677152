// Package web runs the worker and aggregator HTTP services.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/face-pipeline/internal/constants"
	"github.com/kozaktomas/face-pipeline/internal/web/handlers"
	"github.com/kozaktomas/face-pipeline/internal/web/middleware"
)

// Server represents one service's HTTP server.
type Server struct {
	name       string
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewWorkerServer creates the server for an analysis worker.
func NewWorkerServer(worker handlers.Worker, host string, port int, logger *slog.Logger) *Server {
	s := newServer(string(worker.Field()), host, port, logger)
	s.routeWorker(handlers.NewProcessHandler(worker))
	return s
}

// NewAggregatorServer creates the aggregator's server.
func NewAggregatorServer(aggregator handlers.Aggregator, host string, port int, logger *slog.Logger) *Server {
	s := newServer("aggregator", host, port, logger)
	s.routeAggregator(handlers.NewAggregateHandler(aggregator))
	return s
}

func newServer(name, host string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(constants.HandlerTimeout))
	r.Use(middleware.ServiceName(name))
	r.Use(middleware.MaxBodySize(constants.MaxRequestSize))

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	return &Server{
		name:   name,
		router: r,
		logger: logger.With(slog.String("service", name)),
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(host, fmt.Sprint(port)),
			Handler:      r,
			ReadTimeout:  constants.ReadTimeout,
			WriteTimeout: constants.HandlerTimeout + constants.ReadTimeout,
			IdleTimeout:  constants.IdleTimeout,
		},
	}
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start %s server: %w", s.name, err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down %s server: %w", s.name, err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
