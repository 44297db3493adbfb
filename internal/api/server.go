// Package api exposes the HTTP surface of the service: one endpoint to start
// a run plus health and info endpoints.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
	"github.com/stapply-ai/agent/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// RunStarter is the orchestrator surface the API layer needs.
type RunStarter interface {
	StartRun(ctx context.Context, req *schemas.ApplicationRequest) (*schemas.Session, error)
}

// Server wraps the HTTP listener and its routes.
type Server struct {
	cfg    config.ServerConfig
	orch   RunStarter
	logger *zap.Logger
	http   *http.Server
}

// NewServer builds the server with its full middleware chain and routes.
func NewServer(cfg config.ServerConfig, orch RunStarter, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		logger: logger.Named("api"),
	}

	router := mux.NewRouter()
	router.Use(s.requestLogging)
	router.Use(s.originCheck)

	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/apply", s.handleApply).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the routed handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("address", s.cfg.Address))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
