// Package server provides the HTTP server for the coordinator API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/devrev/ledgerbridge/internal/config"
	"github.com/devrev/ledgerbridge/internal/handler"
	"github.com/devrev/ledgerbridge/internal/health"
	"github.com/devrev/ledgerbridge/internal/metrics"
	"github.com/devrev/ledgerbridge/internal/middleware"
	"github.com/devrev/ledgerbridge/internal/service"
	"github.com/devrev/ledgerbridge/internal/validation"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthCheck
	errors      *handler.ErrorWriter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	coordinator service.Coordinator,
	validator *validation.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorWriter := handler.NewErrorWriter(logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:      router,
		httpServer:  httpServer,
		handlers:    handler.NewHandlers(coordinator, validator, errorWriter, logger, cfg.Server.RequestTimeout),
		healthCheck: health.NewHealthCheck(coordinator, logger),
		errors:      errorWriter,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS(s.cfg.Server.CORSOrigins),
	}
	if s.metrics != nil {
		middlewareChain = append(middlewareChain, middleware.Metrics(s.metrics))
	}
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Registry view
	v1.HandleFunc("/view", s.handlers.GetView).Methods(http.MethodGet)
	v1.HandleFunc("/view/refresh", s.handlers.RefreshView).Methods(http.MethodPost)
	v1.HandleFunc("/view/stream", s.handlers.StreamView).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handlers.GetStatus).Methods(http.MethodGet)

	// Commands
	v1.HandleFunc("/records", s.handlers.CreateRecord).Methods(http.MethodPost)
	v1.HandleFunc("/records/{id}", s.handlers.UpdateRecord).Methods(http.MethodPut)
	v1.HandleFunc("/records/{id}", s.handlers.DeleteRecord).Methods(http.MethodDelete)
	v1.HandleFunc("/records/{id}/graduate", s.handlers.GraduateRecord).Methods(http.MethodPost)
	v1.HandleFunc("/commands", s.handlers.ListCommands).Methods(http.MethodGet)
	v1.HandleFunc("/commands/{command_id}", s.handlers.GetCommand).Methods(http.MethodGet)
	v1.HandleFunc("/commands/{command_id}/cancel", s.handlers.CancelCommand).Methods(http.MethodPost)

	// Connections
	v1.HandleFunc("/ledgers/{ledger}/reconnect", s.handlers.ReconnectLedger).Methods(http.MethodPost)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errors.WriteErrorResponse(w, http.StatusNotFound, handler.ErrorCodeNotFound, "endpoint not found", r.Header.Get(middleware.HeaderRequestID))
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errors.WriteErrorResponse(w, http.StatusMethodNotAllowed, handler.ErrorCodeInvalidRequest, "method not allowed", r.Header.Get(middleware.HeaderRequestID))
	})
	// Subrouters resolve their own misses; the root handlers never see them
	s.router.NotFoundHandler = notFound
	s.router.MethodNotAllowedHandler = methodNotAllowed
	v1.NotFoundHandler = notFound
	v1.MethodNotAllowedHandler = methodNotAllowed
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
