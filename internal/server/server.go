package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"omnilend/internal/observability"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port   int
	APIKey string // if empty, authentication is disabled
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Actions   *ActionHandler
	Positions *PositionHandler
	Health    *observability.HealthChecker
}

// Server is the HTTP API surface: user actions, position queries, and
// health probes. Gateway notifications never come through here; they arrive
// over NATS.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates a Server with all routes registered and the middleware
// chain (auth, request logging) applied.
func NewServer(cfg Config, handlers Handlers, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handlers.Health.LivenessHandler)
	mux.HandleFunc("GET /readyz", handlers.Health.ReadinessHandler)

	mux.HandleFunc("POST /api/borrow", handlers.Actions.Borrow)
	mux.HandleFunc("POST /api/repay", handlers.Actions.Repay)
	mux.HandleFunc("POST /api/liquidate", handlers.Actions.Liquidate)

	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{owner}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions/{owner}/audit", handlers.Positions.GetAuditTrail)
	mux.HandleFunc("GET /api/integrity", handlers.Positions.VerifyIntegrity)

	var h http.Handler = mux
	h = Auth(cfg.APIKey)(h)
	h = Logging(logger, metrics)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler exposes the full middleware chain; used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
