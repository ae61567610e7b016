// Package server exposes the read-only reporting surface and the manual
// execute endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/server/handler"
	"github.com/alanyoungcy/poolsniper/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// ExecuteLimit requests per ExecuteWindow are allowed per client on
	// /execute when a rate limiter is supplied.
	ExecuteLimit  int
	ExecuteWindow time.Duration
}

// Handlers aggregates the HTTP handlers to register. Nil handlers are
// skipped, so a mode only serves what it runs.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Pools         *handler.PoolHandler
	Opportunities *handler.OpportunityHandler
	Trades        *handler.TradeHandler
	Execute       *handler.ExecuteHandler
	// Webhook is the push ingestion endpoint. It authenticates with its own
	// signature, not the API key.
	Webhook http.Handler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route under /api and at the bare path, then
// wraps the mux in logging and CORS middleware. limiter may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()
	route := func(method, path string, fn http.Handler) {
		mux.Handle(method+" /api"+path, fn)
		mux.Handle(method+" "+path, fn)
	}

	if h.Health != nil {
		route("GET", "/health", http.HandlerFunc(h.Health.HealthCheck))
	}
	if h.Status != nil {
		route("GET", "/status", http.HandlerFunc(h.Status.GetStatus))
	}
	if h.Pools != nil {
		route("GET", "/pools", http.HandlerFunc(h.Pools.ListPools))
		route("GET", "/pools/{address}", http.HandlerFunc(h.Pools.GetPool))
	}
	if h.Opportunities != nil {
		route("GET", "/opportunities", http.HandlerFunc(h.Opportunities.ListOpportunities))
	}
	if h.Trades != nil {
		route("GET", "/trades", http.HandlerFunc(h.Trades.ListTrades))
		route("GET", "/trades/{id}", http.HandlerFunc(h.Trades.GetTrade))
	}
	if h.Execute != nil {
		var exec http.Handler = http.HandlerFunc(h.Execute.Execute)
		if limiter != nil && cfg.ExecuteLimit > 0 {
			exec = middleware.RateLimit(limiter, "execute", cfg.ExecuteLimit, cfg.ExecuteWindow, logger)(exec)
		}
		route("POST", "/execute", middleware.Auth(cfg.APIKey, logger)(exec))
	}
	if h.Webhook != nil {
		mux.Handle("POST /api/webhooks/pools", h.Webhook)
	}

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
