package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/playmesh/arena/internal/auth"
	"github.com/playmesh/arena/internal/matchsvc"
	"github.com/playmesh/arena/internal/session"
	"github.com/playmesh/arena/internal/storage"
)

// Server is the arena HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	DB      *storage.DB
	JWTMgr  *auth.JWTManager
	Matches *matchsvc.Service
	Engine  session.Engine
	Logger  *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	AgentSendBuffer     int
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Matches:             cfg.Matches,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Token issuance (no auth required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Agent records. Registration is the bootstrap path and needs no token.
	mux.HandleFunc("POST /v1/agents", h.HandleCreateAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)

	// Match lifecycle.
	mux.HandleFunc("GET /v1/matches", h.HandleListMatches)
	mux.HandleFunc("POST /v1/matches", h.HandleCreateMatch)
	mux.HandleFunc("GET /v1/matches/{match_id}", h.HandleGetMatch)
	mux.HandleFunc("POST /v1/matches/{match_id}/join", h.HandleJoinMatch)
	mux.HandleFunc("GET /v1/matches/{match_id}/turns", h.HandleListTurns)

	// Leaderboard.
	mux.HandleFunc("GET /v1/stats", h.HandleListStats)

	// Agent play stream. The upgrade hijacks the connection, so the server
	// timeouts below stop applying; the session sets its own deadlines.
	mux.Handle("GET /v1/play", h.HandleAttach(cfg.Engine, cfg.AgentSendBuffer, cfg.Logger))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
