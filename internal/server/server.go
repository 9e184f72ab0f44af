package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/outcomefi/outcome/internal/mcp"
	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/ratelimit"
	"github.com/outcomefi/outcome/internal/service/universes"
	"github.com/outcomefi/outcome/internal/storage"
)

// Server is the Outcome HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	Universes    *universes.Service
	AdminAddress string
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Reported by /health.
	SignerAddress string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Universes:           cfg.Universes,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		SignerAddress:       cfg.SignerAddress,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	aiRL := ratelimit.Middleware(limiter, "ai", func(r *http.Request) string {
		return CallerFromContext(r.Context())
	}, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many generative requests")
	}, cfg.Logger)
	adminOnly := requireAdmin(cfg.AdminAddress)

	mux := http.NewServeMux()

	// Generative endpoints (rate limited per caller).
	mux.Handle("POST /api/ai/universes/draft-scenarios", aiRL(http.HandlerFunc(h.HandleDraftScenarios)))
	mux.Handle("POST /api/ai/universes/{ref}/generate-narrative", adminOnly(aiRL(http.HandlerFunc(h.HandleGenerateNarrative))))

	// Ledger writes (admin only).
	mux.Handle("POST /api/universes/publish", adminOnly(http.HandlerFunc(h.HandlePublish)))
	mux.Handle("POST /api/universes/{ref}/seal", adminOnly(http.HandlerFunc(h.HandleSeal)))
	mux.Handle("POST /api/universes/{ref}/reconcile", adminOnly(http.HandlerFunc(h.HandleReconcile)))

	// Reads and cache refresh.
	mux.HandleFunc("GET /api/universes", h.HandleListUniverses)
	mux.HandleFunc("GET /api/universes/{ref}", h.HandleGetUniverse)
	mux.HandleFunc("GET /api/universes/{ref}/runs", h.HandleListRuns)
	mux.HandleFunc("POST /api/universes/{ref}/refresh", h.HandleRefresh)

	// MCP StreamableHTTP transport (admin only).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
				return mcp.WithCaller(ctx, CallerFromContext(r.Context()))
			}),
		)
		mux.Handle("/mcp", adminOnly(mcpHTTP))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → caller → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = callerMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
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
