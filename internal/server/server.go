package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/phishgraph/phishgraph/internal/auth"
	"github.com/phishgraph/phishgraph/internal/model"
	"github.com/phishgraph/phishgraph/internal/packs"
	"github.com/phishgraph/phishgraph/internal/ratelimit"
	"github.com/phishgraph/phishgraph/internal/search"
	"github.com/phishgraph/phishgraph/internal/service/investigations"
	"github.com/phishgraph/phishgraph/internal/storage"
)

// Server is the PhishGraph HTTP server.
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

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Graph, Limiter, Searcher, PackGen,
// PackCache, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB               *storage.DB
	JWTMgr           *auth.JWTManager
	InvestigationSvc *investigations.Service
	Logger           *slog.Logger

	// Optional dependencies (nil = disabled).
	Graph     GraphStore
	Limiter   ratelimit.Limiter
	Searcher  search.Searcher
	PackGen   *packs.Generator
	PackCache *packs.Cache
	MCPServer *mcpserver.MCPServer

	// OpenAPISpec, when non-empty, is served at GET /openapi.yaml.
	OpenAPISpec []byte

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
		Graph:               cfg.Graph,
		JWTMgr:              cfg.JWTMgr,
		InvestigationSvc:    cfg.InvestigationSvc,
		PackGen:             cfg.PackGen,
		PackCache:           cfg.PackCache,
		Searcher:            cfg.Searcher,
		Logger:              cfg.Logger,
		OpenAPISpec:         cfg.OpenAPISpec,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	limited := func(next http.Handler) http.Handler {
		return rateLimitMiddleware(limiter, cfg.Logger, next)
	}

	mux := http.NewServeMux()

	// Auth endpoint (no auth required; authMiddleware skips it).
	mux.Handle("POST /auth/token", http.HandlerFunc(h.HandleAuthToken))

	// Analyst management (admin-only).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/analysts", adminOnly(http.HandlerFunc(h.HandleCreateAnalyst)))

	// Investigations (analyst+, rate limited; reasoner calls are the
	// expensive resource the limiter protects).
	analystOnly := requireRole(model.RoleAnalyst)
	mux.Handle("POST /v1/investigations", limited(analystOnly(http.HandlerFunc(h.HandleInvestigate))))
	mux.Handle("POST /v1/investigations/stream", limited(analystOnly(http.HandlerFunc(h.HandleInvestigateStream))))

	// Reads (reader+).
	readerOnly := requireRole(model.RoleReader)
	mux.Handle("GET /v1/investigations/similar", limited(readerOnly(http.HandlerFunc(h.HandleSimilarInvestigations))))
	mux.Handle("GET /v1/investigations/{id}", readerOnly(http.HandlerFunc(h.HandleGetInvestigation)))

	// Subgraph packs (reader+ to fetch, admin to invalidate).
	if cfg.PackGen != nil {
		mux.Handle("GET /v1/packs/{subject_id}/{type}", limited(readerOnly(http.HandlerFunc(h.HandleGetPack))))
	}
	if cfg.PackCache != nil {
		mux.Handle("DELETE /v1/packs/{subject_id}", adminOnly(http.HandlerFunc(h.HandleInvalidatePacks)))
		mux.Handle("DELETE /v1/packs", adminOnly(http.HandlerFunc(h.HandleClearAllPacks)))
	}

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readerOnly(mcpHTTP))
	}

	// Health and API docs (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

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
