package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/service/approvals"
	"github.com/ashita-ai/kanri/internal/service/runs"
	"github.com/ashita-ai/kanri/internal/storage"
)

// Server is the Kanri HTTP server.
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
	// Required dependencies.
	Store       storage.Store
	JWTMgr      *auth.JWTManager
	Registry    *auth.Registry
	RunSvc      *runs.Service
	ApprovalSvc *approvals.Service
	Broker      *Broker
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Registry:            cfg.Registry,
		RunSvc:              cfg.RunSvc,
		ApprovalSvc:         cfg.ApprovalSvc,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth endpoint (no auth required; everything else goes through the
	// auth middleware).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Run lifecycle (agent+). Agents drive their own runs and tool calls.
	agentPlus := requireRole(auth.RoleAgent)
	mux.Handle("POST /v1/runs", agentPlus(http.HandlerFunc(h.HandleCreateRun)))
	mux.Handle("POST /v1/runs/{run_id}/tool_calls", agentPlus(http.HandlerFunc(h.HandleSubmitToolCall)))
	mux.Handle("POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/start", agentPlus(http.HandlerFunc(h.HandleStartToolCall)))
	mux.Handle("POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/complete", agentPlus(http.HandlerFunc(h.HandleCompleteToolCall)))
	mux.Handle("POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/fail", agentPlus(http.HandlerFunc(h.HandleFailToolCall)))

	// Reads (agent+).
	mux.Handle("GET /v1/status", agentPlus(http.HandlerFunc(h.HandleStatus)))
	mux.Handle("GET /v1/runs/{run_id}", agentPlus(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/runs/{run_id}/events", agentPlus(http.HandlerFunc(h.HandleRunEvents)))
	mux.Handle("GET /v1/approvals", agentPlus(http.HandlerFunc(h.HandleListApprovals)))

	// Live stream (agent+, no rate limit, long-lived connection).
	mux.Handle("GET /v1/runs/{run_id}/stream", agentPlus(http.HandlerFunc(h.HandleStream)))

	// Human-in-the-loop surface (operator+). Approving, rejecting, and
	// cancelling are privileged: an agent must never resolve its own gate.
	operatorPlus := requireRole(auth.RoleOperator)
	mux.Handle("POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/approve", operatorPlus(http.HandlerFunc(h.HandleApproveToolCall)))
	mux.Handle("POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/reject", operatorPlus(http.HandlerFunc(h.HandleRejectToolCall)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", operatorPlus(http.HandlerFunc(h.HandleCancelRun)))

	// MCP StreamableHTTP transport (operator+: the MCP tools resolve
	// approvals).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", operatorPlus(mcpHTTP))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID -> tracing -> logging -> auth -> recovery -> handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
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

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
