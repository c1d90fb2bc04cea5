package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/chousei/internal/ratelimit"
	"github.com/ashita-ai/chousei/internal/recovery"
	"github.com/ashita-ai/chousei/internal/resource"
	"github.com/ashita-ai/chousei/internal/statesync"
	"github.com/ashita-ai/chousei/internal/workflow"
)

// Server is the management HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker.
type ServerConfig struct {
	Sync     *statesync.Coordinator
	Resource *resource.Coordinator
	Recovery *recovery.Coordinator
	Workflow *workflow.Coordinator
	Logger   *slog.Logger

	Limiter ratelimit.Limiter
	Broker  *Broker

	Port                int
	ReadTimeout         time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Sync:                cfg.Sync,
		Resource:            cfg.Resource,
		Recovery:            cfg.Recovery,
		Workflow:            cfg.Workflow,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Sync coordinator.
	mux.HandleFunc("POST /v1/sync/register", h.HandleRegisterComponent)
	mux.HandleFunc("DELETE /v1/sync/register/{id}", h.HandleUnregisterComponent)
	mux.HandleFunc("POST /v1/sync/state/{id}", h.HandleUpdateState)
	mux.HandleFunc("GET /v1/sync/state/{id}", h.HandleGetState)
	mux.HandleFunc("POST /v1/sync/sync/{id}", h.HandleResync)
	mux.HandleFunc("POST /v1/sync/rollback/{id}", h.HandleRollback)
	mux.HandleFunc("POST /v1/sync/events", h.HandlePublishEvent)
	mux.HandleFunc("GET /v1/sync/conflicts", h.HandleSyncConflicts)
	mux.HandleFunc("GET /v1/sync/status", h.HandleSyncStatus)
	mux.HandleFunc("GET /v1/sync/metrics", h.HandleSyncMetrics)
	mux.HandleFunc("GET /v1/sync/health", h.HandleSyncHealth)

	// SSE stream (long-lived connection, registered outside the write timeout
	// path; see WriteTimeout note below).
	mux.HandleFunc("GET /v1/sync/stream", h.HandleStream)

	// Resource coordinator.
	mux.HandleFunc("POST /v1/resource/allocate", h.HandleAllocate)
	mux.HandleFunc("DELETE /v1/resource/allocate/{request_id}", h.HandleRelease)
	mux.HandleFunc("GET /v1/resource/status", h.HandleResourceStatus)
	mux.HandleFunc("POST /v1/resource/optimize", h.HandleOptimize)
	mux.HandleFunc("GET /v1/resource/metrics", h.HandleResourceMetrics)
	mux.HandleFunc("GET /v1/resource/health", h.HandleResourceHealth)
	mux.HandleFunc("GET /v1/resource/quota/{service}", h.HandleGetQuota)
	mux.HandleFunc("POST /v1/resource/quota/{service}", h.HandleSetQuota)
	mux.HandleFunc("POST /v1/resource/quota/{service}/consume", h.HandleConsumeQuota)

	// Error coordinator.
	mux.HandleFunc("POST /v1/errors", h.HandleReportError)
	mux.HandleFunc("GET /v1/errors", h.HandleListErrors)
	mux.HandleFunc("GET /v1/errors/summary", h.HandleErrorSummary)
	mux.HandleFunc("GET /v1/errors/stats", h.HandleErrorStats)
	mux.HandleFunc("GET /v1/errors/health", h.HandleErrorHealth)
	mux.HandleFunc("GET /v1/errors/{id}", h.HandleGetError)
	mux.HandleFunc("POST /v1/recovery/{id}", h.HandleRetryRecovery)
	mux.HandleFunc("GET /v1/recovery/strategies", h.HandleStrategies)
	mux.HandleFunc("GET /v1/alerts", h.HandleAlerts)

	// Workflow coordinator.
	mux.HandleFunc("POST /v1/workflows", h.HandleCreateWorkflow)
	mux.HandleFunc("GET /v1/workflows", h.HandleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/templates", h.HandleTemplates)
	mux.HandleFunc("GET /v1/workflows/metrics", h.HandleWorkflowMetrics)
	mux.HandleFunc("GET /v1/workflows/suggestions", h.HandleWorkflowSuggestions)
	mux.HandleFunc("GET /v1/workflows/health", h.HandleWorkflowHealth)
	mux.HandleFunc("GET /v1/workflows/{id}", h.HandleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", h.HandleCancelWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/pause", h.HandlePauseWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/resume", h.HandleResumeWorkflow)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → rate limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		handler = ratelimit.Middleware(cfg.Limiter, nil, cfg.Logger)(handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			// WriteTimeout intentionally left unset: /v1/sync/stream holds its
			// connection open indefinitely. Per-handler deadlines cover the
			// rest via ReadTimeout and client cancellation.
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
