package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/chousei/internal/recovery"
	"github.com/ashita-ai/chousei/internal/resource"
	"github.com/ashita-ai/chousei/internal/statesync"
	"github.com/ashita-ai/chousei/internal/workflow"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	sync     *statesync.Coordinator
	resource *resource.Coordinator
	recovery *recovery.Coordinator
	workflow *workflow.Coordinator
	broker   *Broker

	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker is optional (nil disables the SSE stream).
type HandlersDeps struct {
	Sync     *statesync.Coordinator
	Resource *resource.Coordinator
	Recovery *recovery.Coordinator
	Workflow *workflow.Coordinator
	Broker   *Broker

	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		sync:                d.Sync,
		resource:            d.Resource,
		recovery:            d.Recovery,
		workflow:            d.Workflow,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
