package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/statesync"
)

// HandleRegisterComponent handles POST /v1/sync/register.
func (h *Handlers) HandleRegisterComponent(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterComponentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ComponentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "component_id is required")
		return
	}

	// HTTP-registered components stream through the shared SSE broker.
	if err := h.sync.RegisterComponent(r.Context(), req.ComponentID, h.broker, req.InitialState); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{"component_id": req.ComponentID})
}

// HandleUnregisterComponent handles DELETE /v1/sync/register/{id}.
func (h *Handlers) HandleUnregisterComponent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sync.UnregisterComponent(r.Context(), id); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"component_id": id})
}

// HandleUpdateState handles POST /v1/sync/state/{id}.
func (h *Handlers) HandleUpdateState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req model.UpdateStateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.State == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "state is required")
		return
	}

	snap, err := h.sync.UpdateComponentState(r.Context(), id, req.State, req.Version)
	if err != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleGetState handles GET /v1/sync/state/{id}. ?history=true returns the
// retained snapshot history instead of the current snapshot.
func (h *Handlers) HandleGetState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.URL.Query().Get("history") == "true" {
		writeJSON(w, r, http.StatusOK, h.sync.History(id))
		return
	}
	snap, ok := h.sync.GetComponentState(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no state for component "+id)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleResync handles POST /v1/sync/sync/{id}: force a state re-pull.
func (h *Handlers) HandleResync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := h.sync.Resync(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleRollback handles POST /v1/sync/rollback/{id}.
func (h *Handlers) HandleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req model.RollbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	snap, err := h.sync.RollbackComponentState(r.Context(), id, req.TargetVersion)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandlePublishEvent handles POST /v1/sync/events.
func (h *Handlers) HandlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req model.PublishEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Type == "" || req.Source == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "event_type and source are required")
		return
	}

	id, err := h.sync.PublishEvent(r.Context(), req.Type, req.Source, req.Payload,
		req.Target, model.ParseEventPriority(req.Priority))
	if err != nil {
		var full *statesync.QueueFullError
		if errors.As(err, &full) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeQueueFull, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"event_id": id})
}

// HandleStream handles GET /v1/sync/stream: the SSE event feed.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleSyncStatus handles GET /v1/sync/status.
func (h *Handlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.sync.Status())
}

// HandleSyncMetrics handles GET /v1/sync/metrics.
func (h *Handlers) HandleSyncMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"queue_depth": h.sync.QueueDepth(),
		"components":  len(h.sync.Components()),
		"conflicts":   len(h.sync.Conflicts()),
	})
}

// HandleSyncConflicts handles GET /v1/sync/conflicts.
func (h *Handlers) HandleSyncConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.sync.Conflicts())
}

// HandleSyncHealth handles GET /v1/sync/health. Degraded when the queue is
// near capacity.
func (h *Handlers) HandleSyncHealth(w http.ResponseWriter, r *http.Request) {
	status := h.sync.Status()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": status["queue_depth"],
	})
}
