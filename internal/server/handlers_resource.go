package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/resource"
)

// HandleAllocate handles POST /v1/resource/allocate.
func (h *Handlers) HandleAllocate(w http.ResponseWriter, r *http.Request) {
	var req model.AllocateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.RequestID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "request_id is required")
		return
	}

	alloc, err := h.resource.Allocate(r.Context(), req.RequestID, req.Requirements)
	if err != nil {
		var insufficient *resource.InsufficientResourceError
		if errors.As(err, &insufficient) {
			writeError(w, r, http.StatusConflict, model.ErrCodeInsufficient, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, alloc)
}

// HandleRelease handles DELETE /v1/resource/allocate/{request_id}.
func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	if !h.resource.Release(r.Context(), id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no allocation for "+id)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"request_id": id, "released": true})
}

// HandleResourceStatus handles GET /v1/resource/status.
func (h *Handlers) HandleResourceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.resource.Status())
}

// HandleResourceMetrics handles GET /v1/resource/metrics.
func (h *Handlers) HandleResourceMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"allocations": h.resource.Allocations(),
		"costs":       h.resource.Costs(),
	})
}

// HandleResourceHealth handles GET /v1/resource/health.
func (h *Handlers) HandleResourceHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleOptimize handles POST /v1/resource/optimize.
func (h *Handlers) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.resource.Optimize())
}

// HandleGetQuota handles GET /v1/resource/quota/{service}.
func (h *Handlers) HandleGetQuota(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	q, ok := h.resource.GetQuota(service)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no quota for service "+service)
		return
	}
	writeJSON(w, r, http.StatusOK, q)
}

// HandleSetQuota handles POST /v1/resource/quota/{service}.
func (h *Handlers) HandleSetQuota(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	var q model.APIQuota
	if err := decodeJSON(w, r, &q, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	q.ServiceName = service
	h.resource.SetQuota(q)
	writeJSON(w, r, http.StatusCreated, map[string]any{"service": service})
}

// HandleConsumeQuota handles POST /v1/resource/quota/{service}/consume.
func (h *Handlers) HandleConsumeQuota(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	var req model.ConsumeQuotaRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := h.resource.ConsumeAPIQuota(r.Context(), service, int64(req.Requests), req.Tokens, req.RequestID); err != nil {
		var exceeded *resource.QuotaExceededError
		if errors.As(err, &exceeded) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeQuotaExceeded, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"service": service, "consumed": true})
}
