package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/chousei/internal/model"
)

// HandleReportError handles POST /v1/errors.
func (h *Handlers) HandleReportError(w http.ResponseWriter, r *http.Request) {
	var req model.ReportErrorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ErrorType == "" || req.Component == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "error_type and component are required")
		return
	}

	id := h.recovery.HandleError(r.Context(), req.ErrorType, errors.New(req.Message),
		req.Context, req.Component, model.ParseSeverity(req.Severity), req.Tags...)
	writeJSON(w, r, http.StatusAccepted, map[string]any{"error_id": id})
}

// HandleGetError handles GET /v1/errors/{id}.
func (h *Handlers) HandleGetError(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid error id")
		return
	}
	rec, ok := h.recovery.GetRecord(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no error record "+id.String())
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleListErrors handles GET /v1/errors, filterable by component, type and
// minimum severity.
func (h *Handlers) HandleListErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minSeverity := model.SeverityInfo
	if s := q.Get("min_severity"); s != "" {
		minSeverity = model.ParseSeverity(s)
	}
	records := h.recovery.Records(q.Get("component"), q.Get("type"), minSeverity)
	writeJSON(w, r, http.StatusOK, records)
}

// HandleErrorSummary handles GET /v1/errors/summary.
func (h *Handlers) HandleErrorSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.recovery.Summary())
}

// HandleRetryRecovery handles POST /v1/recovery/{id}: re-run the recovery
// pipeline for an existing error record.
func (h *Handlers) HandleRetryRecovery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid error id")
		return
	}
	if err := h.recovery.RetryRecovery(r.Context(), id); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"error_id": id})
}

// HandleStrategies handles GET /v1/recovery/strategies.
func (h *Handlers) HandleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.recovery.Strategies())
}

// HandleAlerts handles GET /v1/alerts: dispatched notifications.
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.recovery.Notifications())
}

// HandleErrorStats handles GET /v1/errors/stats: per-component profiles.
func (h *Handlers) HandleErrorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.recovery.Stats())
}

// HandleErrorHealth handles GET /v1/errors/health.
func (h *Handlers) HandleErrorHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}
