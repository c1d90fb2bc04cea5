package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/workflow"
)

// HandleCreateWorkflow handles POST /v1/workflows.
func (h *Handlers) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Type == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "type is required")
		return
	}

	id, err := h.workflow.CreateWorkflow(r.Context(), req.Type, req.Parameters, req.Priority)
	if err != nil {
		var unknownTmpl *workflow.UnknownTemplateError
		var unknownExec *workflow.UnknownExecutorError
		switch {
		case errors.As(err, &unknownTmpl):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		case errors.As(err, &unknownExec):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		default:
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		}
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"workflow_id": id})
}

// HandleGetWorkflow handles GET /v1/workflows/{id}.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid workflow id")
		return
	}
	wf, ok := h.workflow.GetWorkflow(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no workflow "+id.String())
		return
	}
	writeJSON(w, r, http.StatusOK, wf)
}

// HandleListWorkflows handles GET /v1/workflows, filterable by status.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	status := model.WorkflowStatus(r.URL.Query().Get("status"))
	writeJSON(w, r, http.StatusOK, h.workflow.Workflows(status))
}

// HandleCancelWorkflow handles POST /v1/workflows/{id}/cancel.
func (h *Handlers) HandleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	h.workflowLifecycle(w, r, "cancel")
}

// HandlePauseWorkflow handles POST /v1/workflows/{id}/pause.
func (h *Handlers) HandlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	h.workflowLifecycle(w, r, "pause")
}

// HandleResumeWorkflow handles POST /v1/workflows/{id}/resume.
func (h *Handlers) HandleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	h.workflowLifecycle(w, r, "resume")
}

func (h *Handlers) workflowLifecycle(w http.ResponseWriter, r *http.Request, op string) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid workflow id")
		return
	}

	switch op {
	case "cancel":
		err = h.workflow.Cancel(r.Context(), id)
	case "pause":
		err = h.workflow.Pause(id)
	case "resume":
		err = h.workflow.Resume(id)
	}
	if err != nil {
		var stateErr *workflow.StateError
		if errors.As(err, &stateErr) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"workflow_id": id, "op": op})
}

// HandleTemplates handles GET /v1/workflows/templates.
func (h *Handlers) HandleTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.workflow.Templates())
}

// HandleWorkflowMetrics handles GET /v1/workflows/metrics.
func (h *Handlers) HandleWorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.workflow.Metrics())
}

// HandleWorkflowSuggestions handles GET /v1/workflows/suggestions.
func (h *Handlers) HandleWorkflowSuggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.workflow.Optimize())
}

// HandleWorkflowHealth handles GET /v1/workflows/health.
func (h *Handlers) HandleWorkflowHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}
