package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/spectralhq/spectralnotify/broker"
)

// workflowResponse is the shape every workflow mutation returns.
type workflowResponse struct {
	Workflow *broker.Workflow `json:"workflow"`
	Phases   []broker.Phase   `json:"phases"`
}

type createWorkflowRequest struct {
	ID       string             `json:"id"`
	Phases   []broker.PhaseSpec `json:"phases,omitempty"`
	Metadata json.RawMessage    `json:"metadata,omitempty"`
}

func (h *Handler) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	w, phases, err := h.dir.CreateWorkflow(c.Request().Context(), req.ID, req.Phases, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"workflow": w, "phases": phases})
}

type workflowIDRequest struct {
	WorkflowID string `json:"workflowId"`
	ID         string `json:"id"`
}

func (r workflowIDRequest) id() string {
	if r.WorkflowID != "" {
		return r.WorkflowID
	}
	return r.ID
}

func (h *Handler) getWorkflow(c echo.Context) error {
	var req workflowIDRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.id())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wi.Snapshot())
}

func (h *Handler) getAllWorkflows(c echo.Context) error {
	workflows, err := h.dir.ListWorkflows(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflows)
}

func (h *Handler) getWorkflowHistory(c echo.Context) error {
	var req historyRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.id())
	if err != nil {
		return err
	}
	entries, err := wi.History(h.clampLimit(req.Limit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) getWorkflowPhases(c echo.Context) error {
	var req workflowIDRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.id())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wi.Phases())
}

type phaseProgressRequest struct {
	WorkflowID string          `json:"workflowId"`
	Phase      string          `json:"phase"`
	Progress   *int            `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) updatePhaseProgress(c echo.Context) error {
	var req phaseProgressRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Phase == "" {
		return broker.ErrInvalidInput("phase is required")
	}
	if req.Progress == nil {
		return broker.ErrInvalidInput("progress is required")
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.WorkflowID)
	if err != nil {
		return err
	}
	w, phases, err := wi.UpdatePhaseProgress(req.Phase, *req.Progress, req.Message, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowResponse{Workflow: w, Phases: phases})
}

type phaseRequest struct {
	WorkflowID string          `json:"workflowId"`
	Phase      string          `json:"phase"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) completePhase(c echo.Context) error {
	var req phaseRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Phase == "" {
		return broker.ErrInvalidInput("phase is required")
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.WorkflowID)
	if err != nil {
		return err
	}
	w, phases, err := wi.CompletePhase(req.Phase, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowResponse{Workflow: w, Phases: phases})
}

type sealWorkflowRequest struct {
	WorkflowID string          `json:"workflowId"`
	Error      string          `json:"error,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) completeWorkflow(c echo.Context) error {
	var req sealWorkflowRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.WorkflowID)
	if err != nil {
		return err
	}
	w, phases, err := wi.Complete(req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowResponse{Workflow: w, Phases: phases})
}

func (h *Handler) failWorkflow(c echo.Context) error {
	var req sealWorkflowRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Error == "" {
		return broker.ErrInvalidInput("error is required")
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.WorkflowID)
	if err != nil {
		return err
	}
	w, _, err := wi.Fail(req.Error, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) cancelWorkflow(c echo.Context) error {
	var req sealWorkflowRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	wi, err := h.dir.Workflow(c.Request().Context(), req.WorkflowID)
	if err != nil {
		return err
	}
	w, _, err := wi.Cancel(req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) deleteWorkflow(c echo.Context) error {
	var req workflowIDRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := h.dir.Delete(c.Request().Context(), broker.KindWorkflow, req.id()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (h *Handler) deleteAllWorkflows(c echo.Context) error {
	deleted, failures, err := h.dir.DeleteAll(c.Request().Context(), broker.KindWorkflow)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"deleted": deleted, "failures": failures})
}
