package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/spectralhq/spectralnotify/broker"
)

// Handler serves the REST surface on top of the instance directory.
type Handler struct {
	dir          *broker.Directory
	historyLimit int
	logger       *logrus.Entry
}

// NewHandler creates a Handler. historyLimit caps getHistory responses.
func NewHandler(dir *broker.Directory, historyLimit int, logger *logrus.Entry) *Handler {
	if historyLimit <= 0 {
		historyLimit = 200
	}
	return &Handler{
		dir:          dir,
		historyLimit: historyLimit,
		logger:       logger.WithField("component", "api"),
	}
}

// clampLimit applies the default and the configured cap to a client limit.
func (h *Handler) clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > h.historyLimit {
		return h.historyLimit
	}
	return limit
}

func bindJSON(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return broker.ErrInvalidInput("malformed request body")
	}
	return nil
}

type createTaskRequest struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	t, err := h.dir.CreateTask(c.Request().Context(), req.ID, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"task": t})
}

type taskIDRequest struct {
	TaskID string `json:"taskId"`
	// create/getById address tasks by "id"; the mutation endpoints by
	// "taskId". Accept both.
	ID string `json:"id"`
}

func (r taskIDRequest) id() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	return r.ID
}

func (h *Handler) getTask(c echo.Context) error {
	var req taskIDRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ti, err := h.dir.Task(c.Request().Context(), req.id())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ti.Snapshot())
}

func (h *Handler) getAllTasks(c echo.Context) error {
	tasks, err := h.dir.ListTasks(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tasks)
}

type historyRequest struct {
	TaskID     string `json:"taskId"`
	WorkflowID string `json:"workflowId"`
	ID         string `json:"id"`
	Limit      int    `json:"limit"`
}

func (r historyRequest) id() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	if r.WorkflowID != "" {
		return r.WorkflowID
	}
	return r.ID
}

func (h *Handler) getTaskHistory(c echo.Context) error {
	var req historyRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ti, err := h.dir.Task(c.Request().Context(), req.id())
	if err != nil {
		return err
	}
	entries, err := ti.History(h.clampLimit(req.Limit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

type updateProgressRequest struct {
	TaskID   string          `json:"taskId"`
	Progress *int            `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) updateTaskProgress(c echo.Context) error {
	var req updateProgressRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Progress == nil {
		return broker.ErrInvalidInput("progress is required")
	}
	ti, err := h.dir.Task(c.Request().Context(), req.TaskID)
	if err != nil {
		return err
	}
	t, err := ti.UpdateProgress(*req.Progress, req.Message, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

type appendEventRequest struct {
	TaskID   string          `json:"taskId"`
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Progress *int            `json:"progress,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) appendTaskEvent(c echo.Context) error {
	var req appendEventRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ti, err := h.dir.Task(c.Request().Context(), req.TaskID)
	if err != nil {
		return err
	}
	if _, err := ti.AppendEvent(req.Type, req.Message, req.Progress, req.Metadata); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ti.Snapshot())
}

func (h *Handler) completeTask(c echo.Context) error {
	return h.sealTask(c, func(ti *broker.TaskInstance, msg string, md json.RawMessage) (*broker.Task, error) {
		return ti.Complete(msg, md)
	})
}

func (h *Handler) cancelTask(c echo.Context) error {
	return h.sealTask(c, func(ti *broker.TaskInstance, msg string, md json.RawMessage) (*broker.Task, error) {
		return ti.Cancel(msg, md)
	})
}

type sealTaskRequest struct {
	TaskID   string          `json:"taskId"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (h *Handler) sealTask(c echo.Context, op func(*broker.TaskInstance, string, json.RawMessage) (*broker.Task, error)) error {
	var req sealTaskRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ti, err := h.dir.Task(c.Request().Context(), req.TaskID)
	if err != nil {
		return err
	}
	t, err := op(ti, req.Message, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) failTask(c echo.Context) error {
	var req sealTaskRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if req.Error == "" {
		return broker.ErrInvalidInput("error is required")
	}
	ti, err := h.dir.Task(c.Request().Context(), req.TaskID)
	if err != nil {
		return err
	}
	t, err := ti.Fail(req.Error, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) deleteTask(c echo.Context) error {
	var req taskIDRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := h.dir.Delete(c.Request().Context(), broker.KindTask, req.id()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

func (h *Handler) deleteAllTasks(c echo.Context) error {
	deleted, failures, err := h.dir.DeleteAll(c.Request().Context(), broker.KindTask)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"deleted": deleted, "failures": failures})
}
