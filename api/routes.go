package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/spectralhq/spectralnotify/idempotency"
)

// RouteConfig wires the cross-cutting concerns of the REST surface.
type RouteConfig struct {
	APIKey         string
	IdempotencyTTL time.Duration
	Idempotency    idempotency.Store
	AllowedOrigins []string
	ServiceName    string
	Version        string
	Logger         *logrus.Entry
}

// Register mounts every route. Reads are open; writes require the API key
// and pass through the idempotency layer.
func Register(e *echo.Echo, h *Handler, cfg RouteConfig) {
	write := []echo.MiddlewareFunc{
		APIKeyAuth(cfg.APIKey),
		Idempotency(cfg.Idempotency, cfg.IdempotencyTTL, cfg.Logger),
	}

	e.GET("/health", HealthCheckHandler(cfg.ServiceName, cfg.Version))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/tasks/create", h.createTask, write...)
	e.POST("/tasks/getById", h.getTask)
	e.POST("/tasks/getAll", h.getAllTasks)
	e.POST("/tasks/getHistory", h.getTaskHistory)
	e.POST("/tasks/updateProgress", h.updateTaskProgress, write...)
	e.POST("/tasks/appendEvent", h.appendTaskEvent, write...)
	e.POST("/tasks/complete", h.completeTask, write...)
	e.POST("/tasks/fail", h.failTask, write...)
	e.POST("/tasks/cancel", h.cancelTask, write...)
	e.POST("/tasks/delete", h.deleteTask, write...)
	e.POST("/tasks/deleteAll", h.deleteAllTasks, write...)

	e.POST("/workflows/create", h.createWorkflow, write...)
	e.POST("/workflows/getById", h.getWorkflow)
	e.POST("/workflows/getAll", h.getAllWorkflows)
	e.POST("/workflows/getHistory", h.getWorkflowHistory)
	e.POST("/workflows/getPhases", h.getWorkflowPhases)
	e.POST("/workflows/updatePhaseProgress", h.updatePhaseProgress, write...)
	e.POST("/workflows/completePhase", h.completePhase, write...)
	e.POST("/workflows/complete", h.completeWorkflow, write...)
	e.POST("/workflows/fail", h.failWorkflow, write...)
	e.POST("/workflows/cancel", h.cancelWorkflow, write...)
	e.POST("/workflows/delete", h.deleteWorkflow, write...)
	e.POST("/workflows/deleteAll", h.deleteAllWorkflows, write...)

	e.GET("/ws/:kind/:id", h.subscribe(newUpgrader(cfg.AllowedOrigins)))
}
