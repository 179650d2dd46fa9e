// Package v1 provides the public HTTP API for the orchestrator.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/scheduler"
	"github.com/edaswarm/orchestrator/internal/store"
)

// Defaults fills in run configuration fields the client omits.
type Defaults struct {
	Model      string
	EntryAgent string
	Agents     []string
	MaxTurns   int
}

// Handler handles HTTP requests.
type Handler struct {
	engine   *scheduler.Engine
	store    store.Store
	defaults Defaults
}

// NewHandler creates a new handler.
func NewHandler(engine *scheduler.Engine, st store.Store, defaults Defaults) *Handler {
	return &Handler{
		engine:   engine,
		store:    st,
		defaults: defaults,
	}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.POST("/v1/runs/:run_id/answer", h.AnswerQuestion)

	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/summary", h.GetRunSummary)
	e.GET("/v1/runs/:run_id/stream", h.StreamRunEvents)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON maps domain errors onto status codes.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case err == store.ErrRunNotFound:
		status = http.StatusNotFound
	case err == store.ErrRunTerminal,
		err == scheduler.ErrStaleAnswer,
		err == scheduler.ErrNoPendingQuestion:
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// runResponse is the API view of a run, including the pending question when
// the run is awaiting input.
type runResponse struct {
	*domain.Run
	PendingQuestion *domain.PendingQuestion `json:"pending_question,omitempty"`
}
