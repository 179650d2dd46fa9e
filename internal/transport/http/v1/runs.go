package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/edaswarm/orchestrator/internal/domain"
	"github.com/edaswarm/orchestrator/internal/scheduler"
)

// CreateRunRequest is the body of POST /v1/runs.
type CreateRunRequest struct {
	Task        string   `json:"task"`
	Model       string   `json:"model,omitempty"`
	EntryAgent  string   `json:"entry_agent,omitempty"`
	Agents      []string `json:"agents,omitempty"`
	MaxTurns    int      `json:"max_turns,omitempty"`
	Interactive bool     `json:"interactive,omitempty"`
}

// CreateRun starts a new run.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Task == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "task is required"})
	}

	cfg := domain.RunConfig{
		Model:       req.Model,
		Task:        req.Task,
		EntryAgent:  req.EntryAgent,
		Agents:      req.Agents,
		MaxTurns:    req.MaxTurns,
		Interactive: req.Interactive,
	}
	if cfg.Model == "" {
		cfg.Model = h.defaults.Model
	}
	if cfg.EntryAgent == "" {
		cfg.EntryAgent = h.defaults.EntryAgent
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = h.defaults.Agents
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = h.defaults.MaxTurns
	}

	run, err := h.engine.StartRun(c.Request().Context(), cfg)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun retrieves a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")

	run, err := h.store.GetRun(c.Request().Context(), runID)
	if err != nil {
		return errorJSON(c, err)
	}
	// The persisted row is authoritative for the outstanding question, so
	// the view survives an orchestrator restart.
	q, err := h.store.GetPendingQuestion(c.Request().Context(), runID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, runResponse{
		Run:             run,
		PendingQuestion: q,
	})
}

// CancelRun requests cooperative cancellation.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")

	if err := h.engine.Cancel(c.Request().Context(), runID); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancelling",
	})
}

// AnswerRequest is the body of POST /v1/runs/:run_id/answer.
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Content    string `json:"content"`
}

// AnswerQuestion delivers a human answer to a run awaiting input.
// POST /v1/runs/:run_id/answer
func (h *Handler) AnswerQuestion(c echo.Context) error {
	runID := c.Param("run_id")
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.QuestionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "question_id is required"})
	}

	err := h.engine.Resume(c.Request().Context(), runID, req.QuestionID, req.Content)
	if err != nil {
		if errors.Is(err, scheduler.ErrStaleAnswer) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error": err.Error(),
				"kind":  string(domain.ErrorKindStaleAnswer),
			})
		}
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"run_id":      runID,
		"question_id": req.QuestionID,
		"status":      "accepted",
	})
}
