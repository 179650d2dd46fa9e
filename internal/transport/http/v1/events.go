package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetRunEvents retrieves events for a run in sequence order.
// GET /v1/runs/:run_id/events?from_seq=0&limit=100
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	fromSeq := int64(0)
	if s := c.QueryParam("from_seq"); s != "" {
		if val, err := strconv.ParseInt(s, 10, 64); err == nil {
			fromSeq = val
		}
	}
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	ctx := c.Request().Context()

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		return errorJSON(c, err)
	}
	events, err := h.store.ReadEvents(ctx, runID, fromSeq, limit)
	if err != nil {
		return errorJSON(c, err)
	}

	nextSeq := fromSeq
	if len(events) > 0 {
		nextSeq = events[len(events)-1].Seq + 1
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events":   events,
		"next_seq": nextSeq,
	})
}

// GetRunSummary retrieves the aggregated projection of a run.
// GET /v1/runs/:run_id/summary
func (h *Handler) GetRunSummary(c echo.Context) error {
	runID := c.Param("run_id")

	summary, err := h.store.Summary(c.Request().Context(), runID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}
