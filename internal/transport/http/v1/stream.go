package v1

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const streamPollInterval = 500 * time.Millisecond

// StreamRunEvents pushes a run's events over a websocket, live-tailing the
// log until the run reaches a terminal status.
// GET /v1/runs/:run_id/stream?from_seq=0
func (h *Handler) StreamRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	fromSeq := int64(0)
	if s := c.QueryParam("from_seq"); s != "" {
		if val, err := strconv.ParseInt(s, 10, 64); err == nil {
			fromSeq = val
		}
	}

	ctx := c.Request().Context()
	if _, err := h.store.GetRun(ctx, runID); err != nil {
		return errorJSON(c, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	cursor := fromSeq
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		events, err := h.store.ReadEvents(ctx, runID, cursor, 0)
		if err != nil {
			log.Printf("WARN: event stream for run %s stopped: %v", runID, err)
			return nil
		}
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
			cursor = ev.Seq + 1
		}

		run, err := h.store.GetRun(ctx, runID)
		if err != nil {
			return nil
		}
		if run.Status.IsTerminal() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(run.Status)))
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
