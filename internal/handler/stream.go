package handler

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/middleware"
	stream "github.com/makeastudio/api/internal/websocket"
)

const defaultHeartbeat = 15 * time.Second

// StreamHandler serves job events over SSE and WebSocket.
type StreamHandler struct {
	jobs        JobService
	maxDuration time.Duration
	heartbeat   time.Duration
	logger      zerolog.Logger
}

// NewStreamHandler caps every stream at maxDuration. Clients reconnect
// with Last-Event-ID to continue.
func NewStreamHandler(jobs JobService, maxDuration time.Duration, logger zerolog.Logger) *StreamHandler {
	if maxDuration <= 0 {
		maxDuration = 30 * time.Minute
	}
	return &StreamHandler{
		jobs:        jobs,
		maxDuration: maxDuration,
		heartbeat:   defaultHeartbeat,
		logger:      logger.With().Str("component", "stream").Logger(),
	}
}

// Events handles GET /api/jobs/:jobId/events
// @Summary      Stream job events
// @Description  Server-sent events: scan_line, status and a final done. Resume with Last-Event-ID or ?from=.
// @Tags         Jobs
// @Produce      text/event-stream
// @Param        jobId path string true "Job ID"
// @Param        from query int false "Replay events after this sequence number"
// @Success      200 {string} string "event stream"
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/events [get]
func (h *StreamHandler) Events(c *fiber.Ctx) error {
	from := replayFrom(c.Get("Last-Event-ID"), c.Query("from"))
	sub, err := h.jobs.Stream(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c), from)
	if err != nil {
		return writeError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	maxDuration, heartbeat, log := h.maxDuration, h.heartbeat, h.logger
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()

		deadline := time.NewTimer(maxDuration)
		defer deadline.Stop()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Data)
				if err := w.Flush(); err != nil {
					log.Debug().Err(err).Str("job_id", sub.JobID).Msg("sse client went away")
					return
				}

			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				if err := w.Flush(); err != nil {
					return
				}

			case <-deadline.C:
				fmt.Fprint(w, ": stream time limit reached, reconnect with Last-Event-ID\n\n")
				w.Flush()
				return
			}
		}
	})
	return nil
}

// Upgrade lets only WebSocket handshakes through to the ws routes.
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocket handles GET /ws/jobs/:jobId with the same events as Events.
func (h *StreamHandler) WebSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		ownerID, _ := conn.Locals("userId").(string)
		jobID := conn.Params("jobId")
		from := replayFrom("", conn.Query("from"))

		sub, err := h.jobs.Stream(context.Background(), jobID, ownerID, from)
		if err != nil {
			conn.WriteJSON(fiber.Map{"type": "error", "jobId": jobID, "error": err.Error()})
			return
		}
		stream.Serve(conn, sub, h.logger)
	})
}

// replayFrom prefers the Last-Event-ID header over the from query.
func replayFrom(lastEventID, query string) int64 {
	for _, v := range []string{lastEventID, query} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
