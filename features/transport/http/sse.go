package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weftlab/weft/runtime/workflow/event"
)

// heartbeatInterval paces the SSE comment lines that keep idle connections
// from being reaped by proxies.
const heartbeatInterval = 30 * time.Second

// streamEvents serves GET /sessions/:id/events as a server-sent event
// stream. Each message carries one wire-format event under its event name.
// With history=true the stored log is replayed before live events; the bus
// subscription is attached first so nothing appended during the replay is
// lost, and replayed positions are skipped when they arrive again live. The
// stream ends at the session's terminal event, on client disconnect, or when
// the runtime shuts down.
func (s *Server) streamEvents(c *gin.Context) {
	sessionID := c.Param("id")
	history := false
	if raw := c.Query("history"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "history must be a boolean"})
			return
		}
		history = b
	}

	// Resolve the session before committing to the stream so unknown ids
	// still get a JSON 404.
	status, err := s.rt.Status(c.Request.Context(), sessionID)
	if err != nil {
		s.renderError(c, err)
		return
	}

	sub := s.rt.Subscribe(sessionID)
	defer sub.Unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	lastPos := -1
	if history {
		events, err := s.rt.History(c.Request.Context(), sessionID)
		if err != nil {
			s.logger.Error(c.Request.Context(), "event history replay failed",
				"session_id", sessionID, "err", err)
			writeSSEError(c.Writer, "history replay failed")
			return
		}
		for _, ev := range events {
			if err := writeSSEEvent(c.Writer, ev); err != nil {
				return
			}
			lastPos = ev.Position
		}
		c.Writer.Flush()
		if n := len(events); n > 0 && event.Terminal(events[n-1].Name) {
			return
		}
	} else if status.Terminal() {
		// Nothing more will be published; an empty live stream would hang
		// the client until heartbeat timeout.
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case <-sub.Overflowed():
					writeSSEError(c.Writer, "event feed overflowed, reconnect with history=true")
					c.Writer.Flush()
				default:
				}
				return
			}
			if ev.Position <= lastPos {
				continue
			}
			if err := writeSSEEvent(c.Writer, ev); err != nil {
				return
			}
			c.Writer.Flush()
			if event.Terminal(ev.Name) {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeSSEEvent frames one event as an SSE message named after the event.
func writeSSEEvent(w io.Writer, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

// writeSSEError frames a transport-level failure so clients can distinguish
// it from a clean end of stream.
func writeSSEError(w io.Writer, msg string) {
	payload, _ := json.Marshal(gin.H{"error": msg})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
}
