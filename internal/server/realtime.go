package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventMessageInsert = "message-insert"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "shower-backend"
	defaultHeartbeatInterval   = 25 * time.Second
)

// MessageStream hands out per-connection channels of stored rows.
type MessageStream interface {
	Stream(ctx context.Context) (<-chan messages.Message, func())
	Subscribers() int
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

func (h *httpHandler) handleMessageStream(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorStreamUnavailable})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.stream.Stream(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventMessageInsert, message)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Unix(),
			})
			return true
		}
	})
}
