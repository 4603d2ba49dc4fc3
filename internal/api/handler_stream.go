package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ticket-counter-backend/internal/broadcast"
)

// Stream handles GET /api/counters/:slug/stream as server-sent events.
func (h *Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.broadcaster.Subscribe(ctx, c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case broadcast.KindSnapshot:
				c.SSEvent("state", gin.H{
					"last_issued_number": ev.State.LastIssued,
					"last_called_number": ev.State.LastCalled,
				})
			case broadcast.KindHeartbeat:
				c.SSEvent("ping", "ok")
			case broadcast.KindClosed:
				c.SSEvent("error", gin.H{"error": "store_unavailable"})
				c.Writer.Flush()
				return
			}
			c.Writer.Flush()
		}
	}
}
