package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ticket-counter-backend/internal/mw"
)

// GetState handles GET /api/counters/:slug/state.
func (h *Handler) GetState(c *gin.Context) {
	st, err := h.queue.State(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"last_issued_number": st.LastIssued,
		"last_called_number": st.LastCalled,
		"waiting_ahead":      st.WaitingAhead,
	})
}

// CallNext handles POST /api/counters/:slug/call-next.
func (h *Handler) CallNext(c *gin.Context) {
	res, err := h.queue.CallNext(c.Request.Context(), c.Param("slug"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"called_number":      res.CalledNumber,
		"last_issued_number": res.LastIssued,
		"waiting_ahead":      res.WaitingAhead,
		"has_next":           res.HasNext,
	})
}

// Reset handles POST /api/counters/:slug/reset.
func (h *Handler) Reset(c *gin.Context) {
	slug := c.Param("slug")
	if err := h.queue.Reset(c.Request.Context(), slug); err != nil {
		fail(c, err)
		return
	}
	if op, ok := mw.Operator(c); ok {
		log.Info().Str("slug", slug).Str("operator", op.Subject).Msg("counter reset by operator")
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
