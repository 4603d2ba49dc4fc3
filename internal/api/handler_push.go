package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ticket-counter-backend/internal/model"
)

type putPushRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PutPushSubscription handles PUT /api/counters/:slug/tickets/:number/push.
func (h *Handler) PutPushSubscription(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	var req putPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	sub := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}
	if err := h.queue.RegisterPush(c.Request.Context(), c.Param("slug"), ticket, sub); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}
