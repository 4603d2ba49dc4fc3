package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ticket-counter-backend/internal/model"
	"ticket-counter-backend/internal/queue"
)

type customerRequest struct {
	FullName *string `json:"full_name" binding:"omitempty,max=256"`
	Phone    *string `json:"phone" binding:"omitempty,max=64"`
	Seats    *int    `json:"seats" binding:"omitempty,min=1,max=100"`
	Notes    *string `json:"notes" binding:"omitempty,max=1024"`
}

type issueTicketRequest struct {
	Customer      *customerRequest `json:"customer"`
	ConfirmSecond bool             `json:"confirm_second"`
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// IssueTicket handles POST /api/counters/:slug/tickets.
func (h *Handler) IssueTicket(c *gin.Context) {
	var req issueTicketRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	issue := queue.IssueRequest{
		Slug:           c.Param("slug"),
		DeviceID:       h.deviceID(c),
		Override:       req.ConfirmSecond,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	}
	if req.Customer != nil {
		issue.Contact = &model.Contact{
			FullName: trimmed(req.Customer.FullName),
			Phone:    trimmed(req.Customer.Phone),
			Seats:    req.Customer.Seats,
			Notes:    trimmed(req.Customer.Notes),
		}
	}

	res, err := h.queue.Issue(c.Request.Context(), issue)
	if err != nil {
		fail(c, err)
		return
	}
	if res.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusCreated, gin.H{
		"ticket_number": res.TicketNumber,
		"waiting_ahead": res.WaitingAhead,
	})
}

// GetContact handles GET /api/counters/:slug/tickets/:number/contact.
func (h *Handler) GetContact(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	contact, err := h.queue.TicketContact(c.Request.Context(), c.Param("slug"), ticket)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact": contact})
}

type sendNudgeRequest struct {
	Message string `json:"message" binding:"max=512"`
}

// SendNudge handles POST /api/counters/:slug/tickets/:number/nudges.
func (h *Handler) SendNudge(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	var req sendNudgeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if err := h.queue.SendNudge(c.Request.Context(), c.Param("slug"), ticket, req.Message); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetNudge handles GET /api/counters/:slug/tickets/:number/nudge. Reading consumes the nudge.
func (h *Handler) GetNudge(c *gin.Context) {
	ticket, ok := ticketParam(c)
	if !ok {
		return
	}
	n, err := h.queue.ConsumeNudge(c.Request.Context(), c.Param("slug"), ticket)
	if err != nil {
		fail(c, err)
		return
	}
	if n == nil {
		c.JSON(http.StatusOK, gin.H{"nudge": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nudge": gin.H{"message": n.Message, "created_at": n.CreatedAt}})
}
