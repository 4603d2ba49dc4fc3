package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ticket-counter-backend/internal/broadcast"
	"ticket-counter-backend/internal/guard"
	"ticket-counter-backend/internal/queue"
	"ticket-counter-backend/internal/store"
)

const deviceCookieMaxAge = 365 * 24 * 60 * 60

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	queue        *queue.Service
	broadcaster  *broadcast.Broadcaster
	pinger       Pinger
	webpush      *webpush.Options
	deviceCookie string
	secure       bool
}

// Options configures a Handler.
type Options struct {
	DeviceCookieName string
	SecureCookies    bool
}

// NewHandler creates a new API handler. webpushOptions may be nil.
func NewHandler(q *queue.Service, b *broadcast.Broadcaster, p Pinger, webpushOptions *webpush.Options, opts Options) *Handler {
	if opts.DeviceCookieName == "" {
		opts.DeviceCookieName = "ticket_device"
	}
	return &Handler{
		queue:        q,
		broadcaster:  b,
		pinger:       p,
		webpush:      webpushOptions,
		deviceCookie: opts.DeviceCookieName,
		secure:       opts.SecureCookies,
	}
}

// deviceID returns the caller's device id, minting one and setting the cookie on first visit.
func (h *Handler) deviceID(c *gin.Context) string {
	if id, err := c.Cookie(h.deviceCookie); err == nil && id != "" {
		return id
	}
	id := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.deviceCookie, id, deviceCookieMaxAge, "/", "", h.secure, true)
	return id
}

func ticketParam(c *gin.Context) (int64, bool) {
	n, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket number"})
		return 0, false
	}
	return n, true
}

// fail maps service errors to responses.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)

	var denial *guard.DenialError
	switch {
	case errors.As(err, &denial):
		c.JSON(http.StatusConflict, denialBody(denial.Decision))
	case errors.Is(err, store.ErrCounterNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "counter_not_found"})
	case errors.Is(err, queue.ErrTicketOutOfRange):
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket_not_found"})
	case errors.Is(err, queue.ErrInvariantViolation):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invariant_violation"})
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}

func denialBody(d guard.Decision) gin.H {
	details := gin.H{}
	switch d.Reason {
	case guard.ReasonActiveTicket:
		details["ticket_number"] = d.TicketNumber
	case guard.ReasonCooldown:
		details["remaining_seconds"] = int64((d.Remaining + time.Second - 1) / time.Second)
	}
	return gin.H{"error": string(d.Reason), "details": details}
}
