package api

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"ticket-counter-backend/internal/auth"
	"ticket-counter-backend/internal/mw"
)

// RouterConfig holds the knobs the router needs beyond the handler.
type RouterConfig struct {
	RateLimitPerSec   float64
	RateLimitBurst    int
	DeviceCookieName  string
	OperatorCookie    string
	OperatorAuthority *auth.Authority

	// IPRateFactor scales the per-device budget into the shared per-address
	// ceiling. Defaults to 20 devices per address.
	IPRateFactor int
}

// NewRouter creates and configures a new Gin router.
func NewRouter(handler *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.RequestLogger())

	if cfg.IPRateFactor <= 0 {
		cfg.IPRateFactor = 20
	}
	ipLimiter := mw.RateLimiter(
		rate.Limit(cfg.RateLimitPerSec*float64(cfg.IPRateFactor)),
		cfg.RateLimitBurst*cfg.IPRateFactor,
		mw.ClientIP,
	)
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, mw.DeviceOrIP(cfg.DeviceCookieName))
	operator := mw.RequireOperator(cfg.OperatorAuthority, cfg.OperatorCookie)

	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

		// Streams are long-lived, so they are not rate limited.
		api.GET("/counters/:slug/stream", handler.Stream)

		counters := api.Group("/counters/:slug", ipLimiter, rateLimiter)
		counters.GET("/state", handler.GetState)
		counters.POST("/tickets", handler.IssueTicket)
		counters.GET("/tickets/:number/nudge", handler.GetNudge)
		counters.PUT("/tickets/:number/push", handler.PutPushSubscription)

		ops := counters.Group("", operator)
		ops.POST("/call-next", handler.CallNext)
		ops.POST("/reset", handler.Reset)
		ops.GET("/tickets/:number/contact", handler.GetContact)
		ops.POST("/tickets/:number/nudges", handler.SendNudge)
	}

	return r
}
