package mw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// KeyFunc picks the identity a request is rate limited under.
type KeyFunc func(c *gin.Context) string

// ClientIP limits by remote address.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// DeviceOrIP limits by device cookie when present, else by remote address.
// Customers behind one NAT each get their own budget. The cookie is client
// controlled, so routes using it also sit behind a coarser ClientIP limit.
func DeviceOrIP(cookieName string) KeyFunc {
	return func(c *gin.Context) string {
		if id, err := c.Cookie(cookieName); err == nil && id != "" {
			return "device:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// limiterIdleTTL is how long a key's limiter outlives its last request.
const limiterIdleTTL = 10 * time.Minute

// KeyedRateLimiter stores a rate limiter for each key. Keys that stay idle for
// the TTL are evicted, so client-chosen keys cannot grow it without bound.
type KeyedRateLimiter struct {
	keys *cache.Cache
	r    rate.Limit
	b    int
}

// NewKeyedRateLimiter creates a new KeyedRateLimiter.
func NewKeyedRateLimiter(r rate.Limit, b int, idle time.Duration) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		keys: cache.New(idle, 2*idle),
		r:    r,
		b:    b,
	}
}

// GetLimiter returns the rate limiter for key, creating it on first use.
// Every lookup pushes the key's expiry back by the idle TTL.
func (l *KeyedRateLimiter) GetLimiter(key string) *rate.Limiter {
	if v, ok := l.keys.Get(key); ok {
		limiter := v.(*rate.Limiter)
		l.keys.SetDefault(key, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(l.r, l.b)
	if err := l.keys.Add(key, limiter, cache.DefaultExpiration); err != nil {
		// Lost the race to another request for the same key.
		if v, ok := l.keys.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return limiter
}

// Len reports how many keys are currently tracked.
func (l *KeyedRateLimiter) Len() int {
	return l.keys.ItemCount()
}

// RateLimiter rejects requests over r per second (burst b) per key with 429.
func RateLimiter(r rate.Limit, b int, key KeyFunc) gin.HandlerFunc {
	limiter := NewKeyedRateLimiter(r, b, limiterIdleTTL)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(key(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
