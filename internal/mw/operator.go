package mw

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ticket-counter-backend/internal/auth"
)

const operatorKey = "operator"

// RequireOperator admits requests carrying a session for the :slug in the path,
// either as a Bearer token or in cookieName.
func RequireOperator(a *auth.Authority, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			token, _ = c.Cookie(cookieName)
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claims, err := a.Authorize(token, c.Param("slug"))
		switch {
		case errors.Is(err, auth.ErrWrongCounter):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(operatorKey, claims)
		c.Next()
	}
}

// Operator returns the claims RequireOperator stored on the context, if any.
func Operator(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(operatorKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
