package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fieldtrack/internal/auth"
)

const identityKey = "identity"

// RequireKey validates the X-API-Key header and stores the resolved identity
// on the request context.
func RequireKey(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-API-Key header"})
			return
		}

		id, ok := a.Resolve(c.Request.Context(), apiKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireAdmin gates mutating admin endpoints. Must run after RequireKey.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !callerIdentity(c).Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin key required"})
			return
		}
		c.Next()
	}
}

func callerIdentity(c *gin.Context) auth.Identity {
	if raw, ok := c.Get(identityKey); ok {
		if id, ok := raw.(auth.Identity); ok {
			return id
		}
	}
	return auth.Identity{}
}
