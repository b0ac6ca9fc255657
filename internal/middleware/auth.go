package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/wirechat/internal/auth"
	"github.com/lalith-99/wirechat/internal/models"
)

// Context key for the resolved identity in gin.Context.
//
// One constant instead of inline strings: a typo in c.Get("identiy")
// compiles fine and silently returns nil, a typo in the constant doesn't.
const ContextKeyIdentity = "identity"

// CookieName is where the login handler puts the access token and where
// the WebSocket handshake reads it back (browsers can't set headers on
// a WebSocket upgrade, cookies ride along for free).
const CookieName = "access_token"

// TokenFromRequest extracts the access token, trying in order:
// Authorization: Bearer header, the access_token cookie, the token
// query parameter (for non-browser WebSocket clients).
func TokenFromRequest(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	if cookie, err := c.Cookie(CookieName); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// AuthMiddleware returns a gin middleware that validates the access
// token and stores the resolved identity in the request context. An
// invalid or missing token aborts the chain with 401 — the handler
// never runs.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := TokenFromRequest(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing credentials",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyIdentity, claims.Identity())
		c.Next()
	}
}

// RequireAdmin aborts with 403 unless the resolved identity is an
// admin. Runs after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetIdentity(c).Role != models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin access required",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity extracts the identity stored by AuthMiddleware. The zero
// Identity (ID 0, empty role) comes back if the middleware didn't run —
// it matches nothing downstream, so misuse fails closed.
func GetIdentity(c *gin.Context) models.Identity {
	val, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return models.Identity{}
	}
	id, ok := val.(models.Identity)
	if !ok {
		return models.Identity{}
	}
	return id
}
