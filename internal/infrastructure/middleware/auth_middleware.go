package middleware

import (
	"errors"
	"net/http"
	"strings"

	"avatarlink/internal/core/services"

	"github.com/gin-gonic/gin"
)

const (
	ctxSubject = "subject"
	ctxRole    = "role"
)

// AuthMiddleware requires a bearer token carrying at least the required role.
// A nil authService disables the check.
func AuthMiddleware(authService services.AuthService, required services.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authService == nil {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if !claims.Role.Allows(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": services.ErrForbidden.Error()})
			return
		}

		c.Set(ctxSubject, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter browsers must use for WebSocket upgrades.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if q := c.Query("access_token"); q != "" {
		return q, true
	}
	return "", false
}

// Subject returns the authenticated caller, or "" when auth is disabled.
func Subject(c *gin.Context) string {
	return c.GetString(ctxSubject)
}

// IsAuthError reports whether err came from token validation.
func IsAuthError(err error) bool {
	return errors.Is(err, services.ErrInvalidToken) || errors.Is(err, services.ErrExpiredToken)
}
