package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/comigor/scoreline/internal/identity"
	"github.com/comigor/scoreline/internal/logger"
)

const userIDContextKey = "userID"

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireUser rejects requests without a bearer token carrying a subject.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth token"})
			return
		}
		sess, err := identity.ParseToken(token)
		if err != nil {
			logger.L.Warn("invalid bearer token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userIDContextKey, sess.UserID)
		c.Next()
	}
}

// optionalUser records the user when a valid token is present and lets
// anonymous requests through.
func optionalUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := bearerToken(c); token != "" {
			if sess, err := identity.ParseToken(token); err == nil {
				c.Set(userIDContextKey, sess.UserID)
			}
		}
		c.Next()
	}
}

// UserIDFromContext returns the authenticated user, or "" for anonymous
// requests.
func UserIDFromContext(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
