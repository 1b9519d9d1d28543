package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const OperatorTokenHeader = "X-Operator-Token"

// OperatorAuth guards the admin endpoints with a shared operator secret.
// With no secret configured every admin request is refused.
type OperatorAuth struct {
	secret []byte
	logger *zap.Logger
}

func NewOperatorAuth(secret string, logger *zap.Logger) *OperatorAuth {
	return &OperatorAuth{
		secret: []byte(secret),
		logger: logger,
	}
}

func (a *OperatorAuth) RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(a.secret) == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin endpoints are disabled"})
			c.Abort()
			return
		}

		token := a.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Operator token required"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), a.secret) != 1 {
			a.logger.Warn("Invalid operator token",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid operator token"})
			c.Abort()
			return
		}

		c.Set("role", "operator")
		c.Next()
	}
}

// extractToken accepts "Authorization: Bearer <token>" or the
// X-Operator-Token header.
func (a *OperatorAuth) extractToken(c *gin.Context) string {
	if token := c.GetHeader(OperatorTokenHeader); token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}

	return parts[1]
}
