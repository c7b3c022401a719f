package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agroflow/identity"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// TokenVerifier validates a bearer token. Satisfied by the identity service.
type TokenVerifier interface {
	VerifyToken(token string) (string, identity.Role, error)
}

// RequireAuth validates the Authorization header and stores the caller's
// identity on the request context.
func RequireAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		userID, role, err := verifier.VerifyToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxRole, string(role))
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
