package middleware

import (
	"strings"

	"ticket-payment-service/common/auth"
	apperrors "ticket-payment-service/common/errors"

	"github.com/gin-gonic/gin"
)

const UserKey = "userID"

// AuthMiddleware accepts a Bearer access token when a JWT secret is
// configured, otherwise the X-User-ID header set by the API gateway.
func AuthMiddleware(tokens *auth.TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); tokens.Enabled() && strings.HasPrefix(header, "Bearer ") {
			claims, err := tokens.ParseAndValidateToken(strings.TrimPrefix(header, "Bearer "), "access")
			if err != nil {
				apperrors.Respond(c, apperrors.Wrap(apperrors.ErrUnauthorized, "", err))
				return
			}
			c.Set(UserKey, auth.Subject(claims))
			c.Next()
			return
		}

		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			apperrors.Respond(c, apperrors.ErrUnauthorized)
			return
		}
		c.Set(UserKey, userID)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	return c.GetString(UserKey)
}
