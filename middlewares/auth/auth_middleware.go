package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/utils"
	"github.com/joy095/billing/utils/jwt_parse"
)

// AuthMiddleware requires a valid access token whose subject is a user id.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !jwt_parse.Authenticate(c) {
			return
		}

		sub := c.GetString("sub")
		if _, err := uuid.Parse(sub); err != nil {
			logger.ErrorLogger.Errorf("Token subject %q is not a user id", sub)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "INVALID_TOKEN", "error": "Unauthorized: invalid user identification in token."})
			return
		}
		c.Next()
	}
}

// AdminMiddleware must run after AuthMiddleware and only lets admins through.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAdmin(c) {
			logger.WarnLogger.Warnf("User %s tried to reach admin route %s", c.GetString("sub"), c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "ACCESS_DENIED", "error": "Forbidden: admin access required."})
			return
		}
		c.Next()
	}
}
