package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/logger"
	"github.com/sirupsen/logrus"
)

// GinLogger logs one line per request through the shared info/error loggers.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := logrus.Fields{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		}
		if userID, ok := c.Get("sub"); ok {
			fields["user_id"] = userID
		}

		if c.Writer.Status() >= 500 {
			logger.ErrorLogger.WithFields(fields).Error(c.Errors.String())
			return
		}
		logger.InfoLogger.WithFields(fields).Info("request handled")
	}
}
