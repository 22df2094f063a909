// internal/middleware/logging_middleware.go
package middleware

import (
	"potentiostat-service/internal/utils"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggingMiddleware logs each request with its status and latency
func LoggingMiddleware(logger *utils.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		duration := time.Since(startTime)

		// websocket upgrades stay open for the life of the client
		if c.Writer.Status() == 101 {
			return
		}

		logger.LogAPIRequest(
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			duration,
		)
	}
}
