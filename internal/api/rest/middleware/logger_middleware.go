package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/premium-gate/pkg/logger"
)

// LoggerMiddleware создает middleware для логирования запросов
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		statusCode := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", statusCode,
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case statusCode >= 500:
			log.Errorw("HTTP request failed", fields...)
		case statusCode >= 400:
			log.Warnw("HTTP request rejected", fields...)
		default:
			log.Infow("HTTP request", fields...)
		}
	}
}
