package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Timeout puts a deadline on the request context. The chain runs on the
// request goroutine, so a handler that ignores its context is not
// interrupted; store and route lookups all take the context.
//
// When the deadline has passed and nothing was written, the request is
// answered with 503.
func Timeout(d time.Duration, logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if ctx.Err() == nil || c.Writer.Written() {
			return
		}
		logger.WithFields(logrus.Fields{
			"request_id": RequestIDFrom(c),
			"path":       c.FullPath(),
			"timeout":    d.String(),
		}).Warn("http: request timed out")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": "request timed out",
		})
	}
}
