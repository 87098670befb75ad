package ratelimit

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/real-rm/voicebox/internal/constants"
	"github.com/real-rm/voicebox/internal/httperrors"
)

// Middleware rejects clients that exceed the limiter's rate, keyed by client IP.
func Middleware(ml *MessageLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if ml.Allow(key) {
			c.Next()
			return
		}

		wait := ml.RetryAfter(key)
		c.Header(constants.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		ml.logger.Warn("Rate limit exceeded", "client_ip", key, "path", c.FullPath())
		httperrors.RespondTooManyRequests(c, wait)
	}
}
