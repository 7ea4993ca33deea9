package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptforge/internal/logging"
	"github.com/mbd888/promptforge/internal/metrics"
)

// Middleware returns a gin middleware enforcing a per-IP fixed-window
// limit. This is the coarse global throttle; the optimize path performs
// its own per-user check on top of it.
func Middleware(store Store, window time.Duration, max int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		res, err := store.Check(c.Request.Context(), key, window, max)
		if err != nil {
			// A broken limiter backend must not take the API down.
			logging.L(c.Request.Context()).Warn("rate limit check failed, allowing request", "error", err)
			c.Next()
			return
		}

		SetHeaders(c, res)

		if !res.Allowed {
			metrics.RateLimitDenialsTotal.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate_limit_exceeded",
				"message":   "Too many requests. Please slow down.",
				"limit":     res.Limit,
				"remaining": res.Remaining,
				"reset":     res.ResetAt.UnixMilli(),
			})
			return
		}

		c.Next()
	}
}

// SetHeaders writes the standard X-RateLimit-* response headers.
func SetHeaders(c *gin.Context, res Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.UnixMilli(), 10))
}
