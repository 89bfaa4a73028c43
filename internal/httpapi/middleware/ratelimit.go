package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/legalfunnel/internal/common"
	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/ratelimit"
)

type Checker interface {
	Check(ctx context.Context, limiterID, identifier string) (ratelimit.Result, error)
}

// RateLimit applies the named limiter to the caller: the account email when
// authenticated, the client IP otherwise. A nil checker disables limiting.
func RateLimit(rl Checker, limiterID string, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil {
			c.Next()
			return
		}
		ident := c.GetString(EmailKey)
		if ident == "" {
			ident = c.ClientIP()
		}
		res, err := rl.Check(c.Request.Context(), limiterID, ident)
		if err != nil {
			log.Debug("rate limit check failed open", "limiter", limiterID, "path", c.FullPath())
		}
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}
		if !res.Allowed {
			if res.Limit > 0 {
				c.Header("Retry-After", strconv.FormatInt(max(int64(time.Until(res.ResetAt).Seconds()), 1), 10))
			}
			common.Fail(c, http.StatusTooManyRequests, 42900, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
