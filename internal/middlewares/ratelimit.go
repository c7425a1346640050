package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/utils/ratelimit"
)

// RateLimitMiddleware 按用户限制写入频率，计数保存在 redis 中由所有实例共享。
// scope 区分不同接口的预算，例如 "respond"。
func RateLimitMiddleware(limiter *ratelimit.WindowLimiter, scope string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := scope + ":" + c.GetString("user_id")
		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"kind":    apperr.KindCollaboratorUnavailable,
				"message": "rate limiter unavailable",
			})
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"kind":    "RATE_LIMITED",
				"message": "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
