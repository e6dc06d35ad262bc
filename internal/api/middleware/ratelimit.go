package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

// RateLimitMiddleware 基于Redis的固定窗口限流, 按客户端IP + 路由分组计数。
// Redis不可用时放行, 限流不应成为单点。
func RateLimitMiddleware(rdb *redis.Client, scope string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("ratelimit:%s:%s", scope, c.ClientIP())

		count, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			logger.Logger.Warn("限流计数失败, 本次放行", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(c.Request.Context(), key, window)
		}
		if count > int64(limit) {
			response.TooManyRequests(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
