package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 请求开始时间
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		cost := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		userAgent := c.Request.UserAgent()
		errors := c.Errors.ByType(gin.ErrorTypePrivate).String()

		fields := []zap.Field{
			zap.Int("status_code", statusCode),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client_ip", clientIP),
			zap.String("user_agent", userAgent),
			zap.String("cost", cost.String()),
		}

		// 根据状态码判断日志级别
		switch {
		case statusCode >= 400 && statusCode < 500:
			fields = append(fields, zap.String("errors", errors))
			logger.Logger.Warn("HTTP request", fields...)
		case statusCode >= 500:
			fields = append(fields, zap.String("errors", errors))
			logger.Logger.Error("HTTP request", fields...)
		default:
			logger.Logger.Info("HTTP request", fields...)
		}
	}
}
