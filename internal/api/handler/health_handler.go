package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthHandler struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func NewHealthHandler(db *gorm.DB, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{DB: db, Redis: rdb}
}

// Health 基础存活探针
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

// Live 进程存活, 不检查依赖
// @Router /health/live [get]
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready 就绪探针: 数据库与Redis都可达才返回200
// @Router /health/ready [get]
func (h *HealthHandler) Ready(c *gin.Context) {
	checks := h.runChecks(c)
	for _, ok := range checks {
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": checks})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

// Detailed 带各依赖状态的详细健康信息
// @Router /health/detailed [get]
func (h *HealthHandler) Detailed(c *gin.Context) {
	checks := h.runChecks(c)
	status := "healthy"
	code := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// Cache Redis单独的健康检查
// @Router /health/cache [get]
func (h *HealthHandler) Cache(c *gin.Context) {
	if err := h.Redis.Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *HealthHandler) runChecks(c *gin.Context) map[string]bool {
	checks := map[string]bool{"database": false, "redis": false}

	if sqlDB, err := h.DB.DB(); err == nil {
		checks["database"] = sqlDB.PingContext(c.Request.Context()) == nil
	}
	checks["redis"] = h.Redis.Ping(c.Request.Context()).Err() == nil
	return checks
}
