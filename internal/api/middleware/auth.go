package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/internal/auth"
)

// gin上下文里的认证信息键
const (
	CtxUserID   = "user_id"
	CtxUsername = "username"
	CtxIsStaff  = "is_staff"
)

// AuthMiddleware 校验Bearer access token, 并把用户信息写入上下文
func AuthMiddleware(manager *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Unauthorized(c, "缺少认证凭证")
			c.Abort()
			return
		}

		claims, err := manager.Parse(token)
		if err != nil {
			response.Unauthorized(c, "")
			c.Abort()
			return
		}

		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxUsername, claims.Username)
		c.Set(CtxIsStaff, claims.IsStaff)
		c.Next()
	}
}

// StaffOnly 仅允许staff用户, 必须挂在AuthMiddleware之后
func StaffOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(CtxIsStaff) {
			response.Forbidden(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractToken 优先取Authorization头, WebSocket握手场景下回退到query参数
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// CurrentUserID 从上下文取出当前用户ID
func CurrentUserID(c *gin.Context) uint {
	if v, ok := c.Get(CtxUserID); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}
