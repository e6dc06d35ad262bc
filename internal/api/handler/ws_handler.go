package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/trojan-defender/internal/auth"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/internal/ws"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WSHandler 负责WebSocket握手: ?token= 鉴权后把连接交给hub
type WSHandler struct {
	DB      *gorm.DB
	Hub     *ws.Hub
	Manager *auth.Manager
}

func NewWSHandler(db *gorm.DB, hub *ws.Hub, manager *auth.Manager) *WSHandler {
	return &WSHandler{DB: db, Hub: hub, Manager: manager}
}

// authorizeScan 订阅扫描频道的访问控制: 自己的扫描或staff
func (h *WSHandler) authorizeScan(userID uint, isStaff bool, scanID uuid.UUID) bool {
	if isStaff {
		var count int64
		h.DB.Model(&model.ScanResult{}).Where("id = ?", scanID).Count(&count)
		return count > 0
	}
	var count int64
	h.DB.Model(&model.ScanResult{}).Where("id = ? AND user_id = ?", scanID, userID).Count(&count)
	return count > 0
}

// Connect 通用WebSocket入口, 连接后由客户端指令选择订阅
// @Router /ws [get]
func (h *WSHandler) Connect(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}
	if _, err := ws.Serve(h.Hub, c.Writer, c.Request, claims.UserID, claims.IsStaff, h.authorizeScan); err != nil {
		logger.Logger.Warn("WebSocket升级失败", zap.Error(err))
	}
}

// ThreatMap 威胁地图连接: 直接加入全局威胁组
// @Router /ws/threat-map [get]
func (h *WSHandler) ThreatMap(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}
	client, err := ws.Serve(h.Hub, c.Writer, c.Request, claims.UserID, claims.IsStaff, h.authorizeScan)
	if err != nil {
		logger.Logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}
	client.JoinGlobal()
}

func (h *WSHandler) authenticate(c *gin.Context) (*auth.Claims, bool) {
	token := c.Query("token")
	if token == "" {
		c.JSON(401, gin.H{"error": "Missing token"})
		return nil, false
	}
	claims, err := h.Manager.Parse(token)
	if err != nil {
		c.JSON(401, gin.H{"error": "Invalid token"})
		return nil, false
	}
	return claims, true
}
