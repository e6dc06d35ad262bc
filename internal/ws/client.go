package ws

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ScanAuthorizer 校验用户是否可以订阅某个扫描 (非staff只能订阅自己的扫描)
type ScanAuthorizer func(userID uint, isStaff bool, scanID uuid.UUID) bool

// Client 一个WebSocket连接
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	groups    map[string]bool
	authorize ScanAuthorizer

	UserID  uint
	IsStaff bool
}

// clientCommand 客户端上行指令, 兼容两种订阅报文格式
type clientCommand struct {
	Action   string                 `json:"action"`
	Type     string                 `json:"type"`
	ScanID   string                 `json:"scan_id"`
	ScanType string                 `json:"scan_type"`
	Filters  map[string]interface{} `json:"filters"`
}

// Serve 升级连接并启动读写泵, 返回已注册的client供调用方追加订阅
func Serve(hub *Hub, w http.ResponseWriter, r *http.Request, userID uint, isStaff bool, authorize ScanAuthorizer) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		groups:    make(map[string]bool),
		authorize: authorize,
		UserID:    userID,
		IsStaff:   isStaff,
	}
	hub.register <- client

	// 登录用户自动加入自己的用户组
	if userID != 0 {
		hub.join <- subscription{client: client, group: bus.UserChannel(userID)}
	}

	go client.writePump()
	go client.readPump()
	return client, nil
}

// JoinGlobal 订阅全局威胁事件组 (threat-map / threat-intelligence端点)
func (c *Client) JoinGlobal() {
	c.hub.join <- subscription{client: c, group: bus.ChannelGlobal}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Logger.Warn("WebSocket读取错误", zap.Error(err))
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.sendError("Invalid JSON format")
			continue
		}
		c.handleCommand(&cmd)
	}
}

func (c *Client) handleCommand(cmd *clientCommand) {
	switch {
	case cmd.Action == "subscribe":
		scanID, err := uuid.Parse(cmd.ScanID)
		if err != nil {
			c.sendError("invalid scan_id")
			return
		}
		if c.authorize == nil || !c.authorize(c.UserID, c.IsStaff, scanID) {
			c.sendError("Access denied or scan not found")
			return
		}
		c.hub.join <- subscription{client: c, group: bus.ScanChannel(scanID)}

	case cmd.Action == "unsubscribe":
		if scanID, err := uuid.Parse(cmd.ScanID); err == nil {
			c.hub.leave <- subscription{client: c, group: bus.ScanChannel(scanID)}
		}

	case cmd.Type == "subscribe_filters":
		// 过滤订阅统一落在全局组, 过滤在客户端侧完成
		c.JoinGlobal()

	default:
		c.sendError("unknown action")
	}
}

func (c *Client) sendError(msg string) {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logger.Logger.Warn("WebSocket写入错误", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
