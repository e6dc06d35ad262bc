package ws

import (
	"encoding/json"
	"sync"

	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

// Message WebSocket下行消息信封
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type subscription struct {
	client *Client
	group  string
}

type groupMessage struct {
	group   string
	payload []byte
}

// Hub 维护全部连接和按实体ID分组的订阅关系, 所有变更经由channel串行处理
type Hub struct {
	clients    map[*Client]bool
	groups     map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	join       chan subscription
	leave      chan subscription
	broadcast  chan groupMessage

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan subscription),
		leave:      make(chan subscription),
		broadcast:  make(chan groupMessage, 64),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Logger.Info("WebSocket客户端已连接", zap.Uint("user_id", client.UserID))
			client.send <- mustMarshal(Message{Type: "connected", Data: map[string]string{"status": "connected"}})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for group := range client.groups {
					h.removeFromGroup(client, group)
				}
				close(client.send)
				logger.Logger.Info("WebSocket客户端已断开", zap.Uint("user_id", client.UserID))
			}
			h.mu.Unlock()

		case sub := <-h.join:
			h.mu.Lock()
			if h.groups[sub.group] == nil {
				h.groups[sub.group] = make(map[*Client]bool)
			}
			h.groups[sub.group][sub.client] = true
			sub.client.groups[sub.group] = true
			h.mu.Unlock()

		case sub := <-h.leave:
			h.mu.Lock()
			h.removeFromGroup(sub.client, sub.group)
			delete(sub.client.groups, sub.group)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.groups[msg.group] {
				select {
				case client.send <- msg.payload:
				default:
					// 发送缓冲已满的慢客户端直接丢弃本条
				}
			}
			h.mu.RUnlock()
		}
	}
}

// 调用方必须持有h.mu
func (h *Hub) removeFromGroup(client *Client, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// BroadcastRaw 把已序列化的信封投递到指定组 (Redis订阅转发路径)
func (h *Hub) BroadcastRaw(group string, payload []byte) {
	select {
	case h.broadcast <- groupMessage{group: group, payload: payload}:
	default:
		logger.Logger.Warn("广播队列已满, 丢弃消息", zap.String("group", group))
	}
}

// Broadcast 序列化后投递到指定组
func (h *Hub) Broadcast(group, messageType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: messageType, Data: data})
	if err != nil {
		logger.Logger.Error("WebSocket消息序列化失败", zap.Error(err))
		return
	}
	h.BroadcastRaw(group, payload)
}

// ClientCount 当前连接数, 供健康检查使用
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func mustMarshal(m Message) []byte {
	payload, _ := json.Marshal(m)
	return payload
}
