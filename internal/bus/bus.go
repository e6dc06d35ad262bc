package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

// 广播组命名: 按扫描、按用户、全局三类, worker发布, web侧订阅后转发给WebSocket hub
const ChannelGlobal = "threats:global"

func ScanChannel(id uuid.UUID) string { return fmt.Sprintf("scan:%s", id) }
func UserChannel(userID uint) string  { return fmt.Sprintf("user:%d", userID) }

// Event 统一的消息信封
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Publisher 通过Redis pub/sub跨进程发布事件
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish 发布一条事件; 发布失败只记录日志, 不影响业务流程
func (p *Publisher) Publish(ctx context.Context, channel, eventType string, data interface{}) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		logger.Logger.Error("事件序列化失败", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Logger.Warn("事件发布失败", zap.String("channel", channel), zap.Error(err))
	}
}

// PublishScanStatus 扫描状态变化推送到该扫描组和所属用户组
func (p *Publisher) PublishScanStatus(ctx context.Context, scan *model.ScanResult, message string) {
	data := map[string]interface{}{
		"scan_id":      scan.ID.String(),
		"status":       scan.Status,
		"threat_level": scan.ThreatLevel,
		"threat_count": scan.ThreatsFound,
		"message":      message,
	}
	p.Publish(ctx, ScanChannel(scan.ID), "scan_status_update", data)
	p.Publish(ctx, UserChannel(scan.UserID), "scan_status_update", data)
}

// PublishThreatEvent 新威胁事件推送到全局组(威胁地图)
func (p *Publisher) PublishThreatEvent(ctx context.Context, ev *model.ThreatEvent) {
	p.Publish(ctx, ChannelGlobal, "threat_event", ev)
}

// Forwarder 把Redis订阅到的事件转交给本地处理 (web进程中接入WebSocket hub)
type Forwarder func(channel string, payload []byte)

// Subscribe 订阅全部广播组并持续转发, ctx取消后退出
func Subscribe(ctx context.Context, rdb *redis.Client, forward Forwarder) error {
	sub := rdb.PSubscribe(ctx, "scan:*", "user:*", ChannelGlobal)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			forward(msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
