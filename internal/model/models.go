package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB 存储任意JSON对象的自定义类型
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONB)
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// User 账户信息
type User struct {
	gorm.Model
	Username             string `json:"username" gorm:"unique;size:150;not null"`
	Email                string `json:"email" gorm:"unique;size:255;not null"`
	PasswordHash         string `json:"-" gorm:"size:255;not null"`
	IsStaff              bool   `json:"is_staff" gorm:"default:false"`
	IsActive             bool   `json:"is_active" gorm:"default:true"`
	NotifySecurityAlerts bool   `json:"notify_security_alerts" gorm:"default:true;comment:是否接收威胁告警邮件"`
}

// NotificationType 通知类别
type NotificationType string

const (
	NotifyScanComplete   NotificationType = "scan_complete"
	NotifyThreatDetected NotificationType = "threat_detected"
	NotifySecurityAlert  NotificationType = "security_alert"
	NotifySystem         NotificationType = "system_notification"
)

// Notification 用户通知, 由扫描完成或威胁检出时创建
type Notification struct {
	gorm.Model
	UserID       uint             `json:"user_id" gorm:"index;not null"`
	Title        string           `json:"title" gorm:"size:200;not null"`
	Message      string           `json:"message" gorm:"type:text"`
	Type         NotificationType `json:"type" gorm:"size:50;index"`
	Priority     ThreatLevel      `json:"priority" gorm:"size:20;default:'medium'"`
	IsRead       bool             `json:"is_read" gorm:"default:false;index"`
	ReadAt       *time.Time       `json:"read_at"`
	ScanResultID *uuid.UUID       `json:"scan_result_id" gorm:"type:uuid"`
	Metadata     JSONB            `json:"metadata" gorm:"type:jsonb"`
}

// MarkRead 置为已读, 重复调用无副作用
func (n *Notification) MarkRead(db *gorm.DB) error {
	if n.IsRead {
		return nil
	}
	now := time.Now()
	n.IsRead = true
	n.ReadAt = &now
	return db.Model(n).Select("is_read", "read_at").Updates(n).Error
}
