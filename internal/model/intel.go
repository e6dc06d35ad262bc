package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ThreatIntelligence 按IP维度的情报记录, 由AbuseIPDB黑名单feed做upsert
type ThreatIntelligence struct {
	gorm.Model
	IPAddress       string     `json:"ip_address" gorm:"unique;size:45;not null"`
	CountryCode     string     `json:"country_code" gorm:"size:2"`
	CountryName     string     `json:"country_name" gorm:"size:100"`
	IsMalicious     bool       `json:"is_malicious" gorm:"default:false;index"`
	AbuseConfidence int        `json:"abuse_confidence" gorm:"default:0;index"`
	UsageType       string     `json:"usage_type" gorm:"size:50"`
	ISP             string     `json:"isp" gorm:"size:200"`
	Domain          string     `json:"domain" gorm:"size:255"`
	LastReportedAt  *time.Time `json:"last_reported_at"`
	SourceAPI       string     `json:"source_api" gorm:"size:50;default:'abuseipdb'"`

	Events []ThreatEvent `json:"events,omitempty" gorm:"foreignKey:ThreatIntelligenceID"`
}

// ThreatEvent 统一的威胁事件流, 同时服务威胁地图与情报面板。
// 事件来源于扫描检出(关联ScanResultID)或外部feed(关联ThreatIntelligenceID)。
type ThreatEvent struct {
	ID                   uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	EventType            string      `json:"event_type" gorm:"size:50;index;comment:scan_detection/blacklist_detection/ip_check"`
	ThreatType           ThreatType  `json:"threat_type" gorm:"size:20;index"`
	Severity             ThreatLevel `json:"severity" gorm:"size:20;index"`
	UserID               uint        `json:"user_id" gorm:"index"`
	ScanResultID         *uuid.UUID  `json:"scan_result_id" gorm:"type:uuid;index"`
	ThreatIntelligenceID *uint       `json:"threat_intelligence_id" gorm:"index"`
	IPAddress            string      `json:"ip_address" gorm:"size:45"`
	Country              string      `json:"country" gorm:"size:100"`
	City                 string      `json:"city" gorm:"size:100"`
	Latitude             float64     `json:"latitude"`
	Longitude            float64     `json:"longitude"`
	FileName             string      `json:"file_name" gorm:"size:255"`
	FileHash             string      `json:"file_hash" gorm:"size:64"`
	Description          string      `json:"description" gorm:"type:text"`
	Timestamp            time.Time   `json:"timestamp" gorm:"autoCreateTime;index"`
}

func (e *ThreatEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// ThreatStatistics 按天聚合的情报统计, 分布字段由当日威胁事件计算
type ThreatStatistics struct {
	gorm.Model
	Date                  time.Time `json:"date" gorm:"uniqueIndex;type:date"`
	TotalThreats          int64     `json:"total_threats" gorm:"default:0"`
	NewThreats            int64     `json:"new_threats" gorm:"default:0"`
	HighConfidenceThreats int64     `json:"high_confidence_threats" gorm:"default:0"`
	TopCountries          JSONB     `json:"top_countries" gorm:"type:jsonb"`
	TypeDistribution      JSONB     `json:"threat_type_distribution" gorm:"type:jsonb"`
	SeverityDistribution  JSONB     `json:"severity_distribution" gorm:"type:jsonb"`
}
