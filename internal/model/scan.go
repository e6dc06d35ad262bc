package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ScanStatus 扫描任务的生命周期状态
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusScanning  ScanStatus = "scanning"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

// ThreatLevel 威胁等级, 按 clean < low < medium < high < critical 排序
type ThreatLevel string

const (
	LevelClean    ThreatLevel = "clean"
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
	// LevelUnknown 仅在所有引擎都失败且无任何发现时作为最终判定
	LevelUnknown ThreatLevel = "unknown"
)

var levelRank = map[ThreatLevel]int{
	LevelClean:    0,
	LevelUnknown:  0,
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// Rank 返回威胁等级的序数, 未知字符串按clean处理
func (l ThreatLevel) Rank() int {
	return levelRank[l]
}

// ThreatType 检测结果分类
type ThreatType string

const (
	ThreatVirus      ThreatType = "virus"
	ThreatMalware    ThreatType = "malware"
	ThreatRansomware ThreatType = "ransomware"
	ThreatTrojan     ThreatType = "trojan"
	ThreatSpyware    ThreatType = "spyware"
	ThreatAdware     ThreatType = "adware"
	ThreatWorm       ThreatType = "worm"
	ThreatRootkit    ThreatType = "rootkit"
	ThreatBackdoor   ThreatType = "backdoor"
	ThreatExploit    ThreatType = "exploit"
	ThreatOther      ThreatType = "other"
)

// ScanResult 一次文件扫描的记录, 由上传创建, 由worker更新, completed/failed后为终态
type ScanResult struct {
	ID           uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	UserID       uint        `json:"user_id" gorm:"index;not null;comment:所属用户ID"`
	FileName     string      `json:"file_name" gorm:"size:255;not null"`
	FileSize     int64       `json:"file_size"`
	FileType     string      `json:"file_type" gorm:"size:100"`
	FileHash     string      `json:"file_hash" gorm:"size:64;index;comment:文件SHA-256"`
	Status       ScanStatus  `json:"status" gorm:"size:20;index;default:'pending'"`
	ThreatLevel  ThreatLevel `json:"threat_level" gorm:"size:20;index;default:'clean'"`
	ThreatsFound int         `json:"threats_found" gorm:"default:0"`
	ScanDuration float64     `json:"scan_duration" gorm:"comment:扫描耗时(秒)"`
	StoragePath  string      `json:"-" gorm:"size:512"`
	ErrorMessage string      `json:"error_message,omitempty" gorm:"type:text"`
	UploadedAt   time.Time   `json:"uploaded_at" gorm:"autoCreateTime;index"`
	ScannedAt    *time.Time  `json:"scanned_at"`

	Threats []ScanThreat `json:"threats,omitempty" gorm:"foreignKey:ScanResultID;constraint:OnDelete:CASCADE"`
}

func (s *ScanResult) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Terminal 终态的扫描不再被worker修改
func (s *ScanResult) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Escalate 单向提升威胁等级, 只升不降; 返回是否发生了变更
func (s *ScanResult) Escalate(level ThreatLevel) bool {
	if level.Rank() > s.ThreatLevel.Rank() {
		s.ThreatLevel = level
		return true
	}
	return false
}

// ScanThreat 单条引擎检出记录, 创建后不可变
type ScanThreat struct {
	ID              uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	ScanResultID    uuid.UUID   `json:"scan_result_id" gorm:"type:uuid;index;not null"`
	Name            string      `json:"name" gorm:"size:255;not null"`
	ThreatType      ThreatType  `json:"threat_type" gorm:"size:20;default:'other'"`
	Severity        ThreatLevel `json:"severity" gorm:"size:20"`
	DetectionEngine string      `json:"detection_engine" gorm:"size:50;comment:ClamAV/YARA/VirusTotal"`
	DetectionRule   string      `json:"detection_rule" gorm:"size:255"`
	Location        string      `json:"location" gorm:"size:255"`
	Description     string      `json:"description" gorm:"type:text"`
	CreatedAt       time.Time   `json:"created_at"`
}

func (t *ScanThreat) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// YaraRule 用户维护的YARA规则, 扫描时编译所有active规则
type YaraRule struct {
	gorm.Model
	Name        string         `json:"name" gorm:"unique;size:100;not null"`
	Description string         `json:"description" gorm:"type:text"`
	RuleContent string         `json:"rule_content" gorm:"type:text;not null"`
	Tags        pq.StringArray `json:"tags" gorm:"type:text[]"`
	IsActive    bool           `json:"is_active" gorm:"default:true;index"`
	CreatedBy   uint           `json:"created_by" gorm:"index"`
}

// ScanStatistics 按天聚合的扫描统计, 由worker以原子自增方式维护
type ScanStatistics struct {
	gorm.Model
	Date            time.Time `json:"date" gorm:"uniqueIndex;type:date"`
	TotalScans      int64     `json:"total_scans" gorm:"default:0"`
	CleanFiles      int64     `json:"clean_files" gorm:"default:0"`
	InfectedFiles   int64     `json:"infected_files" gorm:"default:0"`
	ThreatsDetected int64     `json:"threats_detected" gorm:"default:0"`
	TotalFileSize   int64     `json:"total_file_size" gorm:"default:0"`
	ScanSeconds     float64   `json:"scan_seconds" gorm:"default:0;comment:累计扫描耗时, 平均值由查询侧计算"`
}
