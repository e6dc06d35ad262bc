package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/internal/notify"
	"github.com/trojan-defender/internal/scanner"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Asynq任务类型
const (
	TypeScanFile    = "scanner:scan_file"
	TypeIntelUpdate = "intel:update_blacklist"
	TypeDailyStats  = "stats:update_daily"
	TypeCleanup     = "maintenance:cleanup"
)

// ScanPayload 扫描任务载荷
type ScanPayload struct {
	ScanID uuid.UUID `json:"scan_id"`
}

// NewScanTask 构造一个文件扫描任务, 最多重试3次指数退避
func NewScanTask(scanID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(ScanPayload{ScanID: scanID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeScanFile, payload, asynq.MaxRetry(3), asynq.Timeout(20*time.Minute)), nil
}

// RetryDelay asynq重试间隔: 1s -> 2s -> 4s ... 上限60s
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	delay := time.Second << n
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// ScanProcessor 执行多引擎文件扫描并落库、广播、通知
type ScanProcessor struct {
	DB        *gorm.DB
	Publisher *bus.Publisher
	Notifier  *notify.Notifier
	Engines   []scanner.Engine
}

func NewScanProcessor(db *gorm.DB, publisher *bus.Publisher, notifier *notify.Notifier, engines []scanner.Engine) *ScanProcessor {
	return &ScanProcessor{DB: db, Publisher: publisher, Notifier: notifier, Engines: engines}
}

// HandleScanTask 扫描任务入口。返回error时asynq会按退避策略重试,
// 任务自身保证幂等: 重试成功后每个扫描只保留最终一组检出。
func (p *ScanProcessor) HandleScanTask(ctx context.Context, t *asynq.Task) error {
	var payload ScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("解析任务载荷失败: %v", err)
	}

	// 读取扫描记录, 3次重试指数退避
	var scan model.ScanResult
	err := retryDB(ctx, func() error {
		return p.DB.First(&scan, "id = ?", payload.ScanID).Error
	})
	if err != nil {
		return fmt.Errorf("查找扫描记录 %s 失败: %w", payload.ScanID, err)
	}

	// 重复投递的已完成任务直接忽略
	if scan.Status == model.StatusCompleted {
		logger.Logger.Info("扫描已完成, 跳过重复任务", zap.String("scan_id", scan.ID.String()))
		return nil
	}

	logger.Logger.Info("开始扫描任务", zap.String("scan_id", scan.ID.String()), zap.String("file", scan.FileName))

	started := time.Now()
	scan.Status = model.StatusScanning
	if err := p.DB.Model(&scan).Update("status", model.StatusScanning).Error; err != nil {
		return fmt.Errorf("更新扫描状态失败: %w", err)
	}
	p.Publisher.PublishScanStatus(ctx, &scan, "Scan in progress...")

	// 文件不存在直接置为失败, 不触发任何引擎也不重试
	if _, statErr := os.Stat(scan.StoragePath); statErr != nil {
		return p.failPermanently(ctx, &scan, fmt.Sprintf("File not found: %s", scan.StoragePath))
	}

	// 逐引擎执行, 单引擎失败降级为error结果而不中断整体
	results := make([]*scanner.EngineResult, 0, len(p.Engines))
	for _, engine := range p.Engines {
		result, err := engine.Scan(ctx, scan.StoragePath)
		if err != nil {
			logger.Logger.Error("引擎执行异常",
				zap.String("engine", engine.Name()),
				zap.String("scan_id", scan.ID.String()),
				zap.Error(err),
			)
			result = &scanner.EngineResult{
				Engine:  engine.Name(),
				Status:  scanner.StatusError,
				Message: fmt.Sprintf("%s scan failed: %v", engine.Name(), err),
			}
		}
		logger.Logger.Info("引擎扫描完成",
			zap.String("engine", engine.Name()),
			zap.String("status", string(result.Status)),
			zap.Int("findings", len(result.Findings)),
		)
		results = append(results, result)
	}

	level := scanner.DetermineThreatLevel(results)
	threats := collectThreats(scan.ID, results)
	duration := time.Since(started).Seconds()

	// 检出与终态在一个事务内落库; 先清掉本扫描的历史检出, 保证重试不产生重复
	err = p.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scan_result_id = ?", scan.ID).Delete(&model.ScanThreat{}).Error; err != nil {
			return err
		}
		if len(threats) > 0 {
			if err := tx.Create(&threats).Error; err != nil {
				return err
			}
		}

		// 单向提升: 以全部检出的最高严重度为准, 只升不降
		if len(threats) > 0 {
			scan.Escalate(scanner.MaxSeverity(threats))
		}
		scan.Escalate(level)
		if level == model.LevelUnknown && len(threats) == 0 && scan.ThreatLevel == model.LevelClean {
			scan.ThreatLevel = model.LevelUnknown
		}

		now := time.Now()
		scan.Status = model.StatusCompleted
		scan.ThreatsFound = len(threats)
		scan.ScanDuration = duration
		scan.ScannedAt = &now
		scan.ErrorMessage = ""
		if err := tx.Save(&scan).Error; err != nil {
			return err
		}
		return bumpScanStats(tx, &scan)
	})
	if err != nil {
		// 落库失败标记failed后交给asynq重试
		p.markFailed(&scan, fmt.Sprintf("Failed to save results: %v", err))
		p.Publisher.PublishScanStatus(ctx, &scan, scan.ErrorMessage)
		return fmt.Errorf("保存扫描结果失败: %w", err)
	}

	p.recordThreatEvents(ctx, &scan, threats)
	p.Publisher.PublishScanStatus(ctx, &scan, fmt.Sprintf("Scan completed: %s threat level", scan.ThreatLevel))
	p.Notifier.ScanCompleted(&scan)

	logger.Logger.Info("扫描任务完成",
		zap.String("scan_id", scan.ID.String()),
		zap.String("threat_level", string(scan.ThreatLevel)),
		zap.Int("threats", len(threats)),
	)
	return nil
}

// failPermanently 不可恢复的失败: 置为failed并返回nil让asynq不再重试
func (p *ScanProcessor) failPermanently(ctx context.Context, scan *model.ScanResult, reason string) error {
	p.markFailed(scan, reason)
	p.Publisher.PublishScanStatus(ctx, scan, reason)
	p.Notifier.ScanFailed(scan)
	logger.Logger.Error("扫描永久失败", zap.String("scan_id", scan.ID.String()), zap.String("reason", reason))
	return nil
}

func (p *ScanProcessor) markFailed(scan *model.ScanResult, reason string) {
	now := time.Now()
	scan.Status = model.StatusFailed
	scan.ErrorMessage = reason
	scan.ScannedAt = &now
	if err := p.DB.Save(scan).Error; err != nil {
		logger.Logger.Error("更新失败状态出错", zap.String("scan_id", scan.ID.String()), zap.Error(err))
	}
}

// collectThreats 把全部引擎的检出统一转换为ScanThreat
func collectThreats(scanID uuid.UUID, results []*scanner.EngineResult) []model.ScanThreat {
	var threats []model.ScanThreat
	for _, r := range results {
		for _, f := range r.Findings {
			threats = append(threats, model.ScanThreat{
				ScanResultID:    scanID,
				Name:            f.Name,
				ThreatType:      f.ThreatType,
				Severity:        f.Severity,
				DetectionEngine: r.Engine,
				DetectionRule:   f.DetectionRule,
				Location:        f.Location,
				Description:     f.Description,
			})
		}
	}
	return threats
}

// bumpScanStats 以原子自增维护当日统计, 并发worker下不丢更新
func bumpScanStats(tx *gorm.DB, scan *model.ScanResult) error {
	infected := int64(0)
	clean := int64(0)
	if scan.ThreatLevel == model.LevelClean || scan.ThreatLevel == model.LevelUnknown {
		clean = 1
	} else {
		infected = 1
	}

	stats := model.ScanStatistics{
		Date:            today(),
		TotalScans:      1,
		CleanFiles:      clean,
		InfectedFiles:   infected,
		ThreatsDetected: int64(scan.ThreatsFound),
		TotalFileSize:   scan.FileSize,
		ScanSeconds:     scan.ScanDuration,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_scans":      gorm.Expr("scan_statistics.total_scans + ?", 1),
			"clean_files":      gorm.Expr("scan_statistics.clean_files + ?", clean),
			"infected_files":   gorm.Expr("scan_statistics.infected_files + ?", infected),
			"threats_detected": gorm.Expr("scan_statistics.threats_detected + ?", scan.ThreatsFound),
			"total_file_size":  gorm.Expr("scan_statistics.total_file_size + ?", scan.FileSize),
			"scan_seconds":     gorm.Expr("scan_statistics.scan_seconds + ?", scan.ScanDuration),
			"updated_at":       time.Now(),
		}),
	}).Create(&stats).Error
}

// recordThreatEvents 有检出时写入统一威胁事件流并广播到全局组
func (p *ScanProcessor) recordThreatEvents(ctx context.Context, scan *model.ScanResult, threats []model.ScanThreat) {
	if len(threats) == 0 {
		return
	}
	event := model.ThreatEvent{
		EventType:    "scan_detection",
		ThreatType:   threats[0].ThreatType,
		Severity:     scan.ThreatLevel,
		UserID:       scan.UserID,
		ScanResultID: &scan.ID,
		FileName:     scan.FileName,
		FileHash:     scan.FileHash,
		Description:  fmt.Sprintf("%d threat(s) detected in %s", len(threats), scan.FileName),
	}
	if err := p.DB.Create(&event).Error; err != nil {
		logger.Logger.Error("创建威胁事件失败", zap.Error(err))
		return
	}
	p.Publisher.PublishThreatEvent(ctx, &event)
}

// retryDB 数据库读取的3次重试, 1s起指数退避
func retryDB(ctx context.Context, fn func() error) error {
	var err error
	delay := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == 2 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func today() time.Time {
	y, m, d := time.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
