package worker

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/trojan-defender/internal/intel"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/config"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaintenanceProcessor 处理情报同步与周期清理任务
type MaintenanceProcessor struct {
	DB      *gorm.DB
	Updater *intel.Updater
	Cfg     *config.Config
}

func NewMaintenanceProcessor(db *gorm.DB, updater *intel.Updater, cfg *config.Config) *MaintenanceProcessor {
	return &MaintenanceProcessor{DB: db, Updater: updater, Cfg: cfg}
}

// NewIntelUpdateTask 情报黑名单同步任务, 失败重试2次
func NewIntelUpdateTask() *asynq.Task {
	return asynq.NewTask(TypeIntelUpdate, nil, asynq.MaxRetry(2), asynq.Queue("low"))
}

func NewDailyStatsTask() *asynq.Task {
	return asynq.NewTask(TypeDailyStats, nil, asynq.MaxRetry(1), asynq.Queue("low"))
}

func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(TypeCleanup, nil, asynq.MaxRetry(1), asynq.Queue("low"))
}

// HandleIntelUpdate 同步AbuseIPDB黑名单
func (m *MaintenanceProcessor) HandleIntelUpdate(ctx context.Context, t *asynq.Task) error {
	changed, err := m.Updater.UpdateFromBlacklist(ctx)
	if err != nil {
		logger.Logger.Error("黑名单同步失败", zap.Error(err))
		return err
	}
	logger.Logger.Info("黑名单同步任务结束", zap.Bool("changed", changed))
	return nil
}

// HandleDailyStats 兜底重算当日扫描统计。正常路径由扫描任务原子自增,
// 这里用于修复中断后的缺失行。
func (m *MaintenanceProcessor) HandleDailyStats(ctx context.Context, t *asynq.Task) error {
	day := today()
	var stats model.ScanStatistics
	err := m.DB.Where("date = ?", day).First(&stats).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	stats = model.ScanStatistics{Date: day}
	return m.DB.Create(&stats).Error
}

// HandleCleanup 清理超过保留期的扫描文件与情报数据
func (m *MaintenanceProcessor) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	retention := m.Cfg.Intel.RetentionDays
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retention)

	var stale []model.ScanResult
	if err := m.DB.Where("uploaded_at < ? AND status IN ?", cutoff,
		[]model.ScanStatus{model.StatusCompleted, model.StatusFailed}).Find(&stale).Error; err != nil {
		return err
	}
	removed := 0
	for _, scan := range stale {
		if scan.StoragePath != "" {
			if err := os.Remove(scan.StoragePath); err != nil && !os.IsNotExist(err) {
				logger.Logger.Warn("删除扫描文件失败", zap.String("path", scan.StoragePath), zap.Error(err))
				continue
			}
		}
		if err := m.DB.Select("Threats").Delete(&scan).Error; err != nil {
			logger.Logger.Error("删除扫描记录失败", zap.String("scan_id", scan.ID.String()), zap.Error(err))
			continue
		}
		removed++
	}

	purged, err := m.Updater.PurgeStale(retention)
	if err != nil {
		logger.Logger.Error("清理过期情报失败", zap.Error(err))
	}

	logger.Logger.Info("周期清理完成", zap.Int("scans_removed", removed), zap.Int64("intel_purged", purged))
	return nil
}
