package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/database"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/internal/notify"
	"github.com/trojan-defender/internal/scanner"
	"github.com/trojan-defender/pkg/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubEngine 返回固定结果并记录调用次数
type stubEngine struct {
	name   string
	result *scanner.EngineResult
	calls  int
}

func (s *stubEngine) Name() string { return s.name }

func (s *stubEngine) Scan(ctx context.Context, path string) (*scanner.EngineResult, error) {
	s.calls++
	return s.result, nil
}

func newWorkerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "worker.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestProcessor(t *testing.T, db *gorm.DB, engines ...scanner.Engine) *ScanProcessor {
	t.Helper()
	// 不可达的Redis: 发布失败只记日志, 不影响任务
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })
	publisher := bus.NewPublisher(rdb)
	notifier := notify.NewNotifier(db, &config.MailConfig{Enabled: false})
	return NewScanProcessor(db, publisher, notifier, engines)
}

func createScan(t *testing.T, db *gorm.DB, storagePath string) *model.ScanResult {
	t.Helper()
	user := model.User{Username: "tester", Email: "tester@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, db.FirstOrCreate(&user, model.User{Username: "tester"}).Error)

	scan := &model.ScanResult{
		UserID:      user.ID,
		FileName:    "sample.bin",
		FileSize:    4,
		FileHash:    "deadbeef",
		Status:      model.StatusPending,
		ThreatLevel: model.LevelClean,
		StoragePath: storagePath,
	}
	require.NoError(t, db.Create(scan).Error)
	return scan
}

func scanTask(t *testing.T, scan *model.ScanResult) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(ScanPayload{ScanID: scan.ID})
	require.NoError(t, err)
	return asynq.NewTask(TypeScanFile, payload)
}

func sampleFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	return path
}

func TestHandleScanTask_CleanFile(t *testing.T) {
	db := newWorkerTestDB(t)
	engine := &stubEngine{name: "ClamAV", result: &scanner.EngineResult{Engine: "ClamAV", Status: scanner.StatusClean}}
	p := newTestProcessor(t, db, engine)

	scan := createScan(t, db, sampleFile(t))
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))

	var got model.ScanResult
	require.NoError(t, db.First(&got, "id = ?", scan.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, model.LevelClean, got.ThreatLevel)
	assert.Equal(t, 0, got.ThreatsFound)
	assert.NotNil(t, got.ScannedAt)
	assert.Equal(t, 1, engine.calls)

	// 当日统计被更新
	var stats model.ScanStatistics
	require.NoError(t, db.First(&stats).Error)
	assert.Equal(t, int64(1), stats.TotalScans)
	assert.Equal(t, int64(1), stats.CleanFiles)
}

func TestHandleScanTask_ThreatDetected(t *testing.T) {
	db := newWorkerTestDB(t)
	engine := &stubEngine{name: "ClamAV", result: &scanner.EngineResult{
		Engine: "ClamAV",
		Status: scanner.StatusDetected,
		Findings: []scanner.Finding{{
			Name:     "Eicar-Test-Signature",
			Severity: model.LevelHigh,
		}},
	}}
	p := newTestProcessor(t, db, engine)

	scan := createScan(t, db, sampleFile(t))
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))

	var got model.ScanResult
	require.NoError(t, db.Preload("Threats").First(&got, "id = ?", scan.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)
	// 单条检出 -> low, 但检出自身severity high把整体等级抬上去
	assert.Equal(t, model.LevelHigh, got.ThreatLevel)
	assert.Equal(t, 1, got.ThreatsFound)
	require.Len(t, got.Threats, 1)
	assert.Equal(t, "Eicar-Test-Signature", got.Threats[0].Name)

	// 产生威胁事件与通知
	var events int64
	db.Model(&model.ThreatEvent{}).Where("scan_result_id = ?", scan.ID).Count(&events)
	assert.Equal(t, int64(1), events)

	var notifications int64
	db.Model(&model.Notification{}).Where("user_id = ?", got.UserID).Count(&notifications)
	assert.Equal(t, int64(1), notifications)
}

func TestHandleScanTask_MissingFileFailsWithoutEngines(t *testing.T) {
	db := newWorkerTestDB(t)
	engine := &stubEngine{name: "ClamAV", result: &scanner.EngineResult{Engine: "ClamAV", Status: scanner.StatusClean}}
	p := newTestProcessor(t, db, engine)

	scan := createScan(t, db, filepath.Join(t.TempDir(), "does-not-exist"))
	// 文件缺失是永久失败, 返回nil避免asynq重试
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))

	var got model.ScanResult
	require.NoError(t, db.First(&got, "id = ?", scan.ID).Error)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "File not found")
	assert.Equal(t, 0, engine.calls)
}

func TestHandleScanTask_RetryKeepsSingleThreatSet(t *testing.T) {
	db := newWorkerTestDB(t)
	engine := &stubEngine{name: "YARA", result: &scanner.EngineResult{
		Engine:   "YARA",
		Status:   scanner.StatusDetected,
		Findings: []scanner.Finding{{Name: "Rule_Hit", Severity: model.LevelMedium}},
	}}
	p := newTestProcessor(t, db, engine)

	scan := createScan(t, db, sampleFile(t))
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))

	// 模拟前一次尝试中断后的重投递: 状态回到scanning再执行一次
	require.NoError(t, db.Model(&model.ScanResult{}).Where("id = ?", scan.ID).
		Update("status", model.StatusScanning).Error)
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))

	// 重试后仍然只有一组最终检出
	var threats int64
	db.Model(&model.ScanThreat{}).Where("scan_result_id = ?", scan.ID).Count(&threats)
	assert.Equal(t, int64(1), threats)
	assert.Equal(t, 2, engine.calls)
}

func TestHandleScanTask_CompletedScanSkipped(t *testing.T) {
	db := newWorkerTestDB(t)
	engine := &stubEngine{name: "ClamAV", result: &scanner.EngineResult{Engine: "ClamAV", Status: scanner.StatusClean}}
	p := newTestProcessor(t, db, engine)

	scan := createScan(t, db, sampleFile(t))
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))
	require.Equal(t, 1, engine.calls)

	// 重复投递不再触发引擎
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))
	assert.Equal(t, 1, engine.calls)
}

func TestHandleScanTask_AllEnginesErroredIsUnknown(t *testing.T) {
	db := newWorkerTestDB(t)
	engines := []scanner.Engine{
		&stubEngine{name: "ClamAV", result: &scanner.EngineResult{Engine: "ClamAV", Status: scanner.StatusError, Message: "daemon down"}},
		&stubEngine{name: "YARA", result: &scanner.EngineResult{Engine: "YARA", Status: scanner.StatusError, Message: "compile failed"}},
	}
	p := newTestProcessor(t, db, engines...)

	scan := createScan(t, db, sampleFile(t))
	require.NoError(t, p.HandleScanTask(context.Background(), scanTask(t, scan)))

	var got model.ScanResult
	require.NoError(t, db.First(&got, "id = ?", scan.ID).Error)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, model.LevelUnknown, got.ThreatLevel)
	assert.Equal(t, 0, got.ThreatsFound)
}
