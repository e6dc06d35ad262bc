package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/trojan-defender/internal/api/dto"
	"github.com/trojan-defender/internal/api/middleware"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/internal/api/validator"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/internal/worker"
	"github.com/trojan-defender/pkg/config"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TaskEnqueuer 任务入队接口, 由*asynq.Client实现
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type ScanHandler struct {
	DB          *gorm.DB
	AsynqClient TaskEnqueuer
	Publisher   *bus.Publisher
	Upload      *config.UploadConfig
}

func NewScanHandler(db *gorm.DB, asynqClient TaskEnqueuer, publisher *bus.Publisher, upload *config.UploadConfig) *ScanHandler {
	return &ScanHandler{
		DB:          db,
		AsynqClient: asynqClient,
		Publisher:   publisher,
		Upload:      upload,
	}
}

// UploadFile 接收上传文件并派发扫描任务。
// 同一用户重复上传相同内容(按SHA-256)且已有完成结果时直接复用, 不再触发扫描。
// @Router /scanner/upload [post]
func (h *ScanHandler) UploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "缺少上传文件", err)
		return
	}
	if err := validator.ValidateUpload(fileHeader.Filename, fileHeader.Size, h.Upload.MaxSize, nil); err != nil {
		response.BadRequest(c, err.Error(), nil)
		return
	}

	userID := middleware.CurrentUserID(c)

	// 边落盘边计算SHA-256
	src, err := fileHeader.Open()
	if err != nil {
		response.ServerError(c, err)
		return
	}
	defer src.Close()

	if err := os.MkdirAll(h.Upload.Dir, 0o755); err != nil {
		response.ServerError(c, err)
		return
	}
	storagePath := filepath.Join(h.Upload.Dir, uuid.NewString())
	dst, err := os.Create(storagePath)
	if err != nil {
		response.ServerError(c, err)
		return
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dst, hasher), src)
	dst.Close()
	if err != nil {
		os.Remove(storagePath)
		response.ServerError(c, err)
		return
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))

	// 相同内容且已完成的扫描直接复用
	var existing model.ScanResult
	err = h.DB.Where("user_id = ? AND file_hash = ? AND status = ?",
		userID, fileHash, model.StatusCompleted).First(&existing).Error
	if err == nil {
		os.Remove(storagePath)
		response.OkWithMessage(c, "文件已扫描过, 返回历史结果", dto.ScanSummary{
			ScanID:      existing.ID.String(),
			FileName:    existing.FileName,
			FileSize:    existing.FileSize,
			FileHash:    existing.FileHash,
			Status:      string(existing.Status),
			Deduplicate: true,
		})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		os.Remove(storagePath)
		response.ServerError(c, err)
		return
	}

	scan := model.ScanResult{
		UserID:      userID,
		FileName:    filepath.Base(fileHeader.Filename),
		FileSize:    written,
		FileType:    fileHeader.Header.Get("Content-Type"),
		FileHash:    fileHash,
		Status:      model.StatusPending,
		ThreatLevel: model.LevelClean,
		StoragePath: storagePath,
	}

	// 入库与入队在一个事务里, 入队失败则回滚扫描记录
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&scan).Error; err != nil {
			return err
		}
		task, err := worker.NewScanTask(scan.ID)
		if err != nil {
			return err
		}
		if _, err := h.AsynqClient.Enqueue(task, asynq.Queue("critical")); err != nil {
			return fmt.Errorf("派发扫描任务失败: %w", err)
		}
		return nil
	})
	if err != nil {
		os.Remove(storagePath)
		response.ServerError(c, err)
		return
	}

	h.Publisher.PublishScanStatus(c.Request.Context(), &scan, "Scan queued")
	logger.Logger.Info("文件上传成功并已入队",
		zap.String("scan_id", scan.ID.String()),
		zap.String("file", scan.FileName),
		zap.Int64("size", written),
	)
	response.OkWithMessage(c, "文件上传成功, 扫描任务已创建", dto.ScanSummary{
		ScanID:   scan.ID.String(),
		FileName: scan.FileName,
		FileSize: scan.FileSize,
		FileHash: scan.FileHash,
		Status:   string(scan.Status),
	})
}

// ListResults 当前用户的扫描结果列表
// @Router /scanner/results [get]
func (h *ScanHandler) ListResults(c *gin.Context) {
	var req dto.ListScansRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}
	req.Normalize()

	query := h.DB.Model(&model.ScanResult{}).Where("user_id = ?", middleware.CurrentUserID(c))
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.ThreatLevel != "" {
		query = query.Where("threat_level = ?", req.ThreatLevel)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	var scans []model.ScanResult
	if err := query.Order("uploaded_at DESC").Offset(req.Offset()).Limit(req.PageSize).Find(&scans).Error; err != nil {
		response.ServerError(c, err)
		return
	}

	response.Ok(c, dto.PaginationResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		List:     scans,
	})
}

// GetResult 单个扫描详情, 带全部检出
// @Router /scanner/results/{id} [get]
func (h *ScanHandler) GetResult(c *gin.Context) {
	scan, ok := h.loadOwnScan(c)
	if !ok {
		return
	}
	response.Ok(c, scan)
}

// DeleteResult 删除扫描记录与落盘文件
// @Router /scanner/results/{id} [delete]
func (h *ScanHandler) DeleteResult(c *gin.Context) {
	scan, ok := h.loadOwnScan(c)
	if !ok {
		return
	}
	if scan.Status == model.StatusScanning {
		response.Fail(c, "扫描进行中, 无法删除")
		return
	}

	if scan.StoragePath != "" {
		if err := os.Remove(scan.StoragePath); err != nil && !os.IsNotExist(err) {
			logger.Logger.Warn("删除扫描文件失败", zap.String("path", scan.StoragePath), zap.Error(err))
		}
	}
	if err := h.DB.Select("Threats").Delete(scan).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "删除成功", nil)
}

// Statistics 当前用户的扫描统计概览
// @Router /scanner/statistics [get]
func (h *ScanHandler) Statistics(c *gin.Context) {
	userID := middleware.CurrentUserID(c)

	var total, clean, infected, pending int64
	base := h.DB.Model(&model.ScanResult{}).Where("user_id = ?", userID)
	base.Session(&gorm.Session{}).Count(&total)
	base.Session(&gorm.Session{}).Where("status = ? AND threat_level IN ?",
		model.StatusCompleted, []model.ThreatLevel{model.LevelClean, model.LevelUnknown}).Count(&clean)
	base.Session(&gorm.Session{}).Where("status = ? AND threat_level NOT IN ?",
		model.StatusCompleted, []model.ThreatLevel{model.LevelClean, model.LevelUnknown}).Count(&infected)
	base.Session(&gorm.Session{}).Where("status IN ?",
		[]model.ScanStatus{model.StatusPending, model.StatusScanning}).Count(&pending)

	var daily []model.ScanStatistics
	h.DB.Order("date DESC").Limit(30).Find(&daily)

	response.Ok(c, gin.H{
		"total_scans":    total,
		"clean_files":    clean,
		"infected_files": infected,
		"pending_scans":  pending,
		"daily":          daily,
	})
}

// loadOwnScan 按ID加载扫描并校验归属, staff可越权查看
func (h *ScanHandler) loadOwnScan(c *gin.Context) (*model.ScanResult, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "无效的扫描ID", err)
		return nil, false
	}

	var scan model.ScanResult
	if err := h.DB.Preload("Threats").First(&scan, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c)
			return nil, false
		}
		response.ServerError(c, err)
		return nil, false
	}
	if scan.UserID != middleware.CurrentUserID(c) && !c.GetBool(middleware.CtxIsStaff) {
		response.NotFound(c)
		return nil, false
	}
	return &scan, true
}
