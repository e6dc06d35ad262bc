package handler

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trojan-defender/internal/api/dto"
	"github.com/trojan-defender/internal/api/middleware"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/database"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubEnqueuer 记录入队调用的TaskEnqueuer替身
type stubEnqueuer struct {
	calls []*asynq.Task
	err   error
}

func (s *stubEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, task)
	return &asynq.TaskInfo{}, nil
}

func newScanTestHandler(t *testing.T) (*ScanHandler, *stubEnqueuer, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scan.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })

	enqueuer := &stubEnqueuer{}
	h := NewScanHandler(db, enqueuer, bus.NewPublisher(rdb), &config.UploadConfig{
		Dir:     t.TempDir(),
		MaxSize: 1 << 20,
	})
	return h, enqueuer, db
}

func uploadRouter(h *ScanHandler, userID uint) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/upload", func(c *gin.Context) {
		c.Set(middleware.CtxUserID, userID)
		h.UploadFile(c)
	})
	return r
}

func multipartBody(t *testing.T, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func doUpload(t *testing.T, r *gin.Engine, fileName, content string) (*httptest.ResponseRecorder, dto.ScanSummary) {
	t.Helper()
	body, contentType := multipartBody(t, fileName, content)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var envelope response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	var summary dto.ScanSummary
	if envelope.Data != nil {
		raw, err := json.Marshal(envelope.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &summary))
	}
	return w, summary
}

func TestUploadFile_CreatesScanAndEnqueues(t *testing.T) {
	h, enqueuer, db := newScanTestHandler(t)
	r := uploadRouter(h, 1)

	w, summary := doUpload(t, r, "sample.txt", "hello scanner")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(model.StatusPending), summary.Status)
	assert.False(t, summary.Deduplicate)
	assert.NotEmpty(t, summary.FileHash)

	var scans []model.ScanResult
	require.NoError(t, db.Find(&scans).Error)
	require.Len(t, scans, 1)
	assert.Equal(t, "sample.txt", scans[0].FileName)
	assert.Equal(t, summary.FileHash, scans[0].FileHash)
	require.Len(t, enqueuer.calls, 1)

	// 文件已落盘
	_, err := os.Stat(scans[0].StoragePath)
	assert.NoError(t, err)
}

func TestUploadFile_DuplicateReusesCompletedScan(t *testing.T) {
	h, enqueuer, db := newScanTestHandler(t)
	r := uploadRouter(h, 1)

	_, first := doUpload(t, r, "sample.txt", "same content")
	require.Len(t, enqueuer.calls, 1)

	// 第一次扫描完成后, 相同内容的再次上传直接复用历史结果
	require.NoError(t, db.Model(&model.ScanResult{}).
		Where("file_hash = ?", first.FileHash).
		Update("status", model.StatusCompleted).Error)

	w, second := doUpload(t, r, "renamed.txt", "same content")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, second.Deduplicate)
	assert.Equal(t, first.FileHash, second.FileHash)

	// 不新建扫描记录, 也不再入队
	var count int64
	db.Model(&model.ScanResult{}).Count(&count)
	assert.Equal(t, int64(1), count)
	assert.Len(t, enqueuer.calls, 1)
}

func TestUploadFile_DuplicateByOtherUserStillScans(t *testing.T) {
	h, enqueuer, db := newScanTestHandler(t)

	_, first := doUpload(t, uploadRouter(h, 1), "sample.txt", "same content")
	require.NoError(t, db.Model(&model.ScanResult{}).
		Where("file_hash = ?", first.FileHash).
		Update("status", model.StatusCompleted).Error)

	// 复用只在同一用户范围内生效
	_, second := doUpload(t, uploadRouter(h, 2), "sample.txt", "same content")
	assert.False(t, second.Deduplicate)

	var count int64
	db.Model(&model.ScanResult{}).Count(&count)
	assert.Equal(t, int64(2), count)
	assert.Len(t, enqueuer.calls, 2)
}

func TestUploadFile_EnqueueFailureRollsBack(t *testing.T) {
	h, enqueuer, db := newScanTestHandler(t)
	enqueuer.err = assert.AnError
	r := uploadRouter(h, 1)

	w, _ := doUpload(t, r, "sample.txt", "content")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// 入队失败时扫描记录回滚, 临时文件被清理
	var count int64
	db.Model(&model.ScanResult{}).Count(&count)
	assert.Equal(t, int64(0), count)

	entries, err := os.ReadDir(h.Upload.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadFile_RejectsOversizeFile(t *testing.T) {
	h, _, _ := newScanTestHandler(t)
	h.Upload.MaxSize = 4
	r := uploadRouter(h, 1)

	w, _ := doUpload(t, r, "big.bin", "more than four bytes")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
