package handler

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/trojan-defender/internal/api/dto"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/internal/intel"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/internal/worker"
	"gorm.io/gorm"
)

// 统计类端点的缓存有效期
const statsCacheTTL = time.Minute

type IntelHandler struct {
	DB          *gorm.DB
	RDB         *redis.Client
	Updater     *intel.Updater
	AsynqClient TaskEnqueuer
}

func NewIntelHandler(db *gorm.DB, rdb *redis.Client, updater *intel.Updater, asynqClient TaskEnqueuer) *IntelHandler {
	return &IntelHandler{DB: db, RDB: rdb, Updater: updater, AsynqClient: asynqClient}
}

// cachedOk 统计端点的读穿缓存: 命中直接返回, 未命中由build计算并回填。
// Redis不可用时退化为直读数据库。
func (h *IntelHandler) cachedOk(c *gin.Context, key string, build func() (interface{}, error)) {
	if cached, err := h.RDB.Get(c.Request.Context(), key).Result(); err == nil {
		response.Ok(c, json.RawMessage(cached))
		return
	}
	data, err := build()
	if err != nil {
		response.ServerError(c, err)
		return
	}
	if payload, err := json.Marshal(data); err == nil {
		h.RDB.Set(c.Request.Context(), key, payload, statsCacheTTL)
	}
	response.Ok(c, data)
}

// ListThreats 情报库列表
// @Router /threat-intelligence/threats [get]
func (h *IntelHandler) ListThreats(c *gin.Context) {
	var req dto.ListThreatsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}
	req.Normalize()

	query := h.DB.Model(&model.ThreatIntelligence{})
	if req.CountryCode != "" {
		query = query.Where("country_code = ?", req.CountryCode)
	}
	if req.MinConfidence > 0 {
		query = query.Where("abuse_confidence >= ?", req.MinConfidence)
	}
	if req.MaliciousOnly {
		query = query.Where("is_malicious = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	var threats []model.ThreatIntelligence
	if err := query.Order("abuse_confidence DESC").Offset(req.Offset()).Limit(req.PageSize).Find(&threats).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, dto.PaginationResponse{Total: total, Page: req.Page, PageSize: req.PageSize, List: threats})
}

// ListEvents 威胁事件流, 默认最近24小时
// @Router /threatmap/events [get]
func (h *IntelHandler) ListEvents(c *gin.Context) {
	var req dto.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}
	req.Normalize()
	if req.Hours <= 0 {
		req.Hours = 24
	}

	since := time.Now().Add(-time.Duration(req.Hours) * time.Hour)
	query := h.DB.Model(&model.ThreatEvent{}).Where("timestamp >= ?", since)
	if req.EventType != "" {
		query = query.Where("event_type = ?", req.EventType)
	}
	if req.Severity != "" {
		query = query.Where("severity = ?", req.Severity)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	var events []model.ThreatEvent
	if err := query.Order("timestamp DESC").Offset(req.Offset()).Limit(req.PageSize).Find(&events).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, dto.PaginationResponse{Total: total, Page: req.Page, PageSize: req.PageSize, List: events})
}

// MapData 威胁地图坐标数据: 有经纬度的事件点 + 按国家聚合的情报
// @Router /threatmap/map-data [get]
func (h *IntelHandler) MapData(c *gin.Context) {
	h.cachedOk(c, "cache:threat_map", func() (interface{}, error) {
		since := time.Now().Add(-24 * time.Hour)

		var events []model.ThreatEvent
		if err := h.DB.Where("timestamp >= ? AND latitude <> 0 AND longitude <> 0", since).
			Order("timestamp DESC").Limit(500).Find(&events).Error; err != nil {
			return nil, err
		}
		points := make([]dto.MapPoint, 0, len(events))
		for _, ev := range events {
			points = append(points, dto.MapPoint{
				IPAddress: ev.IPAddress,
				Country:   ev.Country,
				Latitude:  ev.Latitude,
				Longitude: ev.Longitude,
				Severity:  string(ev.Severity),
				Count:     1,
			})
		}

		type countryRow struct {
			CountryCode string
			Cnt         int64
		}
		var byCountry []countryRow
		h.DB.Model(&model.ThreatIntelligence{}).
			Select("country_code, count(*) as cnt").
			Where("is_malicious = ? AND country_code <> ''", true).
			Group("country_code").Order("cnt DESC").Limit(50).Scan(&byCountry)

		countries := make(map[string]int64, len(byCountry))
		for _, row := range byCountry {
			countries[row.CountryCode] = row.Cnt
		}

		return gin.H{
			"points":    points,
			"countries": countries,
		}, nil
	})
}

// Statistics 情报与事件的统计概览
// @Router /threatmap/statistics [get]
func (h *IntelHandler) Statistics(c *gin.Context) {
	h.cachedOk(c, "cache:threat_stats", func() (interface{}, error) {
		var totalIntel, malicious, highConfidence int64
		if err := h.DB.Model(&model.ThreatIntelligence{}).Count(&totalIntel).Error; err != nil {
			return nil, err
		}
		h.DB.Model(&model.ThreatIntelligence{}).Where("is_malicious = ?", true).Count(&malicious)
		h.DB.Model(&model.ThreatIntelligence{}).Where("abuse_confidence > ?", 90).Count(&highConfidence)

		since := time.Now().Add(-24 * time.Hour)
		var recentEvents int64
		h.DB.Model(&model.ThreatEvent{}).Where("timestamp >= ?", since).Count(&recentEvents)

		var daily []model.ThreatStatistics
		h.DB.Order("date DESC").Limit(30).Find(&daily)

		return gin.H{
			"total_intelligence": totalIntel,
			"malicious_ips":      malicious,
			"high_confidence":    highConfidence,
			"events_24h":         recentEvents,
			"daily":              daily,
		}, nil
	})
}

// TriggerUpdate 手动触发黑名单同步 (staff)
// @Router /threat-intelligence/update [post]
func (h *IntelHandler) TriggerUpdate(c *gin.Context) {
	if _, err := h.AsynqClient.Enqueue(worker.NewIntelUpdateTask()); err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "黑名单同步任务已派发", nil)
}

// CheckIPs 批量查询IP滥用评分 (staff)
// @Router /threat-intelligence/check-ips [post]
func (h *IntelHandler) CheckIPs(c *gin.Context) {
	var req dto.CheckIPsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}
	if req.MaxAgeDays <= 0 {
		req.MaxAgeDays = 90
	}

	records, err := h.Updater.CheckIPs(c.Request.Context(), req.IPs, req.MaxAgeDays)
	if err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, records)
}
