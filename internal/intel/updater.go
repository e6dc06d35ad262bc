package intel

import (
	"context"
	"errors"
	"time"

	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Updater 把AbuseIPDB数据同步到本地情报库并产生威胁事件
type Updater struct {
	DB        *gorm.DB
	Client    *Client
	Publisher *bus.Publisher
	Geo       *GeoLocator
}

func NewUpdater(db *gorm.DB, client *Client, publisher *bus.Publisher, geo *GeoLocator) *Updater {
	return &Updater{DB: db, Client: client, Publisher: publisher, Geo: geo}
}

// UpdateFromBlacklist 全量同步黑名单。返回(是否有更新, 错误)。
// 单条入库失败只记日志跳过, 不影响其余条目。
func (u *Updater) UpdateFromBlacklist(ctx context.Context) (bool, error) {
	if !u.Client.Enabled() {
		logger.Logger.Warn("AbuseIPDB API key未配置, 跳过黑名单同步")
		return false, nil
	}

	entries, err := u.Client.FetchBlacklist(ctx)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		logger.Logger.Info("AbuseIPDB黑名单为空, 无需更新")
		return false, nil
	}

	created, updated := 0, 0
	for _, entry := range entries {
		if entry.IPAddress == "" {
			continue
		}
		isNew, err := u.upsertEntry(ctx, entry)
		if err != nil {
			logger.Logger.Error("黑名单条目入库失败", zap.String("ip", entry.IPAddress), zap.Error(err))
			continue
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}

	if err := u.updateDailyStatistics(); err != nil {
		logger.Logger.Error("更新情报日统计失败", zap.Error(err))
	}

	logger.Logger.Info("黑名单同步完成",
		zap.Int("total", len(entries)),
		zap.Int("created", created),
		zap.Int("updated", updated),
	)
	return created+updated > 0, nil
}

// upsertEntry 以IP为键upsert, 新增的高置信度IP额外产生威胁事件
func (u *Updater) upsertEntry(ctx context.Context, entry BlacklistEntry) (bool, error) {
	var lastReported *time.Time
	if entry.LastReportedAt != "" {
		if t, err := time.Parse(time.RFC3339, entry.LastReportedAt); err == nil {
			lastReported = &t
		}
	}

	var existing model.ThreatIntelligence
	err := u.DB.Where("ip_address = ?", entry.IPAddress).First(&existing).Error
	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return false, err
	}

	record := model.ThreatIntelligence{
		IPAddress:       entry.IPAddress,
		CountryCode:     entry.CountryCode,
		IsMalicious:     true,
		AbuseConfidence: entry.AbuseConfidenceScore,
		LastReportedAt:  lastReported,
		SourceAPI:       "abuseipdb",
	}
	err = u.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ip_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"country_code", "is_malicious", "abuse_confidence", "last_reported_at", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return false, err
	}

	if isNew {
		if record.ID == 0 {
			// OnConflict路径下主键可能未回填
			u.DB.Where("ip_address = ?", entry.IPAddress).First(&record)
		}
		u.createBlacklistEvent(ctx, &record)
	}
	return isNew, nil
}

func (u *Updater) createBlacklistEvent(ctx context.Context, record *model.ThreatIntelligence) {
	severity := model.LevelMedium
	if record.AbuseConfidence > 90 {
		severity = model.LevelHigh
	}
	event := model.ThreatEvent{
		EventType:            "blacklist_detection",
		ThreatType:           model.ThreatOther,
		Severity:             severity,
		ThreatIntelligenceID: &record.ID,
		IPAddress:            record.IPAddress,
		Country:              record.CountryName,
		Description:          "New malicious IP from AbuseIPDB blacklist",
	}
	u.geolocate(ctx, &event)
	if err := u.DB.Create(&event).Error; err != nil {
		logger.Logger.Error("创建黑名单威胁事件失败", zap.String("ip", record.IPAddress), zap.Error(err))
		return
	}
	u.Publisher.PublishThreatEvent(ctx, &event)
}

// geolocate 为事件补充地图坐标; 查询失败时事件保留零坐标继续入库
func (u *Updater) geolocate(ctx context.Context, event *model.ThreatEvent) {
	if u.Geo == nil || event.IPAddress == "" {
		return
	}
	info, err := u.Geo.Locate(ctx, event.IPAddress)
	if err != nil {
		logger.Logger.Warn("地理位置查询失败", zap.String("ip", event.IPAddress), zap.Error(err))
		return
	}
	if info.Country != "" {
		event.Country = info.Country
	}
	event.City = info.City
	event.Latitude = info.Latitude
	event.Longitude = info.Longitude
}

// CheckIPs 批量查询IP并入库, 返回查询结果。置信度>25视为恶意。
func (u *Updater) CheckIPs(ctx context.Context, ips []string, maxAgeDays int) ([]model.ThreatIntelligence, error) {
	var records []model.ThreatIntelligence
	for _, ip := range ips {
		result, err := u.Client.CheckIP(ctx, ip, maxAgeDays)
		if err != nil {
			logger.Logger.Error("IP查询失败", zap.String("ip", ip), zap.Error(err))
			continue
		}

		var lastReported *time.Time
		if result.LastReportedAt != "" {
			if t, err := time.Parse(time.RFC3339, result.LastReportedAt); err == nil {
				lastReported = &t
			}
		}
		record := model.ThreatIntelligence{
			IPAddress:       result.IPAddress,
			CountryCode:     result.CountryCode,
			CountryName:     result.CountryName,
			IsMalicious:     result.AbuseConfidenceScore > 25,
			AbuseConfidence: result.AbuseConfidenceScore,
			UsageType:       result.UsageType,
			ISP:             result.ISP,
			Domain:          result.Domain,
			LastReportedAt:  lastReported,
			SourceAPI:       "abuseipdb",
		}
		err = u.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "ip_address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"country_code", "country_name", "is_malicious", "abuse_confidence",
				"usage_type", "isp", "domain", "last_reported_at", "updated_at",
			}),
		}).Create(&record).Error
		if err != nil {
			logger.Logger.Error("IP查询结果入库失败", zap.String("ip", ip), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// updateDailyStatistics 重算当日情报统计
func (u *Updater) updateDailyStatistics() error {
	today := todayUTC()

	var total, high, created int64
	if err := u.DB.Model(&model.ThreatIntelligence{}).Where("is_malicious = ?", true).Count(&total).Error; err != nil {
		return err
	}
	u.DB.Model(&model.ThreatIntelligence{}).
		Where("is_malicious = ? AND abuse_confidence > ?", true, 90).Count(&high)
	u.DB.Model(&model.ThreatIntelligence{}).
		Where("created_at >= ?", today).Count(&created)

	topCountries := map[string]interface{}{}
	rows, err := u.DB.Model(&model.ThreatIntelligence{}).
		Select("country_code, count(*) as cnt").
		Where("is_malicious = ? AND country_code <> ''", true).
		Group("country_code").Order("cnt DESC").Limit(10).Rows()
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var code string
			var cnt int64
			if rows.Scan(&code, &cnt) == nil {
				topCountries[code] = cnt
			}
		}
	}

	typeDist, sevDist := u.eventDistributions(today)

	stats := model.ThreatStatistics{
		Date:                  today,
		TotalThreats:          total,
		NewThreats:            created,
		HighConfidenceThreats: high,
		TopCountries:          topCountries,
		TypeDistribution:      typeDist,
		SeverityDistribution:  sevDist,
	}
	return u.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_threats", "new_threats", "high_confidence_threats",
			"top_countries", "type_distribution", "severity_distribution", "updated_at",
		}),
	}).Create(&stats).Error
}

// eventDistributions 当日威胁事件按类型与严重度的分布
func (u *Updater) eventDistributions(since time.Time) (model.JSONB, model.JSONB) {
	typeDist := map[string]interface{}{}
	sevDist := map[string]interface{}{}

	rows, err := u.DB.Model(&model.ThreatEvent{}).
		Select("threat_type, severity, count(*) as cnt").
		Where("timestamp >= ?", since).
		Group("threat_type").Group("severity").Rows()
	if err != nil {
		logger.Logger.Error("统计事件分布失败", zap.Error(err))
		return typeDist, sevDist
	}
	defer rows.Close()

	for rows.Next() {
		var threatType, severity string
		var cnt int64
		if rows.Scan(&threatType, &severity, &cnt) != nil {
			continue
		}
		if prev, ok := typeDist[threatType].(int64); ok {
			typeDist[threatType] = prev + cnt
		} else {
			typeDist[threatType] = cnt
		}
		if prev, ok := sevDist[severity].(int64); ok {
			sevDist[severity] = prev + cnt
		} else {
			sevDist[severity] = cnt
		}
	}
	return typeDist, sevDist
}

// PurgeStale 清理超过保留期的情报与事件
func (u *Updater) PurgeStale(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result := u.DB.Where("updated_at < ?", cutoff).Delete(&model.ThreatIntelligence{})
	if result.Error != nil {
		return 0, result.Error
	}
	u.DB.Where("timestamp < ?", cutoff).Delete(&model.ThreatEvent{})
	return result.RowsAffected, nil
}

func todayUTC() time.Time {
	y, m, d := time.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
