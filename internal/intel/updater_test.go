package intel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/database"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newIntelTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "intel.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestUpdater(t *testing.T, db *gorm.DB, baseURL, key string) *Updater {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { rdb.Close() })
	client := NewClient(&config.IntelConfig{
		AbuseIPDBKey:      key,
		AbuseIPDBURL:      baseURL,
		ConfidenceMinimum: 25,
		BlacklistLimit:    100,
	})
	return NewUpdater(db, client, bus.NewPublisher(rdb), nil)
}

// geoServer 固定坐标的ipapi.co替身
func geoServer(t *testing.T) *GeoLocator {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(GeoInfo{
			Country:     "Germany",
			CountryCode: "DE",
			City:        "Berlin",
			Latitude:    52.52,
			Longitude:   13.405,
		})
	}))
	t.Cleanup(server.Close)
	return &GeoLocator{BaseURL: server.URL, HTTPClient: server.Client()}
}

func blacklistServer(t *testing.T, entries []BlacklistEntry) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/blacklist", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Key"))
		assert.Equal(t, "25", r.URL.Query().Get("confidenceMinimum"))
		json.NewEncoder(w).Encode(map[string]interface{}{"data": entries})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestUpdateFromBlacklist_CreatesRecordsAndEvents(t *testing.T) {
	now := time.Now().UTC().Format(time.RFC3339)
	server := blacklistServer(t, []BlacklistEntry{
		{IPAddress: "203.0.113.7", CountryCode: "CN", AbuseConfidenceScore: 100, LastReportedAt: now},
		{IPAddress: "198.51.100.3", CountryCode: "US", AbuseConfidenceScore: 60, LastReportedAt: now},
	})

	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, server.URL, "secret")

	changed, err := updater.UpdateFromBlacklist(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	var records []model.ThreatIntelligence
	require.NoError(t, db.Order("ip_address").Find(&records).Error)
	require.Len(t, records, 2)
	assert.True(t, records[0].IsMalicious)

	// 新增的高置信度IP产生severity high的事件, 普通条目是medium
	var high, medium int64
	db.Model(&model.ThreatEvent{}).Where("event_type = ? AND severity = ?", "blacklist_detection", model.LevelHigh).Count(&high)
	db.Model(&model.ThreatEvent{}).Where("event_type = ? AND severity = ?", "blacklist_detection", model.LevelMedium).Count(&medium)
	assert.Equal(t, int64(1), high)
	assert.Equal(t, int64(1), medium)

	// 日统计被写入
	var stats model.ThreatStatistics
	require.NoError(t, db.First(&stats).Error)
	assert.Equal(t, int64(2), stats.TotalThreats)
}

func TestUpdateFromBlacklist_GeolocatesEvents(t *testing.T) {
	server := blacklistServer(t, []BlacklistEntry{
		{IPAddress: "203.0.113.7", CountryCode: "DE", AbuseConfidenceScore: 95},
	})

	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, server.URL, "secret")
	updater.Geo = geoServer(t)

	_, err := updater.UpdateFromBlacklist(context.Background())
	require.NoError(t, err)

	// 新事件带地图坐标, 威胁地图的points才有数据
	var event model.ThreatEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, "Germany", event.Country)
	assert.Equal(t, "Berlin", event.City)
	assert.InDelta(t, 52.52, event.Latitude, 0.001)
	assert.InDelta(t, 13.405, event.Longitude, 0.001)
}

func TestUpdateFromBlacklist_GeoFailureKeepsEvent(t *testing.T) {
	server := blacklistServer(t, []BlacklistEntry{
		{IPAddress: "203.0.113.7", CountryCode: "DE", AbuseConfidenceScore: 95},
	})

	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, server.URL, "secret")
	updater.Geo = &GeoLocator{BaseURL: "http://127.0.0.1:1", HTTPClient: http.DefaultClient}

	_, err := updater.UpdateFromBlacklist(context.Background())
	require.NoError(t, err)

	// 地理查询失败不阻止事件入库, 坐标保持零值
	var events int64
	db.Model(&model.ThreatEvent{}).Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestUpdateDailyStatistics_Distributions(t *testing.T) {
	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, "http://unused.invalid", "secret")

	events := []model.ThreatEvent{
		{EventType: "scan_detection", ThreatType: model.ThreatTrojan, Severity: model.LevelHigh},
		{EventType: "scan_detection", ThreatType: model.ThreatTrojan, Severity: model.LevelMedium},
		{EventType: "blacklist_detection", ThreatType: model.ThreatOther, Severity: model.LevelHigh},
	}
	for i := range events {
		require.NoError(t, db.Create(&events[i]).Error)
	}

	require.NoError(t, updater.updateDailyStatistics())

	var stats model.ThreatStatistics
	require.NoError(t, db.First(&stats).Error)

	// 当日分布与当日事件一一对应
	assert.EqualValues(t, 2, statCount(stats.TypeDistribution, string(model.ThreatTrojan)))
	assert.EqualValues(t, 1, statCount(stats.TypeDistribution, string(model.ThreatOther)))
	assert.EqualValues(t, 2, statCount(stats.SeverityDistribution, string(model.LevelHigh)))
	assert.EqualValues(t, 1, statCount(stats.SeverityDistribution, string(model.LevelMedium)))
}

// statCount JSONB反序列化后数值类型是float64
func statCount(dist model.JSONB, key string) int64 {
	switch v := dist[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return -1
	}
}

func TestUpdateFromBlacklist_UpsertIsIdempotent(t *testing.T) {
	server := blacklistServer(t, []BlacklistEntry{
		{IPAddress: "203.0.113.7", CountryCode: "CN", AbuseConfidenceScore: 95},
	})

	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, server.URL, "secret")

	_, err := updater.UpdateFromBlacklist(context.Background())
	require.NoError(t, err)
	_, err = updater.UpdateFromBlacklist(context.Background())
	require.NoError(t, err)

	var records int64
	db.Model(&model.ThreatIntelligence{}).Count(&records)
	assert.Equal(t, int64(1), records)

	// 重复看到的IP不再产生新事件
	var events int64
	db.Model(&model.ThreatEvent{}).Count(&events)
	assert.Equal(t, int64(1), events)
}

func TestUpdateFromBlacklist_EmptyFeed(t *testing.T) {
	server := blacklistServer(t, nil)
	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, server.URL, "secret")

	changed, err := updater.UpdateFromBlacklist(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdateFromBlacklist_SkippedWithoutKey(t *testing.T) {
	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, "http://unused.invalid", "")

	changed, err := updater.UpdateFromBlacklist(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCheckIPs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check", r.URL.Path)
		ip := r.URL.Query().Get("ipAddress")
		score := 5
		if ip == "203.0.113.7" {
			score = 80
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": CheckResult{
				IPAddress:            ip,
				IsPublic:             true,
				AbuseConfidenceScore: score,
				CountryCode:          "DE",
				ISP:                  "Example ISP",
			},
		})
	}))
	defer server.Close()

	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, server.URL, "secret")

	records, err := updater.CheckIPs(context.Background(), []string{"203.0.113.7", "192.0.2.1"}, 90)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byIP := map[string]model.ThreatIntelligence{}
	for _, r := range records {
		byIP[r.IPAddress] = r
	}
	// 置信度>25判为恶意
	assert.True(t, byIP["203.0.113.7"].IsMalicious)
	assert.False(t, byIP["192.0.2.1"].IsMalicious)
}

func TestParsePlainBlacklist(t *testing.T) {
	body := []byte("# comment line\n203.0.113.7\n\n198.51.100.3\n")
	entries := parsePlainBlacklist(body, 25)
	require.Len(t, entries, 2)
	assert.Equal(t, "203.0.113.7", entries[0].IPAddress)
	assert.Equal(t, 25, entries[0].AbuseConfidenceScore)
}

func TestPurgeStale(t *testing.T) {
	db := newIntelTestDB(t)
	updater := newTestUpdater(t, db, "http://unused.invalid", "secret")

	old := model.ThreatIntelligence{IPAddress: "203.0.113.9", IsMalicious: true}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Model(&old).UpdateColumn("updated_at", time.Now().AddDate(0, 0, -120)).Error)
	fresh := model.ThreatIntelligence{IPAddress: "198.51.100.9", IsMalicious: true}
	require.NoError(t, db.Create(&fresh).Error)

	purged, err := updater.PurgeStale(90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	var remaining int64
	db.Model(&model.ThreatIntelligence{}).Count(&remaining)
	assert.Equal(t, int64(1), remaining)
}
