package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trojan-defender/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.YaraRule{}))

	t.Cleanup(func() {
		db.Exec("DELETE FROM yara_rules")
	})
	return db
}

func TestYaraEngine_NoRulesAvailable(t *testing.T) {
	db := newTestDB(t)
	engine := NewYaraEngine(db, 10*time.Second, 0)

	result, err := engine.Scan(context.Background(), writeTempFile(t, "anything at all"))
	require.NoError(t, err)
	assert.Equal(t, StatusClean, result.Status)
	assert.Equal(t, "No YARA rules available for scanning", result.Message)
	assert.Empty(t, result.Findings)
}

func TestYaraEngine_MatchActiveRule(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.YaraRule{
		Name:        "Eicar_Test",
		RuleContent: eicarRule,
		Tags:        pq.StringArray{"virus"},
		IsActive:    true,
	}).Error)

	engine := NewYaraEngine(db, 10*time.Second, 0)
	path := writeTempFile(t, `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)

	result, err := engine.Scan(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, StatusDetected, result.Status)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "Eicar_Test", result.Findings[0].Name)
	// virus tag提升严重度
	assert.Equal(t, model.LevelHigh, result.Findings[0].Severity)
}

func TestYaraEngine_InactiveRulesIgnored(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.YaraRule{
		Name:        "Disabled",
		RuleContent: eicarRule,
		IsActive:    false,
	}).Error)

	engine := NewYaraEngine(db, 10*time.Second, 0)
	result, err := engine.Scan(context.Background(), writeTempFile(t, "EICAR-STANDARD-ANTIVIRUS-TEST-FILE"))
	require.NoError(t, err)
	assert.Equal(t, StatusClean, result.Status)
	assert.Equal(t, "No YARA rules available for scanning", result.Message)
}

func TestYaraEngine_OversizeFileSkipped(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.YaraRule{
		Name:        "Eicar_Test",
		RuleContent: eicarRule,
		IsActive:    true,
	}).Error)

	engine := NewYaraEngine(db, 10*time.Second, 4)
	result, err := engine.Scan(context.Background(), writeTempFile(t, "longer than four bytes"))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
}

func TestYaraEngine_AllRulesInvalid(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&model.YaraRule{
		Name:        "Broken",
		RuleContent: "garbage content without structure",
		IsActive:    true,
	}).Error)

	engine := NewYaraEngine(db, 10*time.Second, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := engine.Scan(ctx, writeTempFile(t, "data"))
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Message, "compilation failed")
}

func TestSeverityFromTags(t *testing.T) {
	assert.Equal(t, model.LevelHigh, severityFromTags([]string{"malware"}))
	assert.Equal(t, model.LevelHigh, severityFromTags([]string{"suspicious", "critical"}))
	assert.Equal(t, model.LevelLow, severityFromTags([]string{"info"}))
	assert.Equal(t, model.LevelMedium, severityFromTags([]string{"unclassified"}))
	assert.Equal(t, model.LevelMedium, severityFromTags(nil))
}
