package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreatLevelRank(t *testing.T) {
	assert.Less(t, LevelClean.Rank(), LevelLow.Rank())
	assert.Less(t, LevelLow.Rank(), LevelMedium.Rank())
	assert.Less(t, LevelMedium.Rank(), LevelHigh.Rank())
	assert.Less(t, LevelHigh.Rank(), LevelCritical.Rank())
	// unknown与clean同级, 不会压过任何实际检出等级
	assert.Equal(t, LevelClean.Rank(), LevelUnknown.Rank())
	// 非法值按clean处理
	assert.Equal(t, 0, ThreatLevel("bogus").Rank())
}

func TestScanResultEscalate_MonotonicIncrease(t *testing.T) {
	scan := &ScanResult{ThreatLevel: LevelClean}

	assert.True(t, scan.Escalate(LevelLow))
	assert.Equal(t, LevelLow, scan.ThreatLevel)

	assert.True(t, scan.Escalate(LevelHigh))
	assert.Equal(t, LevelHigh, scan.ThreatLevel)
}

func TestScanResultEscalate_NeverDowngrades(t *testing.T) {
	scan := &ScanResult{ThreatLevel: LevelHigh}

	assert.False(t, scan.Escalate(LevelMedium))
	assert.Equal(t, LevelHigh, scan.ThreatLevel)

	assert.False(t, scan.Escalate(LevelClean))
	assert.Equal(t, LevelHigh, scan.ThreatLevel)

	assert.False(t, scan.Escalate(LevelUnknown))
	assert.Equal(t, LevelHigh, scan.ThreatLevel)
}

func TestScanResultEscalate_SameLevelNoChange(t *testing.T) {
	scan := &ScanResult{ThreatLevel: LevelMedium}
	assert.False(t, scan.Escalate(LevelMedium))
	assert.Equal(t, LevelMedium, scan.ThreatLevel)
}

func TestScanResultTerminal(t *testing.T) {
	assert.False(t, (&ScanResult{Status: StatusPending}).Terminal())
	assert.False(t, (&ScanResult{Status: StatusScanning}).Terminal())
	assert.True(t, (&ScanResult{Status: StatusCompleted}).Terminal())
	assert.True(t, (&ScanResult{Status: StatusFailed}).Terminal())
}
