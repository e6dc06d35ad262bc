package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/trojan-defender/internal/model"
)

func detected(engine string, count int) *EngineResult {
	r := &EngineResult{Engine: engine, Status: StatusDetected}
	for i := 0; i < count; i++ {
		r.Findings = append(r.Findings, Finding{Name: "Test.Threat", Severity: model.LevelMedium})
	}
	return r
}

func TestDetermineThreatLevel_ByFindingCount(t *testing.T) {
	cases := []struct {
		name     string
		findings int
		want     model.ThreatLevel
	}{
		{"zero findings is clean", 0, model.LevelClean},
		{"single finding is low", 1, model.LevelLow},
		{"two findings is medium", 2, model.LevelMedium},
		{"three findings is high", 3, model.LevelHigh},
		{"many findings is high", 7, model.LevelHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results := []*EngineResult{
				detected("ClamAV", tc.findings),
				{Engine: "YARA", Status: StatusClean},
			}
			assert.Equal(t, tc.want, DetermineThreatLevel(results))
		})
	}
}

func TestDetermineThreatLevel_FindingsAcrossEngines(t *testing.T) {
	results := []*EngineResult{
		detected("ClamAV", 1),
		detected("YARA", 1),
	}
	assert.Equal(t, model.LevelMedium, DetermineThreatLevel(results))
}

func TestDetermineThreatLevel_InfectedOverridesCount(t *testing.T) {
	results := []*EngineResult{
		{Engine: "ClamAV", Status: StatusClean},
		{Engine: "VirusTotal", Status: StatusInfected, Findings: []Finding{{Name: "Evil"}}},
	}
	assert.Equal(t, model.LevelHigh, DetermineThreatLevel(results))
}

func TestDetermineThreatLevel_AllEnginesFailed(t *testing.T) {
	results := []*EngineResult{
		errorResult("ClamAV", "connection refused"),
		errorResult("YARA", "compile error"),
		errorResult("VirusTotal", "timeout"),
	}
	assert.Equal(t, model.LevelUnknown, DetermineThreatLevel(results))
}

func TestDetermineThreatLevel_ErrorWithFindingsIsNotUnknown(t *testing.T) {
	// 部分引擎失败但有检出时, 等级由检出决定
	results := []*EngineResult{
		errorResult("ClamAV", "connection refused"),
		detected("YARA", 1),
	}
	assert.Equal(t, model.LevelLow, DetermineThreatLevel(results))
}

func TestDetermineThreatLevel_SkippedEnginesIgnored(t *testing.T) {
	// 只剩跳过的引擎时不算unknown
	results := []*EngineResult{
		{Engine: "VirusTotal", Status: StatusSkipped},
	}
	assert.Equal(t, model.LevelClean, DetermineThreatLevel(results))

	// 跳过的引擎不参与all-failed判断
	results = []*EngineResult{
		{Engine: "VirusTotal", Status: StatusSkipped},
		errorResult("ClamAV", "down"),
	}
	assert.Equal(t, model.LevelUnknown, DetermineThreatLevel(results))
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, model.LevelClean, MaxSeverity(nil))

	threats := []model.ScanThreat{
		{Severity: model.LevelLow},
		{Severity: model.LevelHigh},
		{Severity: model.LevelMedium},
	}
	assert.Equal(t, model.LevelHigh, MaxSeverity(threats))

	// 严重度缺失的检出至少算low
	assert.Equal(t, model.LevelLow, MaxSeverity([]model.ScanThreat{{Name: "x"}}))
}
