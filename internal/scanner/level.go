package scanner

import "github.com/trojan-defender/internal/model"

// DetermineThreatLevel 合并多个引擎的结果得到整体威胁等级。
// 优先级: 任一引擎给出感染判定 -> high;
// 否则按检出总数: >=3 -> high, ==2 -> medium, ==1 -> low;
// 所有参与引擎都失败且无任何检出 -> unknown; 其余 -> clean。
func DetermineThreatLevel(results []*EngineResult) model.ThreatLevel {
	findings := 0
	errored := 0
	considered := 0

	for _, r := range results {
		if r == nil || r.Status == StatusSkipped {
			continue
		}
		considered++
		if r.Status == StatusInfected {
			return model.LevelHigh
		}
		if r.Status == StatusError {
			errored++
		}
		findings += len(r.Findings)
	}

	switch {
	case findings >= 3:
		return model.LevelHigh
	case findings == 2:
		return model.LevelMedium
	case findings == 1:
		return model.LevelLow
	}

	if considered > 0 && errored == considered {
		return model.LevelUnknown
	}
	return model.LevelClean
}

// MaxSeverity 返回一组检出中的最高严重度, 无检出时为clean
func MaxSeverity(threats []model.ScanThreat) model.ThreatLevel {
	max := model.LevelClean
	for _, t := range threats {
		if t.Severity.Rank() > max.Rank() {
			max = t.Severity
		}
	}
	// 任何检出至少把等级抬到low
	if len(threats) > 0 && max.Rank() < model.LevelLow.Rank() {
		max = model.LevelLow
	}
	return max
}
