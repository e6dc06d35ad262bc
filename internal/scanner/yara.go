package scanner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// YaraEngine 把数据库中全部active规则编译后对文件做模式匹配
type YaraEngine struct {
	DB      *gorm.DB
	Timeout time.Duration
	MaxSize int64
}

func NewYaraEngine(db *gorm.DB, timeout time.Duration, maxSize int64) *YaraEngine {
	return &YaraEngine{DB: db, Timeout: timeout, MaxSize: maxSize}
}

func (e *YaraEngine) Name() string { return "YARA" }

func (e *YaraEngine) Scan(ctx context.Context, path string) (*EngineResult, error) {
	// 读取active规则, 数据库查询3次重试
	var rules []model.YaraRule
	err := withRetry(ctx, 3, time.Second, func() error {
		return e.DB.WithContext(ctx).Where("is_active = ?", true).Find(&rules).Error
	})
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("failed to fetch YARA rules after 3 attempts: %v", err)), nil
	}

	if len(rules) == 0 {
		logger.Logger.Warn("无可用YARA规则")
		return &EngineResult{Engine: e.Name(), Status: StatusClean, Message: "No YARA rules available for scanning"}, nil
	}

	sources := make(map[string]string, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.RuleContent) == "" {
			logger.Logger.Warn("跳过空规则", zap.String("rule", r.Name))
			continue
		}
		sources[r.Name] = r.RuleContent
	}

	// 编译3次重试; 单条规则语法错误只跳过该条
	var ruleset *Ruleset
	err = withRetry(ctx, 3, time.Second, func() error {
		rs, failed := CompileRules(sources)
		for name, ferr := range failed {
			logger.Logger.Warn("YARA规则编译失败", zap.String("rule", name), zap.Error(ferr))
		}
		if len(rs.Rules) == 0 {
			return fmt.Errorf("no valid YARA rules compiled (%d failed)", len(failed))
		}
		ruleset = rs
		return nil
	})
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("YARA rules compilation failed after 3 attempts: %v", err)), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("file not found: %s", path)), nil
	}
	if e.MaxSize > 0 && info.Size() > e.MaxSize {
		logger.Logger.Warn("文件过大, 跳过YARA扫描", zap.Int64("size", info.Size()), zap.Int64("max", e.MaxSize))
		return &EngineResult{
			Engine:  e.Name(),
			Status:  StatusSkipped,
			Message: fmt.Sprintf("File too large for YARA scan: %d bytes", info.Size()),
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("file not readable: %v", err)), nil
	}

	// 带超时执行匹配
	matchCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	type matchOut struct{ matches []Match }
	done := make(chan matchOut, 1)
	go func() {
		done <- matchOut{ruleset.MatchBytes(data)}
	}()

	var matches []Match
	select {
	case out := <-done:
		matches = out.matches
	case <-matchCtx.Done():
		return errorResult(e.Name(), "YARA scan timeout"), nil
	}

	var findings []Finding
	for _, m := range matches {
		severity := severityFromTags(m.Tags)
		findings = append(findings, Finding{
			Name:          m.Rule,
			ThreatType:    threatTypeFromTags(m.Tags),
			Severity:      severity,
			Description:   fmt.Sprintf("YARA rule match: %s", m.Rule),
			Location:      path,
			DetectionRule: m.Rule,
		})
		logger.Logger.Info("YARA规则命中",
			zap.String("rule", m.Rule),
			zap.String("severity", string(severity)),
			zap.String("file", path),
		)
	}

	status := StatusClean
	if len(findings) > 0 {
		status = StatusDetected
	}
	return &EngineResult{
		Engine:   e.Name(),
		Status:   status,
		Message:  fmt.Sprintf("YARA scan completed. Found %d threats.", len(findings)),
		Findings: findings,
	}, nil
}

// severityFromTags 根据规则tag推断严重度, 默认medium
func severityFromTags(tags []string) model.ThreatLevel {
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "critical", "high", "malware", "trojan", "virus":
			return model.LevelHigh
		}
	}
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "low", "info", "suspicious":
			return model.LevelLow
		}
	}
	return model.LevelMedium
}

func threatTypeFromTags(tags []string) model.ThreatType {
	for _, tag := range tags {
		if t := classifyThreatName(tag); t != model.ThreatOther {
			return t
		}
	}
	return model.ThreatOther
}
