package scanner

import (
	"context"
	"strings"
	"time"

	"github.com/trojan-defender/internal/model"
)

// EngineStatus 单个引擎一次扫描的结论
type EngineStatus string

const (
	StatusClean EngineStatus = "clean"
	// StatusDetected 引擎有检出, 但不构成整体感染判定, 最终等级由检出总数决定
	StatusDetected EngineStatus = "detected"
	// StatusInfected 引擎给出了明确的恶意判定, 整体等级直接升到high
	StatusInfected EngineStatus = "infected"
	StatusError    EngineStatus = "error"
	StatusSkipped  EngineStatus = "skipped"
	// StatusPending 外部引擎分析未在限定时间内完成
	StatusPending EngineStatus = "pending"
)

// Finding 引擎的单条检出
type Finding struct {
	Name          string            `json:"name"`
	ThreatType    model.ThreatType  `json:"threat_type"`
	Severity      model.ThreatLevel `json:"severity"`
	Description   string            `json:"description"`
	Location      string            `json:"location"`
	DetectionRule string            `json:"detection_rule"`
}

// EngineResult 引擎扫描结果, 引擎内部错误也会被降级为error结果而不是中断整个扫描
type EngineResult struct {
	Engine   string       `json:"engine"`
	Status   EngineStatus `json:"status"`
	Message  string       `json:"message"`
	Findings []Finding    `json:"findings"`
}

// Engine 是所有检测引擎必须实现的接口
type Engine interface {
	Name() string
	// Scan 扫描指定路径的文件; 返回error时由调用方记录为降级结果
	Scan(ctx context.Context, path string) (*EngineResult, error)
}

func errorResult(engine, msg string) *EngineResult {
	return &EngineResult{Engine: engine, Status: StatusError, Message: msg}
}

// withRetry 固定次数的指数退避重试, 从base开始每次翻倍
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// classifyThreatName 根据检出名称推断威胁类别
func classifyThreatName(name string) model.ThreatType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "ransom"):
		return model.ThreatRansomware
	case strings.Contains(lower, "trojan"):
		return model.ThreatTrojan
	case strings.Contains(lower, "spy"):
		return model.ThreatSpyware
	case strings.Contains(lower, "adware"):
		return model.ThreatAdware
	case strings.Contains(lower, "worm"):
		return model.ThreatWorm
	case strings.Contains(lower, "rootkit"):
		return model.ThreatRootkit
	case strings.Contains(lower, "backdoor"):
		return model.ThreatBackdoor
	case strings.Contains(lower, "exploit"):
		return model.ThreatExploit
	case strings.Contains(lower, "virus"), strings.Contains(lower, "eicar"):
		return model.ThreatVirus
	case strings.Contains(lower, "malware"):
		return model.ThreatMalware
	default:
		return model.ThreatOther
	}
}
