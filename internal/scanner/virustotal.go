package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

// VirusTotalEngine 调用VirusTotal v3 API: 先按哈希查询已有分析, 未收录则上传并轮询
type VirusTotalEngine struct {
	APIKey       string
	BaseURL      string
	Client       *http.Client
	PollInterval time.Duration
	MaxWait      time.Duration
}

func NewVirusTotalEngine(apiKey, baseURL string, maxWait time.Duration) *VirusTotalEngine {
	return &VirusTotalEngine{
		APIKey:       apiKey,
		BaseURL:      baseURL,
		Client:       &http.Client{Timeout: 30 * time.Second},
		PollInterval: 10 * time.Second,
		MaxWait:      maxWait,
	}
}

func (e *VirusTotalEngine) Name() string { return "VirusTotal" }

// vtFileReport /files/{hash} 响应中实际用到的字段
type vtFileReport struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats   map[string]int             `json:"last_analysis_stats"`
			LastAnalysisResults map[string]vtEngineVerdict `json:"last_analysis_results"`
		} `json:"attributes"`
	} `json:"data"`
}

type vtEngineVerdict struct {
	Category string `json:"category"`
	Result   string `json:"result"`
}

type vtAnalysis struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

func (e *VirusTotalEngine) Scan(ctx context.Context, path string) (*EngineResult, error) {
	if e.APIKey == "" {
		return &EngineResult{Engine: e.Name(), Status: StatusSkipped, Message: "VirusTotal scanning disabled"}, nil
	}

	hash, err := FileSHA256(path)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("failed to calculate file hash: %v", err)), nil
	}

	// 优先复用已有分析
	report, status, err := e.fileReport(ctx, hash)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("VirusTotal API error: %v", err)), nil
	}
	if status == http.StatusOK {
		return e.parseReport(report, hash), nil
	}
	if status != http.StatusNotFound {
		return errorResult(e.Name(), fmt.Sprintf("VirusTotal API returned status %d", status)), nil
	}

	// 未收录, 上传并轮询分析结果
	logger.Logger.Info("上传文件至VirusTotal", zap.String("file", path))
	analysisID, err := e.upload(ctx, path)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("VirusTotal upload failed: %v", err)), nil
	}

	deadline := time.Now().Add(e.MaxWait)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(e.PollInterval):
		case <-ctx.Done():
			return errorResult(e.Name(), "VirusTotal scan cancelled"), nil
		}

		completed, err := e.analysisDone(ctx, analysisID)
		if err != nil {
			return errorResult(e.Name(), fmt.Sprintf("error checking analysis status: %v", err)), nil
		}
		if completed {
			report, status, err = e.fileReport(ctx, hash)
			if err != nil || status != http.StatusOK {
				return errorResult(e.Name(), fmt.Sprintf("failed to fetch analysis results: %v", err)), nil
			}
			return e.parseReport(report, hash), nil
		}
	}

	return &EngineResult{
		Engine:  e.Name(),
		Status:  StatusPending,
		Message: "Analysis in progress. Results will be available shortly.",
	}, nil
}

func (e *VirusTotalEngine) fileReport(ctx context.Context, hash string) (*vtFileReport, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/files/"+hash, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("x-apikey", e.APIKey)

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	var report vtFileReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, resp.StatusCode, err
	}
	return &report, resp.StatusCode, nil
}

func (e *VirusTotalEngine) upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-apikey", e.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload returned status %d", resp.StatusCode)
	}

	var analysis vtAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return "", err
	}
	return analysis.Data.ID, nil
}

func (e *VirusTotalEngine) analysisDone(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/analyses/"+id, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("x-apikey", e.APIKey)

	resp, err := e.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("analysis status %d", resp.StatusCode)
	}

	var analysis vtAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return false, err
	}
	return analysis.Data.Attributes.Status == "completed", nil
}

func (e *VirusTotalEngine) parseReport(report *vtFileReport, hash string) *EngineResult {
	stats := report.Data.Attributes.LastAnalysisStats
	malicious := stats["malicious"]
	suspicious := stats["suspicious"]

	var findings []Finding
	for engineName, verdict := range report.Data.Attributes.LastAnalysisResults {
		if verdict.Category != "malicious" && verdict.Category != "suspicious" {
			continue
		}
		name := verdict.Result
		if name == "" {
			name = "Unknown threat"
		}
		severity := model.LevelMedium
		if verdict.Category == "malicious" {
			severity = model.LevelHigh
		}
		findings = append(findings, Finding{
			Name:          name,
			ThreatType:    classifyThreatName(name),
			Severity:      severity,
			Description:   fmt.Sprintf("Detected by %s: %s", engineName, name),
			Location:      hash,
			DetectionRule: engineName,
		})
	}

	// 多数引擎判恶意时给出明确感染结论
	status := StatusClean
	switch {
	case malicious >= 3:
		status = StatusInfected
	case len(findings) > 0:
		status = StatusDetected
	}

	logger.Logger.Info("VirusTotal分析完成",
		zap.String("hash", hash),
		zap.Int("malicious", malicious),
		zap.Int("suspicious", suspicious),
	)
	return &EngineResult{
		Engine:   e.Name(),
		Status:   status,
		Message:  fmt.Sprintf("VirusTotal scan completed. %d malicious, %d suspicious verdicts.", malicious, suspicious),
		Findings: findings,
	}
}

// FileSHA256 分块计算文件SHA-256
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
