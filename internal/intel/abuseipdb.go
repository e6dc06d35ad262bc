package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trojan-defender/pkg/config"
)

// BlacklistEntry AbuseIPDB黑名单条目
type BlacklistEntry struct {
	IPAddress            string `json:"ipAddress"`
	CountryCode          string `json:"countryCode"`
	AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
	LastReportedAt       string `json:"lastReportedAt"`
}

// CheckResult AbuseIPDB单IP查询结果
type CheckResult struct {
	IPAddress            string `json:"ipAddress"`
	IsPublic             bool   `json:"isPublic"`
	AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
	CountryCode          string `json:"countryCode"`
	CountryName          string `json:"countryName"`
	UsageType            string `json:"usageType"`
	ISP                  string `json:"isp"`
	Domain               string `json:"domain"`
	TotalReports         int    `json:"totalReports"`
	LastReportedAt       string `json:"lastReportedAt"`
}

type blacklistResponse struct {
	Data []BlacklistEntry `json:"data"`
}

type checkResponse struct {
	Data CheckResult `json:"data"`
}

// Client AbuseIPDB v2 API客户端
type Client struct {
	APIKey     string
	BaseURL    string
	Confidence int
	Limit      int
	HTTPClient *http.Client
}

func NewClient(cfg *config.IntelConfig) *Client {
	return &Client{
		APIKey:     cfg.AbuseIPDBKey,
		BaseURL:    strings.TrimRight(cfg.AbuseIPDBURL, "/"),
		Confidence: cfg.ConfidenceMinimum,
		Limit:      cfg.BlacklistLimit,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled 未配置API key时情报同步整体跳过
func (c *Client) Enabled() bool {
	return c.APIKey != ""
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Key", c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AbuseIPDB返回状态码 %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

// FetchBlacklist 拉取置信度不低于confidenceMinimum的黑名单。
// 接口在部分套餐下返回纯文本(每行一个IP), 此时降级解析。
func (c *Client) FetchBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	query := url.Values{}
	query.Set("confidenceMinimum", strconv.Itoa(c.Confidence))
	query.Set("limit", strconv.Itoa(c.Limit))

	body, err := c.get(ctx, "/blacklist", query)
	if err != nil {
		return nil, err
	}

	var resp blacklistResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		return resp.Data, nil
	}
	return parsePlainBlacklist(body, c.Confidence), nil
}

// CheckIP 查询单个IP的滥用评分
func (c *Client) CheckIP(ctx context.Context, ip string, maxAgeDays int) (*CheckResult, error) {
	query := url.Values{}
	query.Set("ipAddress", ip)
	query.Set("maxAgeInDays", strconv.Itoa(maxAgeDays))

	body, err := c.get(ctx, "/check", query)
	if err != nil {
		return nil, err
	}
	var resp checkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析check响应失败: %v", err)
	}
	return &resp.Data, nil
}

func parsePlainBlacklist(body []byte, confidence int) []BlacklistEntry {
	var entries []BlacklistEntry
	for _, line := range strings.Split(string(body), "\n") {
		ip := strings.TrimSpace(line)
		if ip == "" || strings.HasPrefix(ip, "#") {
			continue
		}
		entries = append(entries, BlacklistEntry{IPAddress: ip, AbuseConfidenceScore: confidence})
	}
	return entries
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
