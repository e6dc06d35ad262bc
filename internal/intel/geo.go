package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GeoInfo IP地理位置信息
type GeoInfo struct {
	Country     string  `json:"country_name"`
	CountryCode string  `json:"country_code"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// GeoLocator 通过ipapi.co查询IP地理位置, 供威胁事件填充地图坐标
type GeoLocator struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewGeoLocator() *GeoLocator {
	return &GeoLocator{
		BaseURL:    "https://ipapi.co",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Locate 查询单个IP的位置; 任何失败返回error, 由调用方决定降级方式
func (g *GeoLocator) Locate(ctx context.Context, ip string) (*GeoInfo, error) {
	url := fmt.Sprintf("%s/%s/json/", g.BaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation lookup failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var info GeoInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("invalid geolocation response: %w", err)
	}
	return &info, nil
}
