package dto

// ListThreatsRequest 情报列表过滤参数
type ListThreatsRequest struct {
	PaginationRequest
	CountryCode   string `form:"country_code"`
	MinConfidence int    `form:"min_confidence"`
	MaliciousOnly bool   `form:"malicious_only"`
}

// ListEventsRequest 威胁事件过滤参数
type ListEventsRequest struct {
	PaginationRequest
	EventType string `form:"event_type"`
	Severity  string `form:"severity"`
	Hours     int    `form:"hours,default=24"`
}

// CheckIPsRequest 批量IP查询参数
type CheckIPsRequest struct {
	IPs        []string `json:"ips" binding:"required,min=1,max=20,dive,ip"`
	MaxAgeDays int      `json:"max_age_days"`
}

// MapPoint 威胁地图上的一个坐标点
type MapPoint struct {
	IPAddress string  `json:"ip_address,omitempty"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Severity  string  `json:"severity"`
	Count     int64   `json:"count"`
}
