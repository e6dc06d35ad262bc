package dto

// ListScansRequest 扫描结果列表的过滤参数
type ListScansRequest struct {
	PaginationRequest
	Status      string `form:"status"`
	ThreatLevel string `form:"threat_level"`
}

// ScanSummary 上传成功后返回给前端的摘要
type ScanSummary struct {
	ScanID      string `json:"scan_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	FileHash    string `json:"file_hash"`
	Status      string `json:"status"`
	Deduplicate bool   `json:"deduplicated,omitempty"`
}
