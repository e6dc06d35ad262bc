package dto

// CreateYaraRuleRequest 新建YARA规则参数
type CreateYaraRuleRequest struct {
	Name        string   `json:"name" binding:"required,max=100"`
	Description string   `json:"description"`
	RuleContent string   `json:"rule_content" binding:"required"`
	Tags        []string `json:"tags"`
	IsActive    *bool    `json:"is_active"`
}

// UpdateYaraRuleRequest 更新YARA规则参数, nil字段不变更
type UpdateYaraRuleRequest struct {
	Description *string  `json:"description"`
	RuleContent *string  `json:"rule_content"`
	Tags        []string `json:"tags"`
	IsActive    *bool    `json:"is_active"`
}
