package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/trojan-defender/internal/api/dto"
	"github.com/trojan-defender/internal/api/middleware"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/internal/scanner"
	"gorm.io/gorm"
)

type YaraHandler struct {
	DB *gorm.DB
}

func NewYaraHandler(db *gorm.DB) *YaraHandler {
	return &YaraHandler{DB: db}
}

// CreateRule 新建YARA规则, 入库前先编译校验
// @Router /scanner/yara-rules [post]
func (h *YaraHandler) CreateRule(c *gin.Context) {
	var req dto.CreateYaraRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}

	if _, failures := scanner.CompileRules(map[string]string{req.Name: req.RuleContent}); len(failures) > 0 {
		for _, err := range failures {
			response.Fail(c, "规则编译失败: "+err.Error())
			return
		}
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rule := model.YaraRule{
		Name:        req.Name,
		Description: req.Description,
		RuleContent: req.RuleContent,
		Tags:        pq.StringArray(req.Tags),
		IsActive:    active,
		CreatedBy:   middleware.CurrentUserID(c),
	}
	if err := h.DB.Create(&rule).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "创建成功", rule)
}

// ListRules 规则列表
// @Router /scanner/yara-rules [get]
func (h *YaraHandler) ListRules(c *gin.Context) {
	var req dto.PaginationRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}
	req.Normalize()

	var total int64
	if err := h.DB.Model(&model.YaraRule{}).Count(&total).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	var rules []model.YaraRule
	if err := h.DB.Order("created_at DESC").Offset(req.Offset()).Limit(req.PageSize).Find(&rules).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, dto.PaginationResponse{Total: total, Page: req.Page, PageSize: req.PageSize, List: rules})
}

// GetRule 单条规则详情
// @Router /scanner/yara-rules/{id} [get]
func (h *YaraHandler) GetRule(c *gin.Context) {
	var rule model.YaraRule
	if err := h.DB.First(&rule, c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c)
			return
		}
		response.ServerError(c, err)
		return
	}
	response.Ok(c, rule)
}

// UpdateRule 更新规则, 内容变更时重新编译校验
// @Router /scanner/yara-rules/{id} [put]
func (h *YaraHandler) UpdateRule(c *gin.Context) {
	var rule model.YaraRule
	if err := h.DB.First(&rule, c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c)
			return
		}
		response.ServerError(c, err)
		return
	}

	var req dto.UpdateYaraRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}

	updates := make(map[string]interface{})
	if req.RuleContent != nil {
		if _, failures := scanner.CompileRules(map[string]string{rule.Name: *req.RuleContent}); len(failures) > 0 {
			for _, err := range failures {
				response.Fail(c, "规则编译失败: "+err.Error())
				return
			}
		}
		updates["rule_content"] = *req.RuleContent
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Tags != nil {
		updates["tags"] = pq.StringArray(req.Tags)
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) == 0 {
		response.Fail(c, "没有可更新的字段")
		return
	}

	if err := h.DB.Model(&rule).Updates(updates).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "更新成功", rule)
}

// DeleteRule 删除规则
// @Router /scanner/yara-rules/{id} [delete]
func (h *YaraHandler) DeleteRule(c *gin.Context) {
	result := h.DB.Unscoped().Delete(&model.YaraRule{}, c.Param("id"))
	if result.Error != nil {
		response.ServerError(c, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		response.NotFound(c)
		return
	}
	response.OkWithMessage(c, "删除成功", nil)
}
