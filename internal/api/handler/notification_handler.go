package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/trojan-defender/internal/api/dto"
	"github.com/trojan-defender/internal/api/middleware"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/internal/model"
	"gorm.io/gorm"
)

type NotificationHandler struct {
	DB *gorm.DB
}

func NewNotificationHandler(db *gorm.DB) *NotificationHandler {
	return &NotificationHandler{DB: db}
}

// List 当前用户的通知列表
// @Router /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	var req dto.ListNotificationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}
	req.Normalize()

	query := h.DB.Model(&model.Notification{}).Where("user_id = ?", middleware.CurrentUserID(c))
	if req.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	var list []model.Notification
	if err := query.Order("created_at DESC").Offset(req.Offset()).Limit(req.PageSize).Find(&list).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, dto.PaginationResponse{Total: total, Page: req.Page, PageSize: req.PageSize, List: list})
}

// UnreadCount 未读数
// @Router /notifications/unread-count [get]
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	var count int64
	if err := h.DB.Model(&model.Notification{}).
		Where("user_id = ? AND is_read = ?", middleware.CurrentUserID(c), false).
		Count(&count).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, gin.H{"unread": count})
}

// MarkRead 标记单条已读
// @Router /notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	var notification model.Notification
	err := h.DB.Where("id = ? AND user_id = ?", c.Param("id"), middleware.CurrentUserID(c)).
		First(&notification).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c)
			return
		}
		response.ServerError(c, err)
		return
	}

	if err := notification.MarkRead(h.DB); err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "已标记为已读", nil)
}

// MarkAllRead 全部已读
// @Router /notifications/mark-all-read [post]
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	err := h.DB.Model(&model.Notification{}).
		Where("user_id = ? AND is_read = ?", middleware.CurrentUserID(c), false).
		Update("is_read", true).Error
	if err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "全部通知已标记为已读", nil)
}
