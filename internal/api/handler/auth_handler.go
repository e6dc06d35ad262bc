package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/trojan-defender/internal/api/dto"
	"github.com/trojan-defender/internal/api/middleware"
	"github.com/trojan-defender/internal/api/response"
	"github.com/trojan-defender/internal/auth"
	"github.com/trojan-defender/internal/model"
	"gorm.io/gorm"
)

type AuthHandler struct {
	DB      *gorm.DB
	Manager *auth.Manager
}

func NewAuthHandler(db *gorm.DB, manager *auth.Manager) *AuthHandler {
	return &AuthHandler{DB: db, Manager: manager}
}

// Register 用户注册
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}

	var count int64
	h.DB.Model(&model.User{}).Where("username = ? OR email = ?", req.Username, req.Email).Count(&count)
	if count > 0 {
		response.Fail(c, "用户名或邮箱已被占用")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		response.ServerError(c, err)
		return
	}
	user := model.User{
		Username:             req.Username,
		Email:                req.Email,
		PasswordHash:         hash,
		IsActive:             true,
		NotifySecurityAlerts: true,
	}
	if err := h.DB.Create(&user).Error; err != nil {
		response.ServerError(c, err)
		return
	}

	pair, err := h.Manager.IssuePair(user.ID, user.Username, user.IsStaff)
	if err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "注册成功", dto.TokenResponse{Access: pair.Access, Refresh: pair.Refresh})
}

// Login 账号密码登录, 颁发access/refresh token对
// @Router /auth/token [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}

	var user model.User
	if err := h.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Unauthorized(c, "用户名或密码错误")
			return
		}
		response.ServerError(c, err)
		return
	}
	if !user.IsActive || !auth.CheckPassword(user.PasswordHash, req.Password) {
		response.Unauthorized(c, "用户名或密码错误")
		return
	}

	pair, err := h.Manager.IssuePair(user.ID, user.Username, user.IsStaff)
	if err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, dto.TokenResponse{Access: pair.Access, Refresh: pair.Refresh})
}

// Refresh 用refresh token换新的access token
// @Router /auth/token/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req dto.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}

	claims, err := h.Manager.ParseRefresh(req.Refresh)
	if err != nil {
		response.Unauthorized(c, "refresh token无效")
		return
	}

	// 用户可能在token有效期内被禁用
	var user model.User
	if err := h.DB.First(&user, claims.UserID).Error; err != nil || !user.IsActive {
		response.Unauthorized(c, "refresh token无效")
		return
	}

	pair, err := h.Manager.IssuePair(user.ID, user.Username, user.IsStaff)
	if err != nil {
		response.ServerError(c, err)
		return
	}
	response.Ok(c, dto.TokenResponse{Access: pair.Access, Refresh: pair.Refresh})
}

// Profile 获取当前用户信息
// @Router /auth/profile [get]
func (h *AuthHandler) Profile(c *gin.Context) {
	var user model.User
	if err := h.DB.First(&user, middleware.CurrentUserID(c)).Error; err != nil {
		response.NotFound(c)
		return
	}
	response.Ok(c, user)
}

// UpdateProfile 更新当前用户信息
// @Router /auth/profile [patch]
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	var req dto.UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}

	updates := make(map[string]interface{})
	if req.Email != nil {
		updates["email"] = *req.Email
	}
	if req.NotifySecurityAlerts != nil {
		updates["notify_security_alerts"] = *req.NotifySecurityAlerts
	}
	if len(updates) == 0 {
		response.Fail(c, "没有可更新的字段")
		return
	}

	if err := h.DB.Model(&model.User{}).Where("id = ?", middleware.CurrentUserID(c)).Updates(updates).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "更新成功", nil)
}

// ChangePassword 修改密码
// @Router /auth/password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req dto.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误", err)
		return
	}

	var user model.User
	if err := h.DB.First(&user, middleware.CurrentUserID(c)).Error; err != nil {
		response.NotFound(c)
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.OldPassword) {
		response.Fail(c, "旧密码不正确")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		response.ServerError(c, err)
		return
	}
	if err := h.DB.Model(&user).Update("password_hash", hash).Error; err != nil {
		response.ServerError(c, err)
		return
	}
	response.OkWithMessage(c, "密码已修改", nil)
}
