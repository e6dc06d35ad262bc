package dto

// RegisterRequest 用户注册参数
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest 账号密码登录参数
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest 刷新token参数
type RefreshRequest struct {
	Refresh string `json:"refresh" binding:"required"`
}

// TokenResponse 登录/刷新后返回的token对
type TokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// ChangePasswordRequest 修改密码参数
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

// UpdateProfileRequest 更新个人信息参数
type UpdateProfileRequest struct {
	Email                *string `json:"email" binding:"omitempty,email"`
	NotifySecurityAlerts *bool   `json:"notify_security_alerts"`
}
