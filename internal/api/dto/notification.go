package dto

// ListNotificationsRequest 通知列表参数
type ListNotificationsRequest struct {
	PaginationRequest
	UnreadOnly bool `form:"unread_only"`
}
