package service

import "errors"

// 业务层通用错误，handler 根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotVerified        = errors.New("email not verified")
	ErrUserNotFound       = errors.New("user not found")
	ErrChatNotFound       = errors.New("chat not found")
	ErrNotParticipant     = errors.New("not a chat participant")
	ErrInvalidContent     = errors.New("invalid message content")
	ErrInvalidParticipant = errors.New("invalid participant")
)
