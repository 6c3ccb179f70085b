package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ramanand00/Nuvyra-x/internal/auth"
	"github.com/ramanand00/Nuvyra-x/internal/service"
	"github.com/ramanand00/Nuvyra-x/internal/verify"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	chatSvc *service.ChatService
}

func NewHandler(userSvc *service.UserService, chatSvc *service.ChatService) *Handler {
	return &Handler{userSvc: userSvc, chatSvc: chatSvc}
}

// Register 校验注册信息并给邮箱发送验证码，此时还不创建用户。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Mobile   string `json:"mobile"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if err := h.userSvc.Register(c.Request.Context(), req.Email); err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user already exists with this email"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "verification code sent to your email", "email": req.Email})
}

// VerifyCode 消费验证码、创建用户并直接返回登录态。
func (h *Handler) VerifyCode(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Mobile   string `json:"mobile"`
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	if req.Email == "" || req.Code == "" || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.VerifyCode(c.Request.Context(), req.Email, req.Code, req.Name, req.Mobile, req.Password)
	if err != nil {
		if errors.Is(err, verify.ErrCodeInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid verification code"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("verify code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          result.User,
	})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		if errors.Is(err, service.ErrNotVerified) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "please verify your email first"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          result.User,
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// ChangePassword 处理修改密码请求。
func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.NewPassword) < 4 || len(req.NewPassword) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	err := h.userSvc.ChangePassword(c.Request.Context(), auth.GetUserID(c), req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "current password is incorrect"})
			return
		}
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("change password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to change password"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated successfully"})
}

// SearchUsers 按姓名或邮箱搜索用户，排除当前用户。
func (h *Handler) SearchUsers(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if len(q) < 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "search query must be at least 2 characters long"})
		return
	}
	users, err := h.userSvc.Search(c.Request.Context(), q, auth.GetUserID(c), 20)
	if err != nil {
		log.Error().Err(err).Str("q", q).Msg("search users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// GetUser 按 ID 返回用户展示数据。
func (h *Handler) GetUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	user, err := h.userSvc.GetByID(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		log.Error().Err(err).Int("id", id).Msg("get user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// ListChats 返回当前用户的会话列表，按最近活跃排序。
func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chatSvc.ListChats(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg("list chats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// CreateChat 查找或创建与指定用户的会话，两种情况都返回同一会话。
func (h *Handler) CreateChat(c *gin.Context) {
	var req struct {
		ParticipantID uint `json:"participant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	chat, err := h.chatSvc.GetOrCreateChat(c.Request.Context(), auth.GetUserID(c), req.ParticipantID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidParticipant):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant"})
		case errors.Is(err, service.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Uint("participant_id", req.ParticipantID).Msg("create chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chat"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// GetChat 返回会话详情，包含完整消息历史。
func (h *Handler) GetChat(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("chatId"))
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	chat, err := h.chatSvc.GetChatDetail(c.Request.Context(), auth.GetUserID(c), uint(chatID))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChatNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		case errors.Is(err, service.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		default:
			log.Error().Err(err).Int("chat_id", chatID).Msg("get chat")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get chat"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// SendMessage 持久化消息并触发实时广播，响应只反映持久化结果。
func (h *Handler) SendMessage(c *gin.Context) {
	chatID, err := strconv.Atoi(c.Param("chatId"))
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.chatSvc.SendMessage(c.Request.Context(), auth.GetUserID(c), uint(chatID), req.Content)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidContent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message content is empty or too long"})
		case errors.Is(err, service.ErrChatNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		case errors.Is(err, service.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		default:
			log.Error().Err(err).Int("chat_id", chatID).Uint("user_id", auth.GetUserID(c)).Msg("send message")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}
