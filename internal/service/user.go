package service

import (
	"context"
	"errors"
	"time"

	"github.com/ramanand00/Nuvyra-x/internal/auth"
	"github.com/ramanand00/Nuvyra-x/internal/config"
	"github.com/ramanand00/Nuvyra-x/internal/email"
	"github.com/ramanand00/Nuvyra-x/internal/models"
	"github.com/ramanand00/Nuvyra-x/internal/verify"

	"gorm.io/gorm"
)

// UserService 封装注册、验证、登录、搜索等用户相关的业务逻辑。
type UserService struct {
	db     *gorm.DB
	cfg    config.Config
	codes  *verify.Store
	mailer email.Sender
}

func NewUserService(db *gorm.DB, cfg config.Config, codes *verify.Store, mailer email.Sender) *UserService {
	return &UserService{db: db, cfg: cfg, codes: codes, mailer: mailer}
}

// UserDTO 是对外输出的用户展示数据。
type UserDTO struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Mobile string `json:"mobile,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

func toUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Name: u.Name, Email: u.Email, Mobile: u.Mobile, Avatar: u.Avatar}
}

// Register 不直接建用户，先给邮箱发验证码；用户在 VerifyCode 时才落库。
func (s *UserService) Register(ctx context.Context, email string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrEmailTaken
	}
	code, err := s.codes.Issue(ctx, email)
	if err != nil {
		return err
	}
	return s.mailer.SendVerificationCode(email, code)
}

// AuthResult 验证或登录成功后返回的数据。
type AuthResult struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	User         UserDTO `json:"user"`
}

// VerifyCode 消费验证码并创建已验证用户，随即签发 token 对。
func (s *UserService) VerifyCode(ctx context.Context, emailAddr, code, name, mobile, password string) (*AuthResult, error) {
	if err := s.codes.Consume(ctx, emailAddr, code); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Name: name, Email: emailAddr, Mobile: mobile, PasswordHash: hash, IsVerified: true}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, user)
}

// Login 校验邮箱密码并签发 token 对；未验证的账号拒绝登录。
func (s *UserService) Login(ctx context.Context, emailAddr, password string) (*AuthResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", emailAddr).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsVerified {
		return nil, ErrNotVerified
	}
	now := time.Now()
	s.db.WithContext(ctx).Model(&user).Update("last_seen", &now)
	return s.issueTokens(ctx, user)
}

func (s *UserService) issueTokens(ctx context.Context, user models.User) (*AuthResult, error) {
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), user.ID, rt, exp); err != nil {
		return nil, err
	}
	return &AuthResult{AccessToken: at, RefreshToken: rt, User: toUserDTO(user)}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ChangePassword 校验旧密码后更新为新密码。
func (s *UserService) ChangePassword(ctx context.Context, userID uint, current, next string) error {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if !auth.VerifyPassword(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&user).Update("password_hash", hash).Error
}

// Search 按姓名或邮箱做大小写不敏感的子串搜索，排除自己。
func (s *UserService) Search(ctx context.Context, q string, selfID uint, limit int) ([]UserDTO, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	pattern := "%" + q + "%"
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("id <> ?", selfID).
		Where("lower(name) LIKE lower(?) OR lower(email) LIKE lower(?)", pattern, pattern).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toUserDTO(u))
	}
	return out, nil
}

// GetByID 返回单个用户的展示数据。
func (s *UserService) GetByID(ctx context.Context, id uint) (*UserDTO, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	dto := toUserDTO(user)
	return &dto, nil
}
