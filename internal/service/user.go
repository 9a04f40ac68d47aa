package service

import (
	"context"
	"time"

	"nexus/internal/auth"
	"nexus/internal/config"
	"nexus/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// UserService 封装注册、登录与 token 刷新。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Register 注册新用户；用户名冲突返回 ErrUsernameTaken。
func (s *UserService) Register(ctx context.Context, username, password string) (*RegisterResult, error) {
	tx := s.db.WithContext(ctx)
	var count int64
	if err := tx.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "count users")
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	user := models.User{Username: username, PasswordHash: hash}
	if err := tx.Create(&user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, errors.Wrap(err, "create user")
	}
	return &RegisterResult{ID: user.ID, Username: user.Username}, nil
}

// TokenPair 是签发给客户端的 token 对。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	TokenPair
	User models.User `json:"-"`
}

// Login 校验用户名密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	tx := s.db.WithContext(ctx)
	var user models.User
	if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, "load user")
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	pair, err := s.issue(tx, user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: *pair, User: user}, nil
}

func (s *UserService) issue(tx *gorm.DB, user models.User) (*TokenPair, error) {
	at, err := auth.GenerateAccessToken(user.ID, user.Username, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, errors.Wrap(err, "sign access token")
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, errors.Wrap(err, "generate refresh token")
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(tx, user.ID, rt, exp); err != nil {
		return nil, errors.Wrap(err, "save refresh token")
	}
	return &TokenPair{AccessToken: at, RefreshToken: rt}, nil
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
// 同一个 token 并发刷新时只有一个请求能撤销成功。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*TokenPair, error) {
	var pair *TokenPair
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return ErrInvalidCredentials
		}
		revoked, err := auth.RevokeRefreshToken(tx, oldRT)
		if err != nil {
			return errors.Wrap(err, "revoke refresh token")
		}
		if !revoked {
			return ErrInvalidCredentials
		}
		var user models.User
		if err := tx.First(&user, rec.UserID).Error; err != nil {
			return ErrInvalidCredentials
		}
		pair, err = s.issue(tx, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}
