// Package identity 账号与 token 校验的外部协作方
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidInput       = errors.New("invalid username or password")
)

const (
	maxUserNameLen = 32
	maxPasswordLen = 72 // bcrypt 上限
)

// Identity 登录成功后的身份
type Identity struct {
	UserID   int64
	UserName string
}

// UserStore 账号存储，密码比对在实现内完成
type UserStore interface {
	AuthenticateUser(ctx context.Context, userName, password string) (*Identity, error)
	RegisterUser(ctx context.Context, userName, password string) (bool, error)
	UserExists(ctx context.Context, userName string) (bool, error)
}

// VerifyResult token 校验结果
type VerifyResult struct {
	IsValid   bool   `json:"is_valid"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // token 过期时间（unix 秒），0 表示未知
}

// ExpiresIn 距 token 过期的时长；未知过期时间时 ok 为 false
func (r VerifyResult) ExpiresIn(now time.Time) (d time.Duration, ok bool) {
	if r.ExpiresAt <= 0 {
		return 0, false
	}
	return time.Unix(r.ExpiresAt, 0).Sub(now), true
}

// TokenVerifier token 校验；超时与连接失败均视为校验不通过
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (VerifyResult, error)
}

// ValidateCredentials 检查用户名密码格式
func ValidateCredentials(userName, password string) error {
	userName = strings.TrimSpace(userName)
	if userName == "" || len(userName) > maxUserNameLen {
		return ErrInvalidInput
	}
	if password == "" || len(password) > maxPasswordLen {
		return ErrInvalidInput
	}
	return nil
}

// GuestCredentials 生成游客账号：prefix + 8 位十六进制，随机密码
func GuestCredentials(prefix string) (userName, password string, err error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", "", err
	}
	return prefix + hex.EncodeToString(b[:4]), hex.EncodeToString(b[4:]), nil
}
