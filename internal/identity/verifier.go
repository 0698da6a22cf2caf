package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/pkg/auth"
	"github.com/qiminjie89/gamelobby/pkg/logger"
)

// HTTPVerifier 调用外部身份服务校验 token
type HTTPVerifier struct {
	url    string
	client *http.Client
}

// NewHTTPVerifier timeout 作用于整个请求
func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

// VerifyToken 请求失败时返回 IsValid=false 与错误
func (v *HTTPVerifier) VerifyToken(ctx context.Context, token string) (VerifyResult, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return VerifyResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return VerifyResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return VerifyResult{Message: "verify_unavailable"}, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return VerifyResult{Message: "verify_unavailable"}, fmt.Errorf("verify status %d", resp.StatusCode)
	}

	var result VerifyResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		return VerifyResult{Message: "verify_bad_response"}, fmt.Errorf("decode verify response: %w", err)
	}
	if result.IsValid && result.UserID <= 0 {
		return VerifyResult{Message: "verify_bad_response"}, errors.New("verify response missing user id")
	}
	return result, nil
}

// JWTVerifier 本地校验签名 token
type JWTVerifier struct {
	validator *auth.JWTValidator
}

// NewJWTVerifier 创建 JWT 校验器
func NewJWTVerifier(validator *auth.JWTValidator) *JWTVerifier {
	return &JWTVerifier{validator: validator}
}

// VerifyToken 签名或过期不通过时返回 IsValid=false，不返回错误
func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (VerifyResult, error) {
	claims, err := v.validator.Validate(token)
	if err != nil {
		msg := "token_invalid"
		if errors.Is(err, auth.ErrTokenExpired) {
			msg = "token_expired"
		}
		return VerifyResult{Message: msg}, nil
	}
	res := VerifyResult{
		IsValid:  true,
		UserID:   claims.UserID,
		UserName: claims.UserName,
	}
	if claims.ExpiresAt != nil {
		res.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return res, nil
}

// ChainVerifier 依次尝试，首个通过者生效
type ChainVerifier []TokenVerifier

// VerifyToken 全部不通过时返回最后一个结果
func (c ChainVerifier) VerifyToken(ctx context.Context, token string) (VerifyResult, error) {
	result := VerifyResult{Message: "token_invalid"}
	var lastErr error

	for _, v := range c {
		r, err := v.VerifyToken(ctx, token)
		if err == nil && r.IsValid {
			return r, nil
		}
		if err != nil {
			logger.Debug("token verifier failed", zap.Error(err))
		}
		result, lastErr = r, err
	}
	return result, lastErr
}
