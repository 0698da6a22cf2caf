package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/pkg/logger"
)

const tokenCachePrefix = "lobby:token:"

// CachingVerifier 用 Redis 缓存通过校验的 token
// 只缓存成功结果，缓存时长不超过 token 自身的剩余有效期；Redis 不可用时直接回源
type CachingVerifier struct {
	next   TokenVerifier
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCachingVerifier 创建缓存校验器
func NewCachingVerifier(next TokenVerifier, client redis.UniversalClient, ttl time.Duration) *CachingVerifier {
	return &CachingVerifier{next: next, client: client, ttl: ttl}
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return tokenCachePrefix + hex.EncodeToString(sum[:])
}

// VerifyToken 先查缓存，未命中时回源并写回
func (c *CachingVerifier) VerifyToken(ctx context.Context, token string) (VerifyResult, error) {
	key := tokenKey(token)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached VerifyResult
		if jerr := json.Unmarshal(data, &cached); jerr == nil && cached.IsValid {
			if left, ok := cached.ExpiresIn(time.Now()); !ok || left > 0 {
				return cached, nil
			}
		}
	case !errors.Is(err, redis.Nil):
		logger.Warn("token cache get failed", zap.Error(err))
	}

	result, err := c.next.VerifyToken(ctx, token)
	if err != nil || !result.IsValid {
		return result, err
	}

	ttl := c.ttl
	if left, ok := result.ExpiresIn(time.Now()); ok && left < ttl {
		ttl = left
	}
	if ttl <= 0 {
		return result, nil
	}

	if data, jerr := json.Marshal(result); jerr == nil {
		if serr := c.client.Set(ctx, key, data, ttl).Err(); serr != nil {
			logger.Warn("token cache set failed", zap.Error(serr))
		}
	}
	return result, nil
}

// Invalidate 删除缓存（登出时调用）
func (c *CachingVerifier) Invalidate(ctx context.Context, token string) error {
	return c.client.Del(ctx, tokenKey(token)).Err()
}
