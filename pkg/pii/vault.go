package pii

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("pii: token not found")

// Vault 令牌密文存储
type Vault interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RedisVault 基于 Redis 的令牌存储，过期由 TTL 负责
type RedisVault struct {
	client redis.Cmdable
	prefix string
}

func NewRedisVault(client redis.Cmdable, prefix string) *RedisVault {
	if prefix == "" {
		prefix = "pii:token:"
	}
	return &RedisVault{client: client, prefix: prefix}
}

func (v *RedisVault) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return v.client.Set(ctx, v.prefix+key, value, ttl).Err()
}

func (v *RedisVault) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := v.client.Get(ctx, v.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	return b, err
}
