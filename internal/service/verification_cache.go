package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// VerificationCache stores public verification results by credential ID.
type VerificationCache interface {
	Get(ctx context.Context, credentialID string) (*VerificationResult, bool, error)
	Set(ctx context.Context, credentialID string, result *VerificationResult, ttl time.Duration) error
	Invalidate(ctx context.Context, credentialID string) error
}

type RedisVerificationCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisVerificationCache(client redis.UniversalClient, prefix string) *RedisVerificationCache {
	if prefix == "" {
		prefix = "bda"
	}
	return &RedisVerificationCache{client: client, prefix: prefix}
}

func (c *RedisVerificationCache) key(credentialID string) string {
	return c.prefix + ":verify:" + strings.ToUpper(strings.TrimSpace(credentialID))
}

func (c *RedisVerificationCache) Get(ctx context.Context, credentialID string) (*VerificationResult, bool, error) {
	if c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(credentialID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out VerificationResult
	if err := json.Unmarshal(raw, &out); err != nil {
		_ = c.client.Del(ctx, c.key(credentialID)).Err()
		return nil, false, nil
	}
	return &out, true, nil
}

func (c *RedisVerificationCache) Set(ctx context.Context, credentialID string, result *VerificationResult, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 || result == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(credentialID), raw, ttl).Err()
}

func (c *RedisVerificationCache) Invalidate(ctx context.Context, credentialID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(credentialID)).Err()
}

type NoopVerificationCache struct{}

func (NoopVerificationCache) Get(context.Context, string) (*VerificationResult, bool, error) {
	return nil, false, nil
}
func (NoopVerificationCache) Set(context.Context, string, *VerificationResult, time.Duration) error {
	return nil
}
func (NoopVerificationCache) Invalidate(context.Context, string) error { return nil }
