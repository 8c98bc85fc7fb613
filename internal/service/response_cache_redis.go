package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisResponseCache versions each namespace with a counter. Invalidation
// bumps the counter, which orphans the old keys until their TTL expires.
type RedisResponseCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisResponseCache(client redis.UniversalClient, prefix string) *RedisResponseCache {
	if prefix == "" {
		prefix = "bda"
	}
	return &RedisResponseCache{client: client, prefix: prefix + ":respcache"}
}

func (c *RedisResponseCache) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	version, err := c.version(ctx, namespace)
	if err != nil {
		return nil, false, err
	}
	value, err := c.client.Get(ctx, c.dataKey(namespace, version, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *RedisResponseCache) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	version, err := c.version(ctx, namespace)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.dataKey(namespace, version, key), value, ttl).Err()
}

func (c *RedisResponseCache) InvalidateNamespace(ctx context.Context, namespace string) error {
	return c.client.Incr(ctx, c.versionKey(namespace)).Err()
}

func (c *RedisResponseCache) version(ctx context.Context, namespace string) (int64, error) {
	v, err := c.client.Get(ctx, c.versionKey(namespace)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *RedisResponseCache) versionKey(namespace string) string {
	return c.prefix + ":" + namespace + ":version"
}

func (c *RedisResponseCache) dataKey(namespace string, version int64, key string) string {
	return c.prefix + ":" + namespace + ":v" + strconv.FormatInt(version, 10) + ":" + key
}
