package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The failure counter lives for the reset window and the cooldown marker
// for the computed delay, so both expire on their own.
var throttleFailScript = redis.NewScript(`
local failures = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
local free = tonumber(ARGV[2])
if failures <= free then
  return 0
end
local delay = math.floor(tonumber(ARGV[3]) * (tonumber(ARGV[4]) ^ (failures - free - 1)))
local cap = tonumber(ARGV[5])
if delay > cap then
  delay = cap
end
if delay > 0 then
  redis.call("SET", KEYS[2], "1", "PX", delay)
end
return delay
`)

type RedisLoginThrottle struct {
	client redis.UniversalClient
	prefix string
	policy ThrottlePolicy
}

func NewRedisLoginThrottle(client redis.UniversalClient, prefix string, policy ThrottlePolicy) *RedisLoginThrottle {
	if prefix == "" {
		prefix = "bda"
	}
	return &RedisLoginThrottle{client: client, prefix: prefix + ":throttle", policy: policy.normalized()}
}

func (t *RedisLoginThrottle) counterKey(subject string) string { return t.prefix + ":n:" + subject }

func (t *RedisLoginThrottle) cooldownKey(subject string) string { return t.prefix + ":wait:" + subject }

func (t *RedisLoginThrottle) Wait(ctx context.Context, scope ThrottleScope, identity, ip string) (time.Duration, error) {
	var wait time.Duration
	for _, subject := range throttleSubjects(scope, identity, ip) {
		ttl, err := t.client.PTTL(ctx, t.cooldownKey(subject)).Result()
		if err != nil {
			return 0, err
		}
		if ttl > wait {
			wait = ttl
		}
	}
	return wait, nil
}

func (t *RedisLoginThrottle) Fail(ctx context.Context, scope ThrottleScope, identity, ip string) (time.Duration, error) {
	var wait time.Duration
	for _, subject := range throttleSubjects(scope, identity, ip) {
		res, err := throttleFailScript.Run(ctx, t.client,
			[]string{t.counterKey(subject), t.cooldownKey(subject)},
			t.policy.ResetWindow.Milliseconds(),
			t.policy.FreeAttempts,
			t.policy.BaseDelay.Milliseconds(),
			t.policy.Multiplier,
			t.policy.MaxDelay.Milliseconds(),
		).Int64()
		if err != nil {
			return 0, fmt.Errorf("throttle fail: %w", err)
		}
		if d := time.Duration(res) * time.Millisecond; d > wait {
			wait = d
		}
	}
	return wait, nil
}

func (t *RedisLoginThrottle) Clear(ctx context.Context, scope ThrottleScope, identity, ip string) error {
	keys := make([]string, 0, 4)
	for _, subject := range throttleSubjects(scope, identity, ip) {
		keys = append(keys, t.counterKey(subject), t.cooldownKey(subject))
	}
	return t.client.Del(ctx, keys...).Err()
}
