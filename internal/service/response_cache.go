package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bda-association/bda-portal/internal/observability"
)

const (
	cacheNamespaceCatalog        = "catalog"
	cacheNamespaceAdminDashboard = "admin_dashboard"
)

// ResponseCache holds serialized read models keyed by namespace. A namespace
// is dropped as a whole when the data behind it changes.
type ResponseCache interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	InvalidateNamespace(ctx context.Context, namespace string) error
}

type NoopResponseCache struct{}

func (NoopResponseCache) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopResponseCache) Set(context.Context, string, string, []byte, time.Duration) error {
	return nil
}

func (NoopResponseCache) InvalidateNamespace(context.Context, string) error { return nil }

type memoryCacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

type MemoryResponseCache struct {
	mu    sync.RWMutex
	store map[string]map[string]memoryCacheEntry
	now   func() time.Time
}

func NewMemoryResponseCache() *MemoryResponseCache {
	return &MemoryResponseCache{
		store: make(map[string]map[string]memoryCacheEntry),
		now:   systemNow,
	}
}

func (c *MemoryResponseCache) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	now := c.now()
	c.mu.RLock()
	entry, ok := c.store[namespace][key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !now.Before(entry.expiresAt) {
		c.mu.Lock()
		if ns, ok := c.store[namespace]; ok {
			delete(ns, key)
			if len(ns) == 0 {
				delete(c.store, namespace)
			}
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

func (c *MemoryResponseCache) Set(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.store[namespace]
	if !ok {
		ns = make(map[string]memoryCacheEntry)
		c.store[namespace] = ns
	}
	ns[key] = memoryCacheEntry{
		payload:   append([]byte(nil), value...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *MemoryResponseCache) InvalidateNamespace(_ context.Context, namespace string) error {
	c.mu.Lock()
	delete(c.store, namespace)
	c.mu.Unlock()
	return nil
}

// cachedJSON returns the cached value for namespace/key or loads, stores and
// returns a fresh one. Cache errors degrade to a direct load.
func cachedJSON[T any](ctx context.Context, cache ResponseCache, namespace, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if raw, ok, err := cache.Get(ctx, namespace, key); err == nil && ok {
		var out T
		if json.Unmarshal(raw, &out) == nil {
			observability.RecordResponseCacheEvent(ctx, namespace, "hit")
			return out, nil
		}
	} else if err != nil {
		observability.RecordResponseCacheEvent(ctx, namespace, "error")
	}
	observability.RecordResponseCacheEvent(ctx, namespace, "miss")
	out, err := load()
	if err != nil {
		return out, err
	}
	if raw, err := json.Marshal(out); err == nil {
		_ = cache.Set(ctx, namespace, key, raw, ttl)
	}
	return out, nil
}
