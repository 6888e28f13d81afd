package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache backs the policy read-through cache and the anchor worker's
// processed-tx replay-guard markers. Every key passed in is scoped
// under the cache's namespace before it touches the underlying store,
// so the same Redis instance can host more than one aegis deployment
// (e.g. staging and production, or two facilitator keys sharing an
// ops cluster) without their policy caches or replay guards colliding.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

func namespaced(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}

// RedisCache wraps go-redis, scoping every key under namespace.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, namespaced(r.namespace, key), value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, namespaced(r.namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", err
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, namespaced(r.namespace, key), value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, namespaced(r.namespace, key)).Err()
}

// MemoryCache is a simple in-memory TTL cache, namespaced the same way
// RedisCache is so the fallback path behaves identically to the real
// one when a deployment's Redis is unreachable.
type MemoryCache struct {
	mu        sync.Mutex
	items     map[string]memItem
	namespace string
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache(namespace string) *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}, namespace: namespace}
}

func (m *MemoryCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	key = namespaced(m.namespace, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	if _, ok := m.items[key]; ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	key = namespaced(m.namespace, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", redis.Nil
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	key = namespaced(m.namespace, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	key = namespaced(m.namespace, key)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) cleanupLocked() {
	now := time.Now()
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache tries redis, falls back to memory. namespace is typically
// the deployment's config.Config.CacheNamespace ("aegis" by default).
func NewCache(ctx context.Context, client *redis.Client, namespace string) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisCache{client: client, namespace: namespace}
		}
	}
	return NewMemoryCache(namespace)
}
