package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/model"
)

// RedisBackend stores cache entries as JSON values with native TTL.
// When tagging is enabled, each entry's fingerprint is also added to a
// per-node set so ForgetByNode needs no scan.
//
// Key layout (prefix from runtime config):
//
//	{prefix}:q:{fingerprint}  entry JSON, TTL = expires_at - now
//	{prefix}:h:{fingerprint}  hit counter, same TTL
//	{prefix}:n:{nodeID}       set of fingerprints touching this node
type RedisBackend struct {
	client        *redis.Client
	runtimeConfig *atomic.Pointer[config.RuntimeConfig]
	nowFn         func() time.Time
}

// NewRedisBackend wraps a Redis client as a durable cache backend.
func NewRedisBackend(client *redis.Client, runtimeConfig *atomic.Pointer[config.RuntimeConfig]) *RedisBackend {
	if client == nil {
		panic("cache: NewRedisBackend requires non-nil client")
	}
	return &RedisBackend{
		client:        client,
		runtimeConfig: runtimeConfig,
		nowFn:         time.Now,
	}
}

func (b *RedisBackend) cfg() *config.RuntimeConfig {
	if b.runtimeConfig == nil {
		return nil
	}
	return b.runtimeConfig.Load()
}

func (b *RedisBackend) prefix() string {
	if c := b.cfg(); c != nil && c.CachePrefix != "" {
		return c.CachePrefix
	}
	return "weft:cache"
}

func (b *RedisBackend) useTags() bool {
	c := b.cfg()
	return c != nil && c.CacheUseTags
}

func (b *RedisBackend) entryKey(fp string) string { return b.prefix() + ":q:" + fp }
func (b *RedisBackend) hitKey(fp string) string   { return b.prefix() + ":h:" + fp }
func (b *RedisBackend) nodeKey(id string) string  { return b.prefix() + ":n:" + id }

func (b *RedisBackend) Put(ctx context.Context, e model.QueryCacheEntry) error {
	ttl := time.Duration(e.ExpiresAtNs - b.nowFn().UnixNano())
	if ttl <= 0 {
		return nil // already expired, nothing to store
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.entryKey(e.Fingerprint), raw, ttl)
	if b.useTags() {
		for _, id := range e.NodeIDs {
			key := b.nodeKey(id)
			pipe.SAdd(ctx, key, e.Fingerprint)
			pipe.Expire(ctx, key, ttl)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Get(ctx context.Context, fingerprint string) (model.QueryCacheEntry, bool, error) {
	raw, err := b.client.Get(ctx, b.entryKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return model.QueryCacheEntry{}, false, nil
	}
	if err != nil {
		return model.QueryCacheEntry{}, false, err
	}
	var e model.QueryCacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.QueryCacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, true, nil
}

func (b *RedisBackend) BumpHit(ctx context.Context, fingerprint string) error {
	return b.client.Incr(ctx, b.hitKey(fingerprint)).Err()
}

func (b *RedisBackend) Forget(ctx context.Context, fingerprint string) error {
	return b.client.Del(ctx, b.entryKey(fingerprint), b.hitKey(fingerprint)).Err()
}

func (b *RedisBackend) ForgetByNode(ctx context.Context, nodeID string) (int64, error) {
	if b.useTags() {
		return b.forgetByNodeTagged(ctx, nodeID)
	}
	return b.forgetByNodeScan(ctx, nodeID)
}

func (b *RedisBackend) forgetByNodeTagged(ctx context.Context, nodeID string) (int64, error) {
	setKey := b.nodeKey(nodeID)
	fps, err := b.client.SMembers(ctx, setKey).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}

	var removed int64
	for _, fp := range fps {
		n, err := b.client.Del(ctx, b.entryKey(fp), b.hitKey(fp)).Result()
		if err != nil {
			return removed, err
		}
		if n > 0 {
			removed++
		}
	}
	if err := b.client.Del(ctx, setKey).Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

// forgetByNodeScan walks every entry and checks its node set. Used when
// tagging is disabled.
func (b *RedisBackend) forgetByNodeScan(ctx context.Context, nodeID string) (int64, error) {
	var removed int64
	err := b.scanKeys(ctx, b.prefix()+":q:*", func(key string) error {
		raw, err := b.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil // expired mid-scan
		}
		if err != nil {
			return err
		}
		var e model.QueryCacheEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil // unreadable entry, leave for TTL
		}
		for _, id := range e.NodeIDs {
			if id == nodeID {
				if err := b.Forget(ctx, e.Fingerprint); err != nil {
					return err
				}
				removed++
				return nil
			}
		}
		return nil
	})
	return removed, err
}

func (b *RedisBackend) FlushAll(ctx context.Context) error {
	return b.scanKeys(ctx, b.prefix()+":*", func(key string) error {
		return b.client.Del(ctx, key).Err()
	})
}

// CleanExpired is a no-op: Redis expires entries natively.
func (b *RedisBackend) CleanExpired(context.Context, int64) (int64, error) {
	return 0, nil
}

func (b *RedisBackend) Count(ctx context.Context) (int64, error) {
	var n int64
	err := b.scanKeys(ctx, b.prefix()+":q:*", func(string) error {
		n++
		return nil
	})
	return n, err
}

func (b *RedisBackend) scanKeys(ctx context.Context, match string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
