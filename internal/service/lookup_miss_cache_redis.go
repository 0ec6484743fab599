package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLookupMissCache shares lookup misses across instances. Each namespace
// keeps an index set so it can be invalidated without SCAN.
type RedisLookupMissCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLookupMissCache(client redis.UniversalClient, prefix string) *RedisLookupMissCache {
	if prefix == "" {
		prefix = "lookup_miss"
	}
	return &RedisLookupMissCache{client: client, prefix: prefix}
}

func (c *RedisLookupMissCache) Get(ctx context.Context, namespace, key string) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	_, err := c.client.Get(ctx, c.dataKey(namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisLookupMissCache) Set(ctx context.Context, namespace, key string, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 {
		return nil
	}
	dataKey := c.dataKey(namespace, key)
	index := c.indexKey(namespace)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, dataKey, "1", ttl)
	pipe.SAdd(ctx, index, dataKey)
	pipe.Expire(ctx, index, ttl+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisLookupMissCache) Forget(ctx context.Context, namespace, key string) error {
	if c.client == nil {
		return nil
	}
	dataKey := c.dataKey(namespace, key)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, dataKey)
	pipe.SRem(ctx, c.indexKey(namespace), dataKey)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisLookupMissCache) InvalidateNamespace(ctx context.Context, namespace string) error {
	if c.client == nil {
		return nil
	}
	index := c.indexKey(namespace)
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := c.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, index)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisLookupMissCache) dataKey(namespace, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s:data:%s:%s", c.prefix, normalizeNamespace(namespace), hex.EncodeToString(sum[:]))
}

func (c *RedisLookupMissCache) indexKey(namespace string) string {
	return fmt.Sprintf("%s:index:%s", c.prefix, normalizeNamespace(namespace))
}

func normalizeNamespace(namespace string) string {
	v := strings.ToLower(strings.TrimSpace(namespace))
	if v == "" {
		return "default"
	}
	return v
}
