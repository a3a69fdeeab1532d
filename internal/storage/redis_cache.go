package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultAnnotationTTL = 7 * 24 * time.Hour

// RedisAnnotationCache 在持久缓存前加一层 Redis。
// 并发写由持久缓存裁决，Redis 只存胜出条目的副本；
// Redis 出错时回落到持久缓存，而不是直接报未命中。
type RedisAnnotationCache struct {
	rdb     *redis.Client
	durable AnnotationCache
	ttl     time.Duration
	logger  *slog.Logger
}

var _ AnnotationCache = (*RedisAnnotationCache)(nil)

func NewRedisAnnotationCache(rdb *redis.Client, durable AnnotationCache, ttl time.Duration, logger *slog.Logger) *RedisAnnotationCache {
	if ttl <= 0 {
		ttl = defaultAnnotationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisAnnotationCache{rdb: rdb, durable: durable, ttl: ttl, logger: logger}
}

// NewRedisClient 只 ping 一次，连不上时记录日志并继续运行。
func NewRedisClient(addr string, logger *slog.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", "addr", addr, "err", err)
	}
	return rdb
}

func redisKey(fingerprint, modelVersion string) string {
	return fmt.Sprintf("annotation:%s:%s", modelVersion, fingerprint)
}

func (c *RedisAnnotationCache) Get(ctx context.Context, fingerprint, modelVersion string) (*AnnotationCacheEntry, bool, error) {
	key := redisKey(fingerprint, modelVersion)

	bs, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e AnnotationCacheEntry
		if jerr := json.Unmarshal(bs, &e); jerr == nil {
			return &e, true, nil
		}
		c.logger.Warn("annotation cache: corrupt redis entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("annotation cache: redis get failed", "key", key, "err", err)
	}

	e, found, err := c.durable.Get(ctx, fingerprint, modelVersion)
	if err != nil || !found {
		return e, found, err
	}
	c.backfill(ctx, key, e)
	return e, true, nil
}

func (c *RedisAnnotationCache) Put(ctx context.Context, entry *AnnotationCacheEntry) (InsertResult, error) {
	res, err := c.durable.Put(ctx, entry)
	if err != nil {
		return 0, err
	}
	if res == Inserted {
		c.backfill(ctx, redisKey(entry.Fingerprint, entry.ModelVersion), entry)
	}
	return res, nil
}

func (c *RedisAnnotationCache) backfill(ctx context.Context, key string, e *AnnotationCacheEntry) {
	bs, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.rdb.SetNX(ctx, key, bs, c.ttl).Err(); err != nil {
		c.logger.Warn("annotation cache: redis set failed", "key", key, "err", err)
	}
}
