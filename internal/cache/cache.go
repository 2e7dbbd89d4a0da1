// Package cache is the Redis-backed key/value store used for the
// deep-research result cache and its per-conversation throttle: a connect,
// ping, wrap constructor down to the plain GET/SET/SETNX surface this store
// needs.
package cache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

type Cache interface {
	// Get returns the raw bytes stored at key, or (nil, false) on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value at key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX is the deep-research throttle primitive: SET key val NX EX ttl.
	// Returns true if this call won the race and set the key.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Close() error
}

type redisCache struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRedisCache(log *logger.Logger) (Cache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	url := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if url == "" {
		return nil, fmt.Errorf("missing REDIS_URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisCache{log: log.With("service", "RedisCache"), rdb: rdb}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.TransientBackend("cache.Get", err)
	}
	return val, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return apperr.TransientBackend("cache.Set", err)
	}
	return nil
}

func (c *redisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, apperr.TransientBackend("cache.SetNX", err)
	}
	return ok, nil
}

func (c *redisCache) Close() error {
	return c.rdb.Close()
}

// DeepResearchKey builds the cache key for a conversation's cached deep
// research result set.
func DeepResearchKey(userId, conversationId string) string {
	return fmt.Sprintf("deep-research:%s:%s", userId, conversationId)
}

// DeepResearchThrottleKey builds the per-(user,conversation) enqueue
// throttle key.
func DeepResearchThrottleKey(userId, conversationId string) string {
	return fmt.Sprintf("deep-research-throttle:%s:%s", userId, conversationId)
}
