package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/jobwatch/internal/store"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a mirrored status outlives its last update.
const DefaultTTL = 24 * time.Hour

// RedisCache mirrors status records into Redis so that other processes can
// read watch progress. Each record is stored as JSON under [StatusKey] and
// announced on [UpdatesChannel].
//
// RedisCache is safe for concurrent use.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache from a Redis URL such as
// redis://localhost:6379/0. A non-positive ttl selects [DefaultTTL].
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping checks that the Redis server is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Record stores the record and publishes it on the updates channel in one
// transaction.
func (c *RedisCache) Record(ctx context.Context, r store.StatusRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode status record: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, StatusKey(r.Kind, r.ID), data, c.ttl)
	pipe.Publish(ctx, UpdatesChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror status %s: %w", r.Key(), err)
	}
	return nil
}

// Status returns the mirrored record for one resource.
func (c *RedisCache) Status(ctx context.Context, kind, id string) (store.StatusRecord, bool, error) {
	data, err := c.client.Get(ctx, StatusKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.StatusRecord{}, false, nil
	}
	if err != nil {
		return store.StatusRecord{}, false, err
	}

	var r store.StatusRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return store.StatusRecord{}, false, fmt.Errorf("decode status record: %w", err)
	}
	return r, true, nil
}

// Subscribe returns a subscription to records published by [RedisCache.Record].
// The caller must close it.
func (c *RedisCache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, UpdatesChannel)
}

// Close closes the underlying Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
