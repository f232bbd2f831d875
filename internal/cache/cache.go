package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	// SetJobSnapshot stores data for jobID unless a snapshot with a higher
	// version is already cached. It reports whether data was stored.
	SetJobSnapshot(ctx context.Context, jobID string, version int64, data []byte, ttl time.Duration) (bool, error)
	GetJobSnapshot(ctx context.Context, jobID string) ([]byte, bool, error)
	DeleteJobSnapshot(ctx context.Context, jobID string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// setIfNewer writes the snapshot only when its version is not older than the
// cached one, so concurrent writers can never roll a job's status backwards.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetJobSnapshot(ctx context.Context, jobID string, version int64, data []byte, ttl time.Duration) (bool, error) {
	stored, err := setIfNewer.Run(ctx, c.client, []string{JobSnapshotKey(jobID)},
		version, data, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID string) ([]byte, bool, error) {
	val, err := c.client.HGet(ctx, JobSnapshotKey(jobID), "d").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) DeleteJobSnapshot(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, JobSnapshotKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
