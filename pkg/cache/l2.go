package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

// L2 is the distributed cache layer contract. Implementations must be
// safe for concurrent use.
type L2 interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes keys matching a glob pattern and returns
	// how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
	Stats() LayerStats
	Close() error
}

// RedisConfig holds L2 connection settings
type RedisConfig struct {
	Address      string
	Password     string
	Database     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	// KeyPrefix namespaces every key written by this process
	KeyPrefix string
}

// DefaultRedisConfig returns the default L2 settings
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		KeyPrefix:    "bookmesh:cache:",
	}
}

// RedisL2 is the Redis-backed distributed layer
type RedisL2 struct {
	client  *redis.Client
	config  RedisConfig
	logger  observability.Logger
	hits    int64
	misses  int64
	errored int64
}

// NewRedisL2 connects to Redis and verifies the connection
func NewRedisL2(config RedisConfig, logger observability.Logger) (*RedisL2, error) {
	if logger == nil {
		logger = observability.NewLogger("cache.l2")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisL2{client: client, config: config, logger: logger}, nil
}

// NewRedisL2FromClient wraps an existing client; used by tests
func NewRedisL2FromClient(client *redis.Client, config RedisConfig, logger observability.Logger) *RedisL2 {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisL2{client: client, config: config, logger: logger}
}

func (r *RedisL2) key(k string) string { return r.config.KeyPrefix + k }

// Get fetches and decodes an entry; a missing key returns (nil, nil)
func (r *RedisL2) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&r.misses, 1)
		return nil, nil
	}
	if err != nil {
		atomic.AddInt64(&r.errored, 1)
		return nil, apperrors.Dependency(err, "redis get failed")
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		atomic.AddInt64(&r.errored, 1)
		return nil, apperrors.Wrap(err, "L2_DECODE_FAILED", "corrupt cache entry", apperrors.ClassInternal)
	}
	atomic.AddInt64(&r.hits, 1)
	return &entry, nil
}

// Set encodes and stores the entry. The Redis expiration includes the
// stale-serving grace so grace reads still find the value.
func (r *RedisL2) Set(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Wrap(err, "L2_ENCODE_FAILED", "cache entry not serializable", apperrors.ClassInternal)
	}
	expiration := entry.TTL + entry.TTL/2
	if err := r.client.Set(ctx, r.key(entry.Key), data, expiration).Err(); err != nil {
		atomic.AddInt64(&r.errored, 1)
		return apperrors.Dependency(err, "redis set failed")
	}
	return nil
}

// Delete removes the given keys
func (r *RedisL2) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		atomic.AddInt64(&r.errored, 1)
		return apperrors.Dependency(err, "redis delete failed")
	}
	return nil
}

// DeletePattern scans and removes matching keys in batches
func (r *RedisL2) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.key(pattern), 100).Result()
		if err != nil {
			atomic.AddInt64(&r.errored, 1)
			return removed, apperrors.Dependency(err, "redis scan failed")
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return removed, apperrors.Dependency(err, "redis delete failed")
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping verifies the connection for health checks
func (r *RedisL2) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperrors.Dependency(err, "redis unreachable")
	}
	return nil
}

// Stats returns the layer counters
func (r *RedisL2) Stats() LayerStats {
	return LayerStats{
		Hits:   atomic.LoadInt64(&r.hits),
		Misses: atomic.LoadInt64(&r.misses),
	}
}

// Close releases the connection pool
func (r *RedisL2) Close() error { return r.client.Close() }
