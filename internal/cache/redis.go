package cache

import (
	"context"
	"fmt"
	"time"

	"example.com/modelgate/config"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by Get when the key does not exist
var ErrCacheMiss = redis.Nil

// CounterIncrement describes one key increment in a batch
type CounterIncrement struct {
	Key    string
	Amount int64
	TTL    time.Duration
}

// RedisClient is an interface for Redis operations. It backs the API-key
// read-through cache, the refresh-attempt limiter, the reuse markers and
// the rate-limit counters.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	GetCounts(ctx context.Context, keys ...string) ([]int64, error)
	IncrementBatch(ctx context.Context, increments []CounterIncrement) error
	Close() error
}

// redisClient implements the RedisClient interface
type redisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisClient{client: client}, nil
}

// Get retrieves a value from Redis
func (r *redisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

// Set stores a value in Redis with expiration
func (r *redisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// SetNX stores a value only if the key does not already exist and reports
// whether the write happened
func (r *redisClient) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

// Delete removes keys from Redis
func (r *redisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// IncrWithWindow increments a counter and returns the new count. The window
// TTL is (re)attached in the same pipeline as the increment so the counter
// can never end up without an expiry.
func (r *redisClient) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetCounts reads multiple counters in a single pipeline; missing keys
// read as zero
func (r *redisClient) GetCounts(ctx context.Context, keys ...string) ([]int64, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	counts := make([]int64, len(keys))
	for i, cmd := range cmds {
		n, err := cmd.Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}
	return counts, nil
}

// IncrementBatch applies all increments in a single pipeline, setting each
// key's TTL alongside the increment
func (r *redisClient) IncrementBatch(ctx context.Context, increments []CounterIncrement) error {
	if len(increments) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, inc := range increments {
		pipe.IncrBy(ctx, inc.Key, inc.Amount)
		pipe.Expire(ctx, inc.Key, inc.TTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection
func (r *redisClient) Close() error {
	return r.client.Close()
}
