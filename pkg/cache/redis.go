package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. Entries are stored as JSON
// with the write timestamp inside, so read-side TTL checks work the
// same as the in-memory store; a server-side retention TTL bounds how
// long stale entries linger.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	hits      int64
	misses    int64
}

// NewRedisStore creates a Redis cache store.
func NewRedisStore(opts ...RedisOption) (*RedisStore, error) {
	cfg := &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 5,
		Prefix:       "aidpull",
		Retention:    24 * time.Hour,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client:    client,
		prefix:    cfg.Prefix,
		retention: cfg.Retention,
	}, nil
}

// Client returns the underlying redis client.
func (rs *RedisStore) Client() *redis.Client {
	return rs.client
}

func (rs *RedisStore) Set(ctx context.Context, key string, payload []byte, source string) error {
	e := Entry{
		Payload:  payload,
		Source:   source,
		StoredAt: time.Now(),
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	if err := rs.client.Set(ctx, rs.wrapKey(key), data, rs.retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (rs *RedisStore) Get(ctx context.Context, key string, ttl time.Duration) (*Entry, error) {
	data, err := rs.client.Get(ctx, rs.wrapKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		rs.misses++
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}

	if ttl > 0 && time.Since(e.StoredAt) > ttl {
		_ = rs.client.Del(ctx, rs.wrapKey(key)).Err()
		rs.misses++
		return nil, ErrCacheMiss
	}

	rs.hits++
	return &e, nil
}

func (rs *RedisStore) Delete(ctx context.Context, keys ...string) error {
	wrapped := make([]string, 0, len(keys))
	for _, key := range keys {
		wrapped = append(wrapped, rs.wrapKey(key))
	}
	return rs.client.Del(ctx, wrapped...).Err()
}

func (rs *RedisStore) Clear(ctx context.Context) error {
	iter := rs.client.Scan(ctx, 0, BuildPattern(rs.prefix+":"), 0).Iterator()
	for iter.Next(ctx) {
		if err := rs.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return iter.Err()
}

func (rs *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var entries int
	iter := rs.client.Scan(ctx, 0, BuildPattern(rs.prefix+":"), 0).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("redis scan: %w", err)
	}

	return Stats{
		Entries: entries,
		Hits:    rs.hits,
		Misses:  rs.misses,
	}, nil
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

func (rs *RedisStore) wrapKey(key string) string {
	return rs.prefix + ":" + key
}
