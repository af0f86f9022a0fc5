package cache

import (
	"context"
	"time"
)

// LayeredStore implements a two-level cache (L1: memory, L2: Redis).
// Writes go through to Redis first; reads that miss L1 are backfilled.
type LayeredStore struct {
	mem   *MemoryStore
	redis *RedisStore
}

// NewLayeredStore creates a layered store over memory and Redis.
func NewLayeredStore(redisStore *RedisStore, opts ...LayeredOption) *LayeredStore {
	cfg := &LayeredConfig{
		MemoryMaxSize: 1000,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &LayeredStore{
		mem:   NewMemoryStore(WithMemoryMaxSize(cfg.MemoryMaxSize)),
		redis: redisStore,
	}
}

func (ls *LayeredStore) Set(ctx context.Context, key string, payload []byte, source string) error {
	if err := ls.redis.Set(ctx, key, payload, source); err != nil {
		return err
	}
	_ = ls.mem.Set(ctx, key, payload, source)
	return nil
}

func (ls *LayeredStore) Get(ctx context.Context, key string, ttl time.Duration) (*Entry, error) {
	if e, err := ls.mem.Get(ctx, key, ttl); err == nil {
		return e, nil
	}

	e, err := ls.redis.Get(ctx, key, ttl)
	if err != nil {
		return nil, err
	}

	// Backfill L1, keeping the original write time.
	ls.mem.mutex.Lock()
	ls.mem.data[key] = e
	ls.mem.access[key] = time.Now()
	ls.mem.mutex.Unlock()

	return e, nil
}

func (ls *LayeredStore) Delete(ctx context.Context, keys ...string) error {
	_ = ls.mem.Delete(ctx, keys...)
	return ls.redis.Delete(ctx, keys...)
}

func (ls *LayeredStore) Clear(ctx context.Context) error {
	_ = ls.mem.Clear(ctx)
	return ls.redis.Clear(ctx)
}

func (ls *LayeredStore) Stats(ctx context.Context) (Stats, error) {
	return ls.redis.Stats(ctx)
}

// Close closes both layers.
func (ls *LayeredStore) Close() error {
	_ = ls.mem.Close()
	return ls.redis.Close()
}
