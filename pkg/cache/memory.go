package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage with LRU
// eviction and a background sweep for entries past the retention age.
type MemoryStore struct {
	data          map[string]*Entry
	access        map[string]time.Time
	mutex         sync.RWMutex
	maxSize       int
	retention     time.Duration
	hits          int64
	misses        int64
	cleanupTicker *time.Ticker
	done          chan struct{}
}

// NewMemoryStore creates an in-memory cache store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	cfg := &MemoryConfig{
		MaxSize:         1000,
		Retention:       24 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	ms := &MemoryStore{
		data:          make(map[string]*Entry),
		access:        make(map[string]time.Time),
		maxSize:       cfg.MaxSize,
		retention:     cfg.Retention,
		cleanupTicker: time.NewTicker(cfg.CleanupInterval),
		done:          make(chan struct{}),
	}

	go ms.cleanupLoop()
	return ms
}

func (ms *MemoryStore) Set(_ context.Context, key string, payload []byte, source string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if _, exists := ms.data[key]; !exists && len(ms.data) >= ms.maxSize {
		ms.evictLRU()
	}

	ms.data[key] = &Entry{
		Payload:  payload,
		Source:   source,
		StoredAt: time.Now(),
	}
	ms.access[key] = time.Now()
	return nil
}

func (ms *MemoryStore) Get(_ context.Context, key string, ttl time.Duration) (*Entry, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	e, exists := ms.data[key]
	if !exists {
		ms.misses++
		return nil, ErrCacheMiss
	}
	if ttl > 0 && time.Since(e.StoredAt) > ttl {
		delete(ms.data, key)
		delete(ms.access, key)
		ms.misses++
		return nil, ErrCacheMiss
	}

	ms.access[key] = time.Now()
	ms.hits++
	return e, nil
}

func (ms *MemoryStore) Delete(_ context.Context, keys ...string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	for _, key := range keys {
		delete(ms.data, key)
		delete(ms.access, key)
	}
	return nil
}

func (ms *MemoryStore) Clear(_ context.Context) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.data = make(map[string]*Entry)
	ms.access = make(map[string]time.Time)
	return nil
}

func (ms *MemoryStore) Stats(_ context.Context) (Stats, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	return Stats{
		Entries: len(ms.data),
		Hits:    ms.hits,
		Misses:  ms.misses,
	}, nil
}

func (ms *MemoryStore) evictLRU() {
	if len(ms.data) == 0 {
		return
	}

	var oldestKey string
	oldestTime := time.Now()

	for key, accessTime := range ms.access {
		if accessTime.Before(oldestTime) {
			oldestTime = accessTime
			oldestKey = key
		}
	}

	if oldestKey != "" {
		delete(ms.data, oldestKey)
		delete(ms.access, oldestKey)
	}
}

func (ms *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-ms.done:
			return
		case <-ms.cleanupTicker.C:
			ms.mutex.Lock()
			now := time.Now()
			for key, e := range ms.data {
				if now.Sub(e.StoredAt) > ms.retention {
					delete(ms.data, key)
					delete(ms.access, key)
				}
			}
			ms.mutex.Unlock()
		}
	}
}

// Close stops the cleanup goroutine.
func (ms *MemoryStore) Close() error {
	ms.cleanupTicker.Stop()
	close(ms.done)
	return nil
}
