package cache

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
)

// Entry is one cached payload. Entries are immutable once stored; a
// rewrite of the same key replaces the entry wholesale.
type Entry struct {
	Payload  []byte    `json:"payload"`
	Source   string    `json:"source"`
	StoredAt time.Time `json:"stored_at"`
}

// Age returns how long ago the entry was written.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// Stats reports store counters for the admin surface.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Store defines the TTL-keyed cache operations. Freshness is decided at
// read time: Get treats an entry older than ttl as absent and purges
// it. A ttl <= 0 disables the age check. A miss is a normal outcome
// reported as ErrCacheMiss, never a hard failure.
type Store interface {
	Set(ctx context.Context, key string, payload []byte, source string) error
	Get(ctx context.Context, key string, ttl time.Duration) (*Entry, error)
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
