package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()
	ctx := context.Background()

	if err := ms.Set(ctx, "k1", []byte(`{"a":1}`), "unhcr"); err != nil {
		t.Fatalf("set: %v", err)
	}

	e, err := ms.Get(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(e.Payload) != `{"a":1}` {
		t.Fatalf("unexpected payload %s", e.Payload)
	}
	if e.Source != "unhcr" {
		t.Fatalf("unexpected source %s", e.Source)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()
	ctx := context.Background()

	if err := ms.Set(ctx, "k1", []byte("v"), "src"); err != nil {
		t.Fatalf("set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := ms.Get(ctx, "k1", 10*time.Millisecond); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}

	// Expired entry must be purged, not just hidden.
	ms.mutex.RLock()
	_, exists := ms.data["k1"]
	ms.mutex.RUnlock()
	if exists {
		t.Fatalf("expected entry purged after ttl expiry")
	}
}

func TestMemoryStoreZeroTTLNeverExpires(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()
	ctx := context.Background()

	if err := ms.Set(ctx, "k1", []byte("v"), "src"); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ms.Get(ctx, "k1", 0); err != nil {
		t.Fatalf("expected hit with ttl=0, got %v", err)
	}
}

func TestMemoryStoreDeleteAndClear(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()
	ctx := context.Background()

	_ = ms.Set(ctx, "a", []byte("1"), "s")
	_ = ms.Set(ctx, "b", []byte("2"), "s")

	if err := ms.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ms.Get(ctx, "a", 0); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete")
	}

	if err := ms.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	st, _ := ms.Stats(ctx)
	if st.Entries != 0 {
		t.Fatalf("expected empty store, got %d entries", st.Entries)
	}
}

func TestMemoryStoreLRUEviction(t *testing.T) {
	ms := NewMemoryStore(WithMemoryMaxSize(2))
	defer ms.Close()
	ctx := context.Background()

	_ = ms.Set(ctx, "a", []byte("1"), "s")
	time.Sleep(2 * time.Millisecond)
	_ = ms.Set(ctx, "b", []byte("2"), "s")
	time.Sleep(2 * time.Millisecond)
	_, _ = ms.Get(ctx, "a", 0) // refresh a, making b the LRU victim
	time.Sleep(2 * time.Millisecond)
	_ = ms.Set(ctx, "c", []byte("3"), "s")

	if _, err := ms.Get(ctx, "b", 0); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected b evicted")
	}
	if _, err := ms.Get(ctx, "a", 0); err != nil {
		t.Fatalf("expected a retained: %v", err)
	}
}

func TestKeyWithParamsDeterministic(t *testing.T) {
	a := KeyWithParams("unhcr:/population", map[string]string{"year": "2026", "region": "east"})
	b := KeyWithParams("unhcr:/population", map[string]string{"region": "east", "year": "2026"})
	if a != b {
		t.Fatalf("expected deterministic key, got %s vs %s", a, b)
	}
}
