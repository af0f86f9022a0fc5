package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AidPull/internal/domain/models"
	"AidPull/internal/service/monitor"
	"AidPull/internal/service/ratelimit"
	"AidPull/pkg/cache"
	xhttp "AidPull/pkg/http"
)

func testSource(name, baseURL string) models.SourceConfig {
	return models.SourceConfig{
		Name:          name,
		BaseURL:       baseURL,
		Enabled:       true,
		Priority:      1,
		CacheTTL:      time.Minute,
		RetryAttempts: 3,
		RateLimit: models.RateLimitConfig{
			MaxConcurrent: 10,
			MaxPerMinute:  100,
			MaxPerHour:    1000,
		},
	}
}

func newTestFetcher(t *testing.T, sources ...models.SourceConfig) (*Fetcher, *monitor.Monitor, *cache.MemoryStore) {
	t.Helper()

	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	mon := monitor.New()
	f, err := New(sources, store, nil, mon, xhttp.NewClient(),
		WithRetryBaseDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f, mon, store
}

func TestRetryThenSuccess(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f, mon, _ := newTestFetcher(t, testSource("unhcr", srv.URL))

	resp, err := f.Fetch(context.Background(), "unhcr", "/population", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Data) != `{"ok":true}` {
		t.Fatalf("unexpected payload %s", resp.Data)
	}
	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}

	s := mon.SourceStats("unhcr")
	if s.Total != 3 || s.Successes != 1 || s.Failures != 2 {
		t.Fatalf("unexpected monitor stats %+v", s)
	}
}

func TestClientErrorIsTerminal(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, mon, _ := newTestFetcher(t, testSource("hdx", srv.URL))

	_, err := f.Fetch(context.Background(), "hdx", "/missing", Options{})
	if err == nil {
		t.Fatalf("expected failure")
	}
	var apiErr *models.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("404 must not be retried: %d attempts", n)
	}
	if s := mon.SourceStats("hdx"); s.Total != 1 {
		t.Fatalf("expected 1 record, got %d", s.Total)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, testSource("fts", srv.URL))

	_, err := f.Fetch(context.Background(), "fts", "/flows", Options{})
	if err == nil {
		t.Fatalf("expected failure after budget exhausted")
	}
	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		_, _ = w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, testSource("unhcr", srv.URL))
	ctx := context.Background()

	first, err := f.Fetch(ctx, "unhcr", "/population", Options{UseCache: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if first.FromCache {
		t.Fatalf("first fetch must hit the network")
	}

	second, err := f.Fetch(ctx, "unhcr", "/population", Options{UseCache: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("second fetch must come from cache")
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("expected 1 network call, got %d", n)
	}
}

func TestUnknownAndDisabledSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, testSource("acled", srv.URL))
	ctx := context.Background()

	if _, err := f.Fetch(ctx, "nope", "/x", Options{}); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}

	if err := f.SetEnabled("acled", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := f.Fetch(ctx, "acled", "/x", Options{}); !errors.Is(err, ErrSourceDisabled) {
		t.Fatalf("expected ErrSourceDisabled, got %v", err)
	}
}

func TestFetchWithFallbackOrdering(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"from":"c"}`))
	}))
	defer good.Close()

	srcA := testSource("a", bad.URL)
	srcA.RetryAttempts = 1
	srcB := testSource("b", bad.URL)
	srcB.RetryAttempts = 1
	srcC := testSource("c", good.URL)

	f, _, _ := newTestFetcher(t, srcA, srcB, srcC)

	resp, err := f.FetchWithFallback(context.Background(), "a", []string{"b", "c"}, "/stats", Options{})
	if err != nil {
		t.Fatalf("expected fallback success: %v", err)
	}
	if resp.Source != "c" {
		t.Fatalf("expected result from c, got %s", resp.Source)
	}
}

func TestFetchWithFallbackAggregateError(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	srcs := make([]models.SourceConfig, 0, 3)
	for _, name := range []string{"a", "b", "c"} {
		s := testSource(name, bad.URL)
		s.RetryAttempts = 1
		srcs = append(srcs, s)
	}
	f, _, _ := newTestFetcher(t, srcs...)

	_, err := f.FetchWithFallback(context.Background(), "a", []string{"b", "c"}, "/stats", Options{})
	var fbErr *models.FallbackError
	if !errors.As(err, &fbErr) {
		t.Fatalf("expected FallbackError, got %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(fbErr.Attempted) != len(want) {
		t.Fatalf("attempted %v, want %v", fbErr.Attempted, want)
	}
	for i := range want {
		if fbErr.Attempted[i] != want[i] {
			t.Fatalf("attempted %v, want %v", fbErr.Attempted, want)
		}
	}
	if fbErr.Primary != "a" {
		t.Fatalf("expected primary a, got %s", fbErr.Primary)
	}
}

func TestFetchMultipleIsolation(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":1}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()

	srcGood := testSource("good", good.URL)
	srcBad := testSource("bad", bad.URL)
	f, _, _ := newTestFetcher(t, srcGood, srcBad)

	results := f.FetchMultiple(context.Background(), []Request{
		{Source: "good", Endpoint: "/a"},
		{Source: "bad", Endpoint: "/b"},
		{Source: "good", Endpoint: "/c"},
	})

	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("healthy fetches failed: %v %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil {
		t.Fatalf("expected middle request to fail")
	}
}

func TestConcurrentUpdateDoesNotDisturbFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":1}`))
	}))
	defer srv.Close()

	f, _, _ := newTestFetcher(t, testSource("unhcr", srv.URL))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ttl := time.Second
		attempts := 2
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := f.UpdateSource("unhcr", models.SourceUpdate{CacheTTL: &ttl, RetryAttempts: &attempts}); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := f.Fetch(context.Background(), "unhcr", "/population", Options{}); err != nil {
			t.Fatalf("fetch %d during concurrent update: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestFetchThroughRateLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":1}`))
	}))
	defer srv.Close()

	store := cache.NewMemoryStore()
	defer store.Close()
	limiter := ratelimit.NewManager(ratelimit.WithDrainInterval(5 * time.Millisecond))
	limiter.Start()
	defer limiter.Stop()

	f, err := New([]models.SourceConfig{testSource("unhcr", srv.URL)}, store, limiter, monitor.New(), xhttp.NewClient())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	resp, err := f.Fetch(context.Background(), "unhcr", "/population", Options{Priority: 3})
	if err != nil {
		t.Fatalf("fetch through limiter: %v", err)
	}
	if string(resp.Data) != `{"ok":1}` {
		t.Fatalf("unexpected payload %s", resp.Data)
	}
}
