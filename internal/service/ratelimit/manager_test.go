package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AidPull/internal/domain/models"
)

func testLimits(mut func(*Limits)) Limits {
	l := DefaultLimits()
	l.BaseRetryDelay = 10 * time.Millisecond
	l.MaxBackoff = 200 * time.Millisecond
	if mut != nil {
		mut(&l)
	}
	return l
}

func newTestManager(l Limits) *Manager {
	m := NewManager(
		WithDrainInterval(5*time.Millisecond),
		WithDefaultLimits(l),
	)
	m.Start()
	return m
}

func collect(t *testing.T, ch <-chan Result, timeout time.Duration) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for result")
		return Result{}
	}
}

func TestMinuteWindowNeverExceeded(t *testing.T) {
	const perMinute = 5
	m := newTestManager(testLimits(func(l *Limits) {
		l.MaxPerMinute = perMinute
		l.MaxConcurrent = 100
		l.MaxQueueDepth = 100
	}))
	defer m.Stop()

	var started int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		ch, err := m.Enqueue("acled", 0, func(ctx context.Context) (any, error) {
			atomic.AddInt64(&started, 1)
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ch:
			case <-time.After(2 * time.Second):
			}
		}()
	}

	// Give the drain loop time to admit everything it is allowed to.
	time.Sleep(300 * time.Millisecond)
	if n := atomic.LoadInt64(&started); n > perMinute {
		t.Fatalf("minute window exceeded: %d started, max %d", n, perMinute)
	}
	st := m.Status("acled")
	if st.LastMinute > perMinute {
		t.Fatalf("window count %d exceeds max %d", st.LastMinute, perMinute)
	}
	m.ClearQueue("acled")
	wg.Wait()
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	const maxConc = 3
	m := newTestManager(testLimits(func(l *Limits) {
		l.MaxConcurrent = maxConc
		l.MaxPerMinute = 1000
		l.MaxPerHour = 10000
		l.MaxQueueDepth = 100
	}))
	defer m.Stop()

	var inFlight, peak int64
	chans := make([]<-chan Result, 0, 20)
	for i := 0; i < 20; i++ {
		ch, err := m.Enqueue("hdx", 0, func(ctx context.Context) (any, error) {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return nil, nil
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		chans = append(chans, ch)
	}

	for _, ch := range chans {
		collect(t, ch, 3*time.Second)
	}
	if p := atomic.LoadInt64(&peak); p > maxConc {
		t.Fatalf("in-flight peak %d exceeds cap %d", p, maxConc)
	}
}

func TestPriorityOrdering(t *testing.T) {
	m := NewManager(
		WithDrainInterval(5*time.Millisecond),
		WithDefaultLimits(testLimits(func(l *Limits) {
			l.MaxConcurrent = 1
			l.MaxPerMinute = 1000
			l.MaxPerHour = 10000
		})),
	)
	// Enqueue everything before starting the drain loop so ordering is
	// decided purely by (priority, age).
	var mu sync.Mutex
	var order []string

	enq := func(name string, prio int) <-chan Result {
		ch, err := m.Enqueue("unhcr", prio, func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
		return ch
	}

	c1 := enq("low-old", 1)
	c2 := enq("high-old", 5)
	c3 := enq("low-new", 1)
	c4 := enq("high-new", 5)

	m.Start()
	defer m.Stop()
	for _, ch := range []<-chan Result{c1, c2, c3, c4} {
		collect(t, ch, 3*time.Second)
	}

	want := []string{"high-old", "high-new", "low-old", "low-new"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order %v, want %v", order, want)
		}
	}
}

func TestBackoffMonotonicity(t *testing.T) {
	tr := newTracker(testLimits(nil))

	var prev time.Duration
	for i := 1; i <= 10; i++ {
		tr.failures = i
		d := tr.backoffDelay()
		if d < prev {
			t.Fatalf("backoff decreased: %v after %v at failure %d", d, prev, i)
		}
		if d > tr.limits.MaxBackoff {
			t.Fatalf("backoff %v exceeds max %v", d, tr.limits.MaxBackoff)
		}
		prev = d
	}
	if prev != tr.limits.MaxBackoff {
		t.Fatalf("expected backoff capped at max, got %v", prev)
	}
}

func TestRateLimitErrorRequeuedThenFails(t *testing.T) {
	m := newTestManager(testLimits(func(l *Limits) {
		l.MaxRequeues = 2
		l.BaseRetryDelay = time.Millisecond
		l.MaxBackoff = 5 * time.Millisecond
	}))
	defer m.Stop()

	var calls int64
	ch, err := m.Enqueue("fts", 0, func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, models.NewAPIError("fts", "too many requests", 429)
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := collect(t, ch, 5*time.Second)
	if res.Err == nil {
		t.Fatalf("expected permanent failure")
	}
	// Initial attempt plus MaxRequeues re-executions.
	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestNonRateLimitErrorFailsImmediately(t *testing.T) {
	m := newTestManager(testLimits(nil))
	defer m.Stop()

	var calls int64
	ch, err := m.Enqueue("who", 0, func(ctx context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("connection refused")
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := collect(t, ch, 2*time.Second)
	if res.Err == nil {
		t.Fatalf("expected failure")
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("expected single attempt, got %d", n)
	}
	if st := m.Status("who"); st.BackedOff {
		t.Fatalf("non-throttle failure must not trigger backoff")
	}
}

func TestQueueFullRejectsNewest(t *testing.T) {
	m := NewManager(WithDefaultLimits(testLimits(func(l *Limits) {
		l.MaxQueueDepth = 2
	})))
	// Not started: nothing drains, the queue just fills.

	work := func(ctx context.Context) (any, error) { return nil, nil }
	if _, err := m.Enqueue("hdx", 0, work); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if _, err := m.Enqueue("hdx", 0, work); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if _, err := m.Enqueue("hdx", 0, work); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestClearQueueResolvesPending(t *testing.T) {
	m := NewManager(WithDefaultLimits(testLimits(nil)))

	ch, err := m.Enqueue("unocha", 0, func(ctx context.Context) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if n := m.ClearQueue("unocha"); n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
	res := collect(t, ch, time.Second)
	if !errors.Is(res.Err, ErrQueueCleared) {
		t.Fatalf("expected ErrQueueCleared, got %v", res.Err)
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	m := newTestManager(testLimits(func(l *Limits) {
		l.MaxRequeues = 0
		l.BaseRetryDelay = time.Millisecond
	}))
	defer m.Stop()

	ch, _ := m.Enqueue("unhcr", 0, func(ctx context.Context) (any, error) {
		return nil, models.NewAPIError("unhcr", "rate limit exceeded", 429)
	})
	res := collect(t, ch, 2*time.Second)
	if res.Err == nil {
		t.Fatalf("expected throttle failure")
	}

	// Wait out the short backoff, then succeed.
	time.Sleep(20 * time.Millisecond)
	ch, _ = m.Enqueue("unhcr", 0, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	res = collect(t, ch, 2*time.Second)
	if res.Err != nil {
		t.Fatalf("expected success, got %v", res.Err)
	}

	st := m.Status("unhcr")
	if st.ConsecutiveFailures != 0 || st.BackedOff {
		t.Fatalf("expected backoff cleared after success: %+v", st)
	}
}
