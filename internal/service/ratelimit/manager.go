package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"AidPull/internal/domain/models"
	"AidPull/internal/domain/repository"
	applogger "AidPull/pkg/logger"
)

var (
	// ErrQueueFull is returned when a source's queue is at its
	// configured depth. Policy: reject-newest.
	ErrQueueFull = errors.New("ratelimit: queue full")

	// ErrQueueCleared resolves requests cancelled by a queue clear
	// before they started executing.
	ErrQueueCleared = errors.New("ratelimit: queue cleared")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("ratelimit: manager stopped")
)

// UnitOfWork is the opaque callable executed once a request is
// admitted. The work owns its own retries for non-rate-limit failures.
type UnitOfWork func(ctx context.Context) (any, error)

// Result resolves a queued request: exactly one of Value or Err.
type Result struct {
	Value any
	Err   error
}

type queuedRequest struct {
	source     string
	work       UnitOfWork
	priority   int
	enqueuedAt time.Time
	requeues   int
	done       chan Result
}

func (r *queuedRequest) resolve(res Result) {
	// done is buffered; resolve never blocks and fires exactly once.
	select {
	case r.done <- res:
	default:
	}
}

// Option configures the Manager.
type Option func(*Manager)

// WithDrainInterval sets the queue drain tick.
func WithDrainInterval(d time.Duration) Option {
	return func(m *Manager) { m.drainEvery = d }
}

// WithDefaultLimits sets limits for unconfigured sources.
func WithDefaultLimits(l Limits) Option {
	return func(m *Manager) { m.defaults = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *applogger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt repository.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager guarantees that in-flight and per-window request counts for
// any one source never exceed its configured limits, while servicing
// each source's queue in (priority desc, enqueue-time asc) order.
// Sources are fully independent lanes.
type Manager struct {
	mu       sync.Mutex
	trackers map[string]*tracker
	defaults Limits

	drainEvery time.Duration
	logger     *applogger.Logger
	metrics    repository.Metrics

	runCtx  context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewManager creates a rate limit manager. Call Start to begin
// draining queues.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		trackers:   make(map[string]*tracker),
		defaults:   DefaultLimits(),
		drainEvery: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure installs per-source limits derived from its config.
func (m *Manager) Configure(source string, rl models.RateLimitConfig) {
	limits := m.defaults
	if rl.MaxConcurrent > 0 {
		limits.MaxConcurrent = rl.MaxConcurrent
	}
	if rl.MaxPerMinute > 0 {
		limits.MaxPerMinute = rl.MaxPerMinute
	}
	if rl.MaxPerHour > 0 {
		limits.MaxPerHour = rl.MaxPerHour
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[source]; ok {
		t.limits = limits
		return
	}
	m.trackers[source] = newTracker(limits)
}

// Start launches the drain loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.drainLoop(m.runCtx)
}

// Stop halts draining and fails all still-queued requests. Requests
// already executing run to completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.stopped = true
	for source, t := range m.trackers {
		for _, req := range t.queue {
			req.resolve(Result{Err: ErrQueueCleared})
		}
		t.queue = nil
		m.reportDepth(source, t)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Enqueue appends a unit of work to the source's queue and returns the
// channel its result will be delivered on. Fails fast with ErrQueueFull
// when the lane is at its configured depth.
func (m *Manager) Enqueue(source string, priority int, work UnitOfWork) (<-chan Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}

	t := m.tracker(source)
	if len(t.queue) >= t.limits.MaxQueueDepth {
		return nil, ErrQueueFull
	}

	req := &queuedRequest{
		source:     source,
		work:       work,
		priority:   priority,
		enqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}
	t.queue = append(t.queue, req)

	// Higher priority first; FIFO within a tier.
	sort.SliceStable(t.queue, func(i, j int) bool {
		if t.queue[i].priority != t.queue[j].priority {
			return t.queue[i].priority > t.queue[j].priority
		}
		return t.queue[i].enqueuedAt.Before(t.queue[j].enqueuedAt)
	})

	m.reportDepth(source, t)
	return req.done, nil
}

// ClearQueue cancels every not-yet-started request for a source and
// returns how many were cleared.
func (m *Manager) ClearQueue(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[source]
	if !ok {
		return 0
	}
	n := len(t.queue)
	for _, req := range t.queue {
		req.resolve(Result{Err: ErrQueueCleared})
	}
	t.queue = nil
	m.reportDepth(source, t)
	return n
}

// Status returns the live view of one source's lane.
func (m *Manager) Status(source string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[source]
	if !ok {
		return Status{Source: source}
	}
	now := time.Now()
	t.prune(now)
	return t.status(source, now)
}

// StatusAll returns the live view of every known lane.
func (m *Manager) StatusAll() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make(map[string]Status, len(m.trackers))
	for source, t := range m.trackers {
		t.prune(now)
		out[source] = t.status(source, now)
	}
	return out
}

func (m *Manager) tracker(source string) *tracker {
	t, ok := m.trackers[source]
	if !ok {
		t = newTracker(m.defaults)
		m.trackers[source] = t
	}
	return t
}

func (m *Manager) drainLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drainAll(ctx)
		}
	}
}

func (m *Manager) drainAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for source, t := range m.trackers {
		if now.Before(t.backoffUntil) {
			continue
		}
		t.prune(now)

		for len(t.queue) > 0 && t.admissible() {
			req := t.queue[0]
			t.queue = t.queue[1:]
			t.recordStart(now)
			m.reportDepth(source, t)

			m.wg.Add(1)
			go m.execute(ctx, req)
		}
	}
}

func (m *Manager) execute(ctx context.Context, req *queuedRequest) {
	defer m.wg.Done()

	value, err := req.work(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tracker(req.source)
	t.inFlight--
	m.reportDepth(req.source, t)

	if err == nil {
		t.failures = 0
		t.backoffUntil = time.Time{}
		req.resolve(Result{Value: value})
		return
	}

	if !IsRateLimitError(err) {
		// Not our class of failure; resolve immediately. Transient
		// retries happen inside the unit of work.
		req.resolve(Result{Err: err})
		return
	}

	t.failures++
	delay := t.backoffDelay()
	t.backoffUntil = time.Now().Add(delay)

	if m.logger != nil {
		m.logger.Warn("source throttled, backing off",
			applogger.String("source", req.source),
			applogger.Int("failures", t.failures),
			applogger.String("backoff", delay.String()))
	}

	if req.requeues < t.limits.MaxRequeues && !m.stopped {
		req.requeues++
		// Head of the queue, so ordering survives the requeue.
		t.queue = append([]*queuedRequest{req}, t.queue...)
		m.reportDepth(req.source, t)
		return
	}

	req.resolve(Result{Err: err})
}

func (m *Manager) reportDepth(source string, t *tracker) {
	if m.metrics == nil {
		return
	}
	m.metrics.SetQueueDepth(source, len(t.queue))
	m.metrics.SetInFlight(source, t.inFlight)
}

// IsRateLimitError reports whether an error indicates provider
// throttling (HTTP 429 or throttle wording in the message).
func IsRateLimitError(err error) bool {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRateLimited()
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
