package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"AidPull/internal/domain/repository"
	applogger "AidPull/pkg/logger"
)

// Stats summarizes attempted calls over the sliding window, per source
// or per (source, endpoint).
type Stats struct {
	Total       int           `json:"total"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	ErrorRate   float64       `json:"error_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MinLatency  time.Duration `json:"min_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	P50Latency  time.Duration `json:"p50_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	P99Latency  time.Duration `json:"p99_latency"`
}

// Option configures the Monitor.
type Option func(*Monitor)

// WithWindow sets the sliding stats window.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) { m.window = d }
}

// WithMaxRecords caps the record buffer.
func WithMaxRecords(n int) Option {
	return func(m *Monitor) { m.maxRecords = n }
}

// WithCheckInterval sets the threshold sweep interval.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.checkEvery = d }
}

// WithThresholds sets alerting thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *applogger.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics mirrors outcomes into the operational metrics recorder.
func WithMetrics(mt repository.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithArchive forwards every record to an external sink.
func WithArchive(sink repository.RecordSink) Option {
	return func(m *Monitor) { m.archive = sink }
}

// Monitor is the passive recorder and active alerter for every
// attempted source call.
type Monitor struct {
	mu      sync.RWMutex
	records []repository.PerformanceRecord

	window     time.Duration
	maxRecords int
	checkEvery time.Duration
	thresholds Thresholds

	alerts  map[string]*Alert
	subs    map[int]func(Alert)
	nextSub int
	alertID int64

	logger  *applogger.Logger
	metrics repository.Metrics
	archive repository.RecordSink

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a performance monitor. Call Start to begin threshold
// sweeps.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		window:     5 * time.Minute,
		maxRecords: 10000,
		checkEvery: 30 * time.Second,
		thresholds: DefaultThresholds(),
		alerts:     make(map[string]*Alert),
		subs:       make(map[int]func(Alert)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record appends one attempted call. The buffer is pruned of records
// older than twice the window and capped at maxRecords.
func (m *Monitor) Record(source, endpoint string, latency time.Duration, success bool, errMsg string, statusCode int) {
	rec := repository.PerformanceRecord{
		Source:     source,
		Endpoint:   endpoint,
		Timestamp:  time.Now(),
		Latency:    latency,
		Success:    success,
		Error:      errMsg,
		StatusCode: statusCode,
	}

	m.mu.Lock()
	m.records = append(m.records, rec)
	m.pruneLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		m.metrics.RecordFetch(source, outcome)
		m.metrics.RecordFetchLatency(source, latency.Seconds())
	}
	if m.archive != nil {
		m.archive.Add(rec)
	}
}

// SourceStats computes stats for one source over the window.
func (m *Monitor) SourceStats(source string) Stats {
	return m.stats(func(r repository.PerformanceRecord) bool {
		return r.Source == source
	})
}

// EndpointStats computes stats for one (source, endpoint) pair.
func (m *Monitor) EndpointStats(source, endpoint string) Stats {
	return m.stats(func(r repository.PerformanceRecord) bool {
		return r.Source == source && r.Endpoint == endpoint
	})
}

// Sources lists every source seen within the window.
func (m *Monitor) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-m.window)
	seen := map[string]bool{}
	for _, r := range m.records {
		if r.Timestamp.After(cutoff) {
			seen[r.Source] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RecordsSince returns a copy of records newer than the given time,
// for the admin surface.
func (m *Monitor) RecordsSince(since time.Time) []repository.PerformanceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]repository.PerformanceRecord, 0)
	for _, r := range m.records {
		if r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	return out
}

func (m *Monitor) stats(match func(repository.PerformanceRecord) bool) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-m.window)
	latencies := make([]time.Duration, 0)
	var s Stats

	for _, r := range m.records {
		if !r.Timestamp.After(cutoff) || !match(r) {
			continue
		}
		s.Total++
		if r.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		latencies = append(latencies, r.Latency)
	}

	if s.Total == 0 {
		return s
	}
	s.SuccessRate = float64(s.Successes) / float64(s.Total)
	s.ErrorRate = float64(s.Failures) / float64(s.Total)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	s.AvgLatency = sum / time.Duration(len(latencies))
	s.MinLatency = latencies[0]
	s.MaxLatency = latencies[len(latencies)-1]
	s.P50Latency = percentile(latencies, 0.50)
	s.P95Latency = percentile(latencies, 0.95)
	s.P99Latency = percentile(latencies, 0.99)
	return s
}

// percentile picks from sorted latencies with nearest-rank rounding.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (m *Monitor) pruneLocked() {
	cutoff := time.Now().Add(-2 * m.window)
	i := 0
	for i < len(m.records) && !m.records[i].Timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		m.records = append([]repository.PerformanceRecord(nil), m.records[i:]...)
	}
	if len(m.records) > m.maxRecords {
		m.records = append([]repository.PerformanceRecord(nil), m.records[len(m.records)-m.maxRecords:]...)
	}
}

// Start launches the periodic threshold sweep.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckThresholds()
		}
	}
}
