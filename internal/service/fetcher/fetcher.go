package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"AidPull/internal/domain/models"
	"AidPull/internal/domain/repository"
	"AidPull/internal/service/monitor"
	"AidPull/internal/service/ratelimit"
	"AidPull/pkg/cache"
	xhttp "AidPull/pkg/http"
	applogger "AidPull/pkg/logger"
)

var (
	// ErrUnknownSource is returned for a source name not in the table.
	ErrUnknownSource = errors.New("fetcher: unknown source")

	// ErrSourceDisabled is returned for a source an operator turned off.
	ErrSourceDisabled = errors.New("fetcher: source disabled")
)

// Options tune one fetch call.
type Options struct {
	UseCache        bool
	CacheKey        string
	Params          map[string]string
	Headers         map[string]string
	Priority        int
	BypassRateLimit bool
}

// Request pairs a source and endpoint for FetchMultiple.
type Request struct {
	Source   string
	Endpoint string
	Options  Options
}

// Result is one FetchMultiple outcome: exactly one of Response or Err.
type Result struct {
	Request  Request
	Response *models.APIResponse
	Err      error
}

// Option configures the Fetcher.
type Option func(*Fetcher)

// WithLogger sets the structured logger.
func WithLogger(l *applogger.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m repository.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithRetryBaseDelay sets the delay before the first transient retry.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.retryBase = d }
}

// Fetcher is the single entry point for obtaining data from a
// (source, endpoint) pair: cache first, then a rate-limited network
// call with bounded retries, falling back across alternate sources on
// demand.
type Fetcher struct {
	mu      sync.RWMutex
	sources map[string]*models.SourceConfig

	cache   cache.Store
	limiter *ratelimit.Manager
	monitor *monitor.Monitor
	client  *xhttp.Client

	logger    *applogger.Logger
	metrics   repository.Metrics
	retryBase time.Duration
}

// New creates a fetcher over the given source table.
func New(sources []models.SourceConfig, store cache.Store, limiter *ratelimit.Manager, mon *monitor.Monitor, client *xhttp.Client, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		sources:   make(map[string]*models.SourceConfig, len(sources)),
		cache:     store,
		limiter:   limiter,
		monitor:   mon,
		client:    client,
		retryBase: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}

	for i := range sources {
		src := sources[i]
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("source config: %w", err)
		}
		f.sources[src.Name] = &src
		if limiter != nil {
			limiter.Configure(src.Name, src.RateLimit)
		}
	}
	return f, nil
}

// Fetch resolves data for (source, endpoint) honoring cache, rate
// limits, and the source's retry budget.
func (f *Fetcher) Fetch(ctx context.Context, source, endpoint string, opts Options) (*models.APIResponse, error) {
	cfg, err := f.source(source)
	if err != nil {
		return nil, err
	}

	key := opts.CacheKey
	if key == "" {
		key = cache.KeyWithParams(cache.Key(source, endpoint), opts.Params)
	}

	if opts.UseCache && f.cache != nil {
		if e, cerr := f.cache.Get(ctx, key, cfg.CacheTTL); cerr == nil {
			if f.metrics != nil {
				f.metrics.RecordCacheHit(true)
			}
			return &models.APIResponse{
				Data:      e.Payload,
				Source:    e.Source,
				Timestamp: e.StoredAt,
				FromCache: true,
			}, nil
		}
		if f.metrics != nil {
			f.metrics.RecordCacheHit(false)
		}
	}

	work := func(ctx context.Context) (any, error) {
		return f.doFetch(ctx, cfg, endpoint, key, opts)
	}

	if opts.BypassRateLimit || f.limiter == nil {
		v, err := work(ctx)
		if err != nil {
			return nil, err
		}
		return v.(*models.APIResponse), nil
	}

	ch, err := f.limiter.Enqueue(source, opts.Priority, work)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", source, err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value.(*models.APIResponse), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchMultiple runs independent fetches concurrently. One request's
// failure never aborts the others; each slot resolves independently.
func (f *Fetcher) FetchMultiple(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			resp, err := f.Fetch(ctx, req.Source, req.Endpoint, req.Options)
			results[i] = Result{Request: req, Response: resp, Err: err}
		}(i, req)
	}
	wg.Wait()

	return results
}

// FetchWithFallback tries the primary source, then each fallback in
// order, resolving with the first success. When everything fails the
// aggregate error lists every attempted source in order.
func (f *Fetcher) FetchWithFallback(ctx context.Context, primary string, fallbacks []string, endpoint string, opts Options) (*models.APIResponse, error) {
	attempted := make([]string, 0, 1+len(fallbacks))
	var lastErr error

	for _, source := range append([]string{primary}, fallbacks...) {
		attempted = append(attempted, source)

		resp, err := f.Fetch(ctx, source, endpoint, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if f.logger != nil {
			f.logger.Warn("source failed, trying next",
				applogger.String("source", source),
				applogger.String("endpoint", endpoint),
				applogger.Error(err))
		}
	}

	return nil, &models.FallbackError{
		Primary:   primary,
		Attempted: attempted,
		LastErr:   lastErr,
	}
}

// doFetch performs the network call with bounded retries. Transient
// failures (5xx, network) retry with exponential backoff; 4xx is
// terminal; 429 surfaces untouched for the rate limit manager.
func (f *Fetcher) doFetch(ctx context.Context, cfg models.SourceConfig, endpoint, cacheKey string, opts Options) (*models.APIResponse, error) {
	url := xhttp.ResolveURL(cfg.BaseURL, endpoint)

	var lastErr *models.APIError
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := f.retryBase << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, models.NewAPIError(cfg.Name, ctx.Err().Error(), 0)
			}
		}

		body, apiErr := f.attempt(ctx, cfg, url, endpoint, opts)
		if apiErr == nil {
			if opts.UseCache && f.cache != nil {
				if err := f.cache.Set(ctx, cacheKey, body, cfg.Name); err != nil && f.logger != nil {
					f.logger.Warn("cache write failed", applogger.Error(err))
				}
			}
			return &models.APIResponse{
				Data:      body,
				Source:    cfg.Name,
				Timestamp: time.Now(),
			}, nil
		}

		lastErr = apiErr
		if apiErr.IsRateLimited() || apiErr.IsClientError() {
			// Throttling belongs to the rate limit manager; client
			// errors are terminal either way.
			return nil, apiErr
		}
	}

	return nil, lastErr
}

// attempt performs exactly one HTTP call and records its outcome.
func (f *Fetcher) attempt(ctx context.Context, cfg models.SourceConfig, url, endpoint string, opts Options) ([]byte, *models.APIError) {
	start := time.Now()

	resp, err := f.client.SendRequest(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         url,
		QueryParams: opts.Params,
		Headers:     opts.Headers,
	})
	if err != nil {
		f.record(cfg.Name, endpoint, time.Since(start), false, err.Error(), 0)
		return nil, models.NewAPIError(cfg.Name, err.Error(), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.record(cfg.Name, endpoint, time.Since(start), false, err.Error(), resp.StatusCode)
		return nil, models.NewAPIError(cfg.Name, fmt.Sprintf("read body: %v", err), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
		f.record(cfg.Name, endpoint, time.Since(start), false, msg, resp.StatusCode)
		return nil, models.NewAPIError(cfg.Name, msg, resp.StatusCode)
	}

	f.record(cfg.Name, endpoint, time.Since(start), true, "", resp.StatusCode)
	return body, nil
}

func (f *Fetcher) record(source, endpoint string, latency time.Duration, success bool, errMsg string, status int) {
	if f.monitor != nil {
		f.monitor.Record(source, endpoint, latency, success, errMsg, status)
	}
}

// source returns a copy of the named config. A copy, not the shared
// pointer: the fetch path reads it without holding f.mu while the
// admin surface mutates the table.
func (f *Fetcher) source(name string) (models.SourceConfig, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cfg, ok := f.sources[name]
	if !ok {
		return models.SourceConfig{}, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if !cfg.Enabled {
		return models.SourceConfig{}, fmt.Errorf("%w: %s", ErrSourceDisabled, name)
	}
	return *cfg, nil
}

// --- Administrative surface ---

// SetEnabled flips a source's enabled toggle.
func (f *Fetcher) SetEnabled(name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg, ok := f.sources[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	cfg.Enabled = enabled

	if f.logger != nil {
		f.logger.Info("source toggled",
			applogger.String("source", name),
			applogger.Bool("enabled", enabled))
	}
	return nil
}

// UpdateSource applies a partial config update.
func (f *Fetcher) UpdateSource(name string, upd models.SourceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg, ok := f.sources[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if upd.Enabled != nil {
		cfg.Enabled = *upd.Enabled
	}
	if upd.Priority != nil {
		cfg.Priority = *upd.Priority
	}
	if upd.CacheTTL != nil {
		cfg.CacheTTL = *upd.CacheTTL
	}
	if upd.RetryAttempts != nil {
		cfg.RetryAttempts = *upd.RetryAttempts
	}
	return nil
}

// Sources returns the source table sorted by priority then name.
func (f *Fetcher) Sources() []models.SourceConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]models.SourceConfig, 0, len(f.sources))
	for _, cfg := range f.sources {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ClearCache drops one key, or everything when key is empty.
func (f *Fetcher) ClearCache(ctx context.Context, key string) error {
	if f.cache == nil {
		return nil
	}
	if key == "" {
		return f.cache.Clear(ctx)
	}
	return f.cache.Delete(ctx, key)
}

// CacheStats reads store counters.
func (f *Fetcher) CacheStats(ctx context.Context) (cache.Stats, error) {
	if f.cache == nil {
		return cache.Stats{}, nil
	}
	return f.cache.Stats(ctx)
}

// RateLimitStatus reads every lane's live status.
func (f *Fetcher) RateLimitStatus() map[string]ratelimit.Status {
	if f.limiter == nil {
		return nil
	}
	return f.limiter.StatusAll()
}

// PerformanceStats reads per-source stats from the monitor.
func (f *Fetcher) PerformanceStats() map[string]monitor.Stats {
	if f.monitor == nil {
		return nil
	}
	out := make(map[string]monitor.Stats)
	for _, source := range f.monitor.Sources() {
		out[source] = f.monitor.SourceStats(source)
	}
	return out
}
