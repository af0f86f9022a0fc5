package di

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"AidPull/internal/domain/repository"
	"AidPull/internal/handler/api"
	internalrepo "AidPull/internal/repository"
	"AidPull/internal/service/fetcher"
	"AidPull/internal/service/monitor"
	"AidPull/internal/service/ratelimit"
	"AidPull/internal/usecase"
	"AidPull/pkg/cache"
	pkgch "AidPull/pkg/clickhouse"
	"AidPull/pkg/config"
	xhttp "AidPull/pkg/http"
	pkgkafka "AidPull/pkg/kafka"
	applogger "AidPull/pkg/logger"
	"AidPull/pkg/metrics"
	"AidPull/pkg/server"
)

// ProvideLogger creates the application logger from config.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	lc := &applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if lc.Level == "" {
		lc.Level = "info"
	}
	if lc.Format == "" {
		lc.Format = "console"
	}
	if lc.Output == "" {
		lc.Output = "stdout"
	}
	return applogger.New(lc)
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideCacheStore builds the configured cache backend.
func ProvideCacheStore(cfg *config.Config) (cache.Store, error) {
	memOpts := []cache.MemoryOption{}
	if cfg.Cache.MaxSize > 0 {
		memOpts = append(memOpts, cache.WithMemoryMaxSize(cfg.Cache.MaxSize))
	}
	if cfg.Cache.Retention > 0 {
		memOpts = append(memOpts, cache.WithMemoryRetention(cfg.Cache.Retention))
	}

	if cfg.Cache.Backend == "memory" {
		return cache.NewMemoryStore(memOpts...), nil
	}

	host, portStr, err := net.SplitHostPort(cfg.Cache.Redis.Addr)
	if err != nil {
		return nil, fmt.Errorf("cache redis addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("cache redis port: %w", err)
	}

	redisOpts := []cache.RedisOption{
		cache.WithRedisHost(host),
		cache.WithRedisPort(port),
		cache.WithRedisPassword(cfg.Cache.Redis.Password),
		cache.WithRedisDB(cfg.Cache.Redis.DB),
	}
	if cfg.Cache.Redis.Prefix != "" {
		redisOpts = append(redisOpts, cache.WithRedisPrefix(cfg.Cache.Redis.Prefix))
	}
	if cfg.Cache.Retention > 0 {
		redisOpts = append(redisOpts, cache.WithRedisRetention(cfg.Cache.Retention))
	}

	rs, err := cache.NewRedisStore(redisOpts...)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	if cfg.Cache.Backend == "redis" {
		return rs, nil
	}

	layeredOpts := []cache.LayeredOption{}
	if cfg.Cache.MaxSize > 0 {
		layeredOpts = append(layeredOpts, cache.WithLayeredMemorySize(cfg.Cache.MaxSize))
	}
	return cache.NewLayeredStore(rs, layeredOpts...), nil
}

// ProvideRateLimitManager creates the per-source admission manager.
func ProvideRateLimitManager(cfg *config.Config, l *applogger.Logger, m repository.Metrics) *ratelimit.Manager {
	limits := ratelimit.DefaultLimits()
	if cfg.RateLimit.BaseRetryDelay > 0 {
		limits.BaseRetryDelay = cfg.RateLimit.BaseRetryDelay
	}
	if cfg.RateLimit.BackoffMultiplier > 0 {
		limits.BackoffMultiplier = cfg.RateLimit.BackoffMultiplier
	}
	if cfg.RateLimit.MaxBackoff > 0 {
		limits.MaxBackoff = cfg.RateLimit.MaxBackoff
	}
	if cfg.RateLimit.MaxRequeues > 0 {
		limits.MaxRequeues = cfg.RateLimit.MaxRequeues
	}
	if cfg.RateLimit.MaxQueueDepth > 0 {
		limits.MaxQueueDepth = cfg.RateLimit.MaxQueueDepth
	}

	opts := []ratelimit.Option{
		ratelimit.WithDefaultLimits(limits),
		ratelimit.WithLogger(l),
		ratelimit.WithMetrics(m),
	}
	if cfg.RateLimit.DrainInterval > 0 {
		opts = append(opts, ratelimit.WithDrainInterval(cfg.RateLimit.DrainInterval))
	}
	return ratelimit.NewManager(opts...)
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when the
// archive is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvidePerfArchive creates the ClickHouse record archive, or nil when
// no client is configured.
func ProvidePerfArchive(ch *pkgch.Client, cfg *config.Config, l *applogger.Logger) (*internalrepo.CHPerfArchive, error) {
	if ch == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	archive, err := internalrepo.NewCHPerfArchive(ctx, ch, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
	if err != nil {
		return nil, err
	}
	archive.SetLogger(l)
	return archive, nil
}

// ProvideMonitor creates the performance monitor.
func ProvideMonitor(cfg *config.Config, l *applogger.Logger, m repository.Metrics, archive *internalrepo.CHPerfArchive) *monitor.Monitor {
	opts := []monitor.Option{
		monitor.WithLogger(l),
		monitor.WithMetrics(m),
	}
	if cfg.Monitor.Window > 0 {
		opts = append(opts, monitor.WithWindow(cfg.Monitor.Window))
	}
	if cfg.Monitor.MaxRecords > 0 {
		opts = append(opts, monitor.WithMaxRecords(cfg.Monitor.MaxRecords))
	}
	if cfg.Monitor.CheckInterval > 0 {
		opts = append(opts, monitor.WithCheckInterval(cfg.Monitor.CheckInterval))
	}

	t := monitor.DefaultThresholds()
	if cfg.Monitor.Thresholds.MaxAvgLatency > 0 {
		t.MaxAvgLatency = cfg.Monitor.Thresholds.MaxAvgLatency
	}
	if cfg.Monitor.Thresholds.MaxP95Latency > 0 {
		t.MaxP95Latency = cfg.Monitor.Thresholds.MaxP95Latency
	}
	if cfg.Monitor.Thresholds.MinSuccessRate > 0 {
		t.MinSuccessRate = cfg.Monitor.Thresholds.MinSuccessRate
	}
	if cfg.Monitor.Thresholds.MaxErrorRate > 0 {
		t.MaxErrorRate = cfg.Monitor.Thresholds.MaxErrorRate
	}
	opts = append(opts, monitor.WithThresholds(t))

	if archive != nil {
		opts = append(opts, monitor.WithArchive(archive))
	}
	return monitor.New(opts...)
}

// ProvideHTTPClient creates the outbound HTTP client.
func ProvideHTTPClient(cfg *config.Config) *xhttp.Client {
	return xhttp.NewClient()
}

// ProvideFetcher creates the source fetcher over the configured table.
func ProvideFetcher(
	cfg *config.Config,
	store cache.Store,
	limiter *ratelimit.Manager,
	mon *monitor.Monitor,
	client *xhttp.Client,
	l *applogger.Logger,
	m repository.Metrics,
) (*fetcher.Fetcher, error) {
	return fetcher.New(cfg.Sources, store, limiter, mon, client,
		fetcher.WithLogger(l),
		fetcher.WithMetrics(m),
	)
}

// ProvideKafkaProducer creates a Kafka producer, or nil when publishing
// is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideSnapshotStore persists snapshots through the cache backend.
func ProvideSnapshotStore(store cache.Store) repository.SnapshotStore {
	return internalrepo.NewCachedSnapshotStore(store)
}

// ProvideConsolidator creates the consolidation engine.
func ProvideConsolidator(
	cfg *config.Config,
	f *fetcher.Fetcher,
	snapStore repository.SnapshotStore,
	producer *pkgkafka.Producer,
	l *applogger.Logger,
	m repository.Metrics,
) *usecase.Consolidator {
	opts := []usecase.ConsolidatorOption{
		usecase.WithConsolidatorLogger(l),
		usecase.WithConsolidatorMetrics(m),
		usecase.WithQualityThreshold(cfg.Consolidation.QualityThreshold),
	}
	if producer != nil {
		opts = append(opts, usecase.WithPublisher(
			internalrepo.NewKafkaSnapshotPublisher(producer, cfg.Kafka.Topic)))
	}
	return usecase.NewConsolidator(f, snapStore, cfg.Sections, opts...)
}

// ProvideDashboardHandler creates the HTTP handler.
func ProvideDashboardHandler(
	l *applogger.Logger,
	f *fetcher.Fetcher,
	c *usecase.Consolidator,
	mon *monitor.Monitor,
	archive *internalrepo.CHPerfArchive,
) *api.DashboardHandler {
	return api.NewDashboardHandler(l, f, c, mon, archive)
}

// ProvideApp assembles the application.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	store cache.Store,
	limiter *ratelimit.Manager,
	mon *monitor.Monitor,
	archive *internalrepo.CHPerfArchive,
	cons *usecase.Consolidator,
	handler *api.DashboardHandler,
	chClient *pkgch.Client,
	producer *pkgkafka.Producer,
) *server.App {
	return server.New(cfg, l, store, limiter, mon, archive, cons, handler, chClient, producer)
}
