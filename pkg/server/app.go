package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AidPull/internal/handler/api"
	internalrepo "AidPull/internal/repository"
	"AidPull/internal/service/monitor"
	"AidPull/internal/service/ratelimit"
	"AidPull/internal/usecase"
	"AidPull/pkg/cache"
	pkgch "AidPull/pkg/clickhouse"
	"AidPull/pkg/config"
	xhttp "AidPull/pkg/http"
	pkgkafka "AidPull/pkg/kafka"
	applogger "AidPull/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg          *config.Config
	logger       *applogger.Logger
	store        cache.Store
	limiter      *ratelimit.Manager
	monitor      *monitor.Monitor
	archive      *internalrepo.CHPerfArchive
	consolidator *usecase.Consolidator
	handler      *api.DashboardHandler
	chClient     *pkgch.Client
	producer     *pkgkafka.Producer
	httpServer   *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	logger *applogger.Logger,
	store cache.Store,
	limiter *ratelimit.Manager,
	mon *monitor.Monitor,
	archive *internalrepo.CHPerfArchive,
	cons *usecase.Consolidator,
	handler *api.DashboardHandler,
	chClient *pkgch.Client,
	producer *pkgkafka.Producer,
) *App {
	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		limiter:      limiter,
		monitor:      mon,
		archive:      archive,
		consolidator: cons,
		handler:      handler,
		chClient:     chClient,
		producer:     producer,
	}
}

// kafkaLogPublisher adapts the Kafka producer to the log collector's
// Publisher interface.
type kafkaLogPublisher struct {
	producer *pkgkafka.Producer
}

func (p kafkaLogPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.producer.Publish(ctx, topic, nil, payload)
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	l := a.logger

	// Ship aggregated error logs alongside snapshots when Kafka is on.
	if a.producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          a.cfg.Kafka.Topic + ".errors",
			Publisher:      kafkaLogPublisher{producer: a.producer},
		})
	}

	a.httpServer = xhttp.NewServer(a.handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)

	a.limiter.Start()
	a.monitor.Start()
	if a.archive != nil {
		a.archive.Start()
	}

	if a.cfg.Consolidation.AutoStart {
		a.consolidator.StartAuto(a.cfg.Consolidation.Interval)
		l.Info("auto consolidation enabled",
			applogger.String("interval", a.cfg.Consolidation.Interval.String()))
	}

	if err := a.httpServer.Start(); err != nil {
		l.Error("http server start error", applogger.Error(err))
		return err
	}
	l.Info("aidpull started",
		applogger.Int("port", a.cfg.Server.Port),
		applogger.Int("sources", len(a.cfg.Sources)),
		applogger.Int("sections", len(a.cfg.Sections)))

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	l.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown gracefully stops all services: new work first, then the
// pipelines, then the infrastructure clients.
func (a *App) shutdown() error {
	l := a.logger

	a.consolidator.StopAuto()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		l.Error("http shutdown error", applogger.Error(err))
	}

	a.limiter.Stop()
	a.monitor.Stop()
	if a.archive != nil {
		a.archive.Stop()
	}

	if a.producer != nil {
		l.RemoveCollector()
		if err := a.producer.Close(); err != nil {
			l.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		l.Warn("cache close error", applogger.Error(err))
	}

	l.Info("shutdown complete")
	return nil
}
