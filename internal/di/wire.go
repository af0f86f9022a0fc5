//go:build wireinject
// +build wireinject

package di

import (
	"AidPull/pkg/config"
	"AidPull/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideCacheStore,
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideHTTPClient,

		// Core services
		ProvideRateLimitManager,
		ProvidePerfArchive,
		ProvideMonitor,
		ProvideFetcher,

		// Consolidation
		ProvideSnapshotStore,
		ProvideConsolidator,

		// HTTP surface
		ProvideDashboardHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
