package repository

import (
	"context"
	"time"

	"AidPull/internal/domain/models"
)

// Metrics abstracts the operational metrics recorder.
type Metrics interface {
	RecordFetch(source, outcome string)
	RecordFetchLatency(source string, seconds float64)
	RecordCacheHit(hit bool)
	SetQueueDepth(source string, depth int)
	SetInFlight(source string, n int)
	RecordConsolidation(outcome string, seconds float64)
	SetSnapshotQuality(score float64)
}

// SnapshotStore persists the current consolidated snapshot. Save
// replaces the previous snapshot atomically; Load returns the last
// complete one.
type SnapshotStore interface {
	Save(ctx context.Context, snap *models.ConsolidatedSnapshot) error
	Load(ctx context.Context) (*models.ConsolidatedSnapshot, error)
}

// SnapshotPublisher delivers finished snapshots to a downstream system.
type SnapshotPublisher interface {
	Publish(ctx context.Context, snap *models.ConsolidatedSnapshot) error
}

// PerformanceRecord is one attempted call, as archived for offline
// analysis.
type PerformanceRecord struct {
	Source     string
	Endpoint   string
	Timestamp  time.Time
	Latency    time.Duration
	Success    bool
	Error      string
	StatusCode int
}

// RecordSink receives performance records as they are produced. Add
// must not block the caller.
type RecordSink interface {
	Add(rec PerformanceRecord)
}
