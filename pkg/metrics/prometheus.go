package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain repository.Metrics using Prometheus.
type Recorder struct {
	fetchesTotal      *prometheus.CounterVec
	fetchLatency      *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	inFlight          *prometheus.GaugeVec
	consolidations    *prometheus.CounterVec
	consolidationTime prometheus.Histogram
	snapshotQuality   prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		fetchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aidpull_fetches_total",
				Help: "Total number of fetch attempts against external sources",
			},
			[]string{"source", "outcome"},
		),
		fetchLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aidpull_fetch_duration_seconds",
				Help:    "Duration of fetch attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		cacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aidpull_cache_lookups_total",
				Help: "Cache lookups by result",
			},
			[]string{"result"},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aidpull_rate_limit_queue_depth",
				Help: "Queued requests waiting for admission, per source",
			},
			[]string{"source"},
		),
		inFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aidpull_in_flight_requests",
				Help: "Requests currently executing, per source",
			},
			[]string{"source"},
		),
		consolidations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aidpull_consolidations_total",
				Help: "Consolidation runs by outcome",
			},
			[]string{"outcome"},
		),
		consolidationTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aidpull_consolidation_duration_seconds",
				Help:    "Duration of consolidation runs in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		snapshotQuality: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aidpull_snapshot_quality_score",
				Help: "Overall data quality score of the latest snapshot",
			},
		),
	}
}

// RecordFetch counts a fetch attempt by outcome.
func (r *Recorder) RecordFetch(source, outcome string) {
	r.fetchesTotal.WithLabelValues(source, outcome).Inc()
}

// RecordFetchLatency records one fetch duration in seconds.
func (r *Recorder) RecordFetchLatency(source string, seconds float64) {
	r.fetchLatency.WithLabelValues(source).Observe(seconds)
}

// RecordCacheHit counts a cache lookup result.
func (r *Recorder) RecordCacheHit(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// SetQueueDepth records the current queue depth for a source.
func (r *Recorder) SetQueueDepth(source string, depth int) {
	r.queueDepth.WithLabelValues(source).Set(float64(depth))
}

// SetInFlight records the current in-flight count for a source.
func (r *Recorder) SetInFlight(source string, n int) {
	r.inFlight.WithLabelValues(source).Set(float64(n))
}

// RecordConsolidation counts a consolidation run and its duration.
func (r *Recorder) RecordConsolidation(outcome string, seconds float64) {
	r.consolidations.WithLabelValues(outcome).Inc()
	r.consolidationTime.Observe(seconds)
}

// SetSnapshotQuality records the latest overall quality score.
func (r *Recorder) SetSnapshotQuality(score float64) {
	r.snapshotQuality.Set(score)
}
