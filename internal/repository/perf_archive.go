package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	domrepo "AidPull/internal/domain/repository"
	pkgch "AidPull/pkg/clickhouse"
	applogger "AidPull/pkg/logger"
)

// perfSchema creates the archive table. Idempotent; applied at startup.
var perfSchema = []string{
	`CREATE DATABASE IF NOT EXISTS aidpull`,
	`CREATE TABLE IF NOT EXISTS aidpull.perf_records (
        ts          DateTime64(3),
        source      LowCardinality(String),
        endpoint    String,
        latency_ms  Float64,
        success     UInt8,
        status_code Int32,
        error       String
    ) ENGINE = MergeTree()
      PARTITION BY toYYYYMM(ts)
      ORDER BY (source, ts)
      TTL toDateTime(ts) + INTERVAL 90 DAY`,
}

// CHPerfArchive archives performance records to ClickHouse in batches.
// Add never blocks the hot path: records accumulate in memory and a
// background flusher writes them out on a timer or when the batch
// fills.
type CHPerfArchive struct {
	db    *sql.DB
	l     *applogger.Logger
	batch int
	every time.Duration

	mu      sync.Mutex
	pending []domrepo.PerformanceRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCHPerfArchive creates the archive and ensures its schema exists.
func NewCHPerfArchive(ctx context.Context, ch *pkgch.Client, batchSize int, flushEvery time.Duration) (*CHPerfArchive, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	if err := ch.InitSchema(ctx, perfSchema); err != nil {
		return nil, fmt.Errorf("perf archive schema: %w", err)
	}
	return &CHPerfArchive{
		db:    ch.DB(),
		batch: batchSize,
		every: flushEvery,
	}, nil
}

// SetLogger injects a structured logger.
func (a *CHPerfArchive) SetLogger(l *applogger.Logger) { a.l = l }

// Add buffers one record. Implements domain repository.RecordSink.
func (a *CHPerfArchive) Add(rec domrepo.PerformanceRecord) {
	a.mu.Lock()
	a.pending = append(a.pending, rec)
	full := len(a.pending) >= a.batch
	a.mu.Unlock()

	if full {
		go a.Flush(context.Background())
	}
}

// Start launches the periodic flusher.
func (a *CHPerfArchive) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)

	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Flush(context.Background())
			}
		}
	}()
}

// Stop halts the flusher and writes out anything still pending.
func (a *CHPerfArchive) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	a.Flush(context.Background())
}

// Flush writes all buffered records in one multi-row insert.
func (a *CHPerfArchive) Flush(ctx context.Context) {
	a.mu.Lock()
	recs := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(recs) == 0 {
		return
	}

	values := make([]string, 0, len(recs))
	args := make([]interface{}, 0, len(recs)*7)
	for _, r := range recs {
		success := uint8(0)
		if r.Success {
			success = 1
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.Timestamp,
			r.Source,
			r.Endpoint,
			float64(r.Latency)/float64(time.Millisecond),
			success,
			int32(r.StatusCode),
			r.Error,
		)
	}

	q := fmt.Sprintf(
		"INSERT INTO aidpull.perf_records (ts, source, endpoint, latency_ms, success, status_code, error) VALUES %s",
		strings.Join(values, ","))
	if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
		if a.l != nil {
			a.l.Error("perf archive flush failed",
				applogger.Int("records", len(recs)),
				applogger.Error(err))
		}
		return
	}

	if a.l != nil {
		a.l.Debug("perf archive flushed", applogger.Int("records", len(recs)))
	}
}

// RecentFailures queries archived failures for a source since a cutoff.
func (a *CHPerfArchive) RecentFailures(ctx context.Context, source string, since time.Time, limit int) ([]domrepo.PerformanceRecord, error) {
	const q = `
        SELECT ts, source, endpoint, latency_ms, status_code, error
        FROM aidpull.perf_records
        WHERE source = ? AND success = 0 AND ts >= ?
        ORDER BY ts DESC
        LIMIT ?
    `
	rows, err := a.db.QueryContext(ctx, q, source, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	out := make([]domrepo.PerformanceRecord, 0, limit)
	for rows.Next() {
		var r domrepo.PerformanceRecord
		var latencyMS float64
		var status int32
		if err := rows.Scan(&r.Timestamp, &r.Source, &r.Endpoint, &latencyMS, &status, &r.Error); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		r.StatusCode = int(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
