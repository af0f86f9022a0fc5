package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"AidPull/internal/domain/models"
	"AidPull/internal/domain/repository"
	"AidPull/internal/service/fetcher"
	applogger "AidPull/pkg/logger"
)

var (
	// ErrRunInProgress rejects a consolidation started while another
	// is still running. Runs never interleave.
	ErrRunInProgress = errors.New("consolidation already in progress")

	// ErrNoSnapshot is returned by the cached-read path before the
	// first run ever completed.
	ErrNoSnapshot = errors.New("no consolidated snapshot available")
)

// ConsolidatorOption configures the Consolidator.
type ConsolidatorOption func(*Consolidator)

// WithQualityThreshold sets the per-section completeness threshold
// below which a section is flagged as an issue.
func WithQualityThreshold(t float64) ConsolidatorOption {
	return func(c *Consolidator) { c.qualityThreshold = t }
}

// WithPublisher sets the downstream snapshot publisher.
func WithPublisher(p repository.SnapshotPublisher) ConsolidatorOption {
	return func(c *Consolidator) { c.publisher = p }
}

// WithConsolidatorLogger sets the structured logger.
func WithConsolidatorLogger(l *applogger.Logger) ConsolidatorOption {
	return func(c *Consolidator) { c.logger = l }
}

// WithConsolidatorMetrics sets the metrics recorder.
func WithConsolidatorMetrics(m repository.Metrics) ConsolidatorOption {
	return func(c *Consolidator) { c.metrics = m }
}

// Consolidator coordinates all section/subsection fetches and merges
// them into one versioned snapshot. Readers always see either the
// previous complete snapshot or the new complete one, never a mix.
type Consolidator struct {
	fetch *fetcher.Fetcher
	store repository.SnapshotStore
	plans []models.SectionPlan

	publisher        repository.SnapshotPublisher
	logger           *applogger.Logger
	metrics          repository.Metrics
	qualityThreshold float64

	mu      sync.Mutex
	running bool
	version int64

	subMu   sync.Mutex
	subs    map[int]func(*models.ConsolidatedSnapshot)
	nextSub int

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoWG     sync.WaitGroup
}

// NewConsolidator creates the consolidation engine.
func NewConsolidator(f *fetcher.Fetcher, store repository.SnapshotStore, plans []models.SectionPlan, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		fetch:            f,
		store:            store,
		plans:            plans,
		qualityThreshold: 0.5,
		subs:             make(map[int]func(*models.ConsolidatedSnapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a snapshot callback and returns an unsubscribe
// handle. Subscriber panics never abort publishing.
func (c *Consolidator) Subscribe(fn func(*models.ConsolidatedSnapshot)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

// Snapshot returns the last persisted snapshot, triggering a full run
// only when none exists yet or a refresh is forced.
func (c *Consolidator) Snapshot(ctx context.Context, forceRefresh bool) (*models.ConsolidatedSnapshot, error) {
	if !forceRefresh {
		snap, err := c.store.Load(ctx)
		if err == nil {
			return snap, nil
		}
	}
	return c.Consolidate(ctx)
}

// Consolidate runs one full consolidation: fan out across every
// section and subsection, merge, score, persist, publish. A concurrent
// call is rejected with ErrRunInProgress.
func (c *Consolidator) Consolidate(ctx context.Context) (*models.ConsolidatedSnapshot, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrRunInProgress
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	start := time.Now()
	if c.logger != nil {
		c.logger.Info("consolidation started", applogger.Int("sections", len(c.plans)))
	}

	sections := c.fetchSections(ctx)
	snap := c.merge(sections)
	c.score(snap)

	if err := c.store.Save(ctx, snap); err != nil {
		if c.metrics != nil {
			c.metrics.RecordConsolidation("error", time.Since(start).Seconds())
		}
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, snap); err != nil && c.logger != nil {
			c.logger.Warn("snapshot publish failed", applogger.Error(err))
		}
	}
	c.broadcast(snap)

	if c.metrics != nil {
		c.metrics.RecordConsolidation("success", time.Since(start).Seconds())
		c.metrics.SetSnapshotQuality(snap.Quality.Overall)
	}
	if c.logger != nil {
		c.logger.Info("consolidation finished",
			applogger.Int64("version", snap.Version),
			applogger.Float64("quality", snap.Quality.Overall),
			applogger.String("took", time.Since(start).String()))
	}
	return snap, nil
}

// fetchSections fans out across every subsection of every section with
// maximum parallelism; only the rate limit manager throttles the fan.
// Every subsection settles: a failure becomes an unavailable marker,
// never an aborted run.
func (c *Consolidator) fetchSections(ctx context.Context) map[string]models.SectionData {
	type slot struct {
		section string
		result  models.SubsectionResult
	}

	var mu sync.Mutex
	slots := make([]slot, 0)

	g, gctx := errgroup.WithContext(ctx)
	for _, plan := range c.plans {
		for name, candidates := range plan.Subsections {
			plan, name, candidates := plan, name, candidates
			g.Go(func() error {
				res := c.fetchSubsection(gctx, name, candidates)
				mu.Lock()
				slots = append(slots, slot{section: plan.Name, result: res})
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait() // workers never return errors; failures are markers

	sections := make(map[string]models.SectionData, len(c.plans))
	for _, plan := range c.plans {
		sections[plan.Name] = models.SectionData{
			Name:        plan.Name,
			Subsections: make(map[string]models.SubsectionResult),
		}
	}
	for _, s := range slots {
		sections[s.section].Subsections[s.result.Name] = s.result
	}
	return sections
}

// fetchSubsection walks one fallback chain in order; the first source
// whose payload decodes, validates, and is populated wins.
func (c *Consolidator) fetchSubsection(ctx context.Context, name string, candidates []models.FetchCandidate) models.SubsectionResult {
	var lastErr error
	attempted := make([]string, 0, len(candidates))

	for _, cand := range candidates {
		attempted = append(attempted, cand.Source)

		resp, err := c.fetch.Fetch(ctx, cand.Source, cand.Endpoint, fetcher.Options{
			UseCache: true,
		})
		if err != nil {
			lastErr = err
			continue
		}

		ds, err := models.DecodeDataset(name, resp.Data)
		if err != nil {
			lastErr = err
			continue
		}
		if !ds.Populated() {
			lastErr = fmt.Errorf("%s: empty payload from %s", name, cand.Source)
			continue
		}

		return models.SubsectionResult{
			Name:      name,
			Source:    resp.Source,
			FetchedAt: resp.Timestamp,
			Data:      resp.Data,
		}
	}

	agg := &models.FallbackError{Attempted: attempted, LastErr: lastErr}
	if len(attempted) > 0 {
		agg.Primary = attempted[0]
	}
	if c.logger != nil {
		c.logger.Warn("subsection unavailable",
			applogger.String("subsection", name),
			applogger.Error(agg))
	}
	return models.SubsectionResult{
		Name:        name,
		Unavailable: true,
		Error:       agg.Error(),
	}
}

// merge assembles the finished snapshot. The snapshot under
// construction is local to the run and never visible to readers.
func (c *Consolidator) merge(sections map[string]models.SectionData) *models.ConsolidatedSnapshot {
	c.mu.Lock()
	c.version++
	version := c.version
	c.mu.Unlock()

	return &models.ConsolidatedSnapshot{
		Version:   version,
		UpdatedAt: time.Now(),
		Sections:  sections,
	}
}

// score computes per-section and overall data quality and collects
// issue strings for sections below the completeness threshold.
func (c *Consolidator) score(snap *models.ConsolidatedSnapshot) {
	perSection := make(map[string]float64, len(snap.Sections))
	issues := make([]string, 0)
	var sum float64

	names := make([]string, 0, len(snap.Sections))
	for name := range snap.Sections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sec := snap.Sections[name]
		expected := len(sec.Subsections)
		if expected == 0 {
			perSection[name] = 0
			continue
		}

		populated := 0
		missing := make([]string, 0)
		for sub, res := range sec.Subsections {
			if !res.Unavailable && len(res.Data) > 0 {
				populated++
			} else {
				missing = append(missing, sub)
			}
		}
		sort.Strings(missing)

		q := float64(populated) / float64(expected)
		perSection[name] = q
		sum += q

		if q < 1 {
			for _, sub := range missing {
				issues = append(issues, fmt.Sprintf("section %s: subsection %s unavailable", name, sub))
			}
		}
		if q < c.qualityThreshold {
			issues = append(issues, fmt.Sprintf("section %s below quality threshold (%.2f < %.2f)", name, q, c.qualityThreshold))
		}
	}

	overall := 0.0
	if len(perSection) > 0 {
		overall = sum / float64(len(perSection))
	}
	snap.Quality = models.QualityReport{
		Overall:    overall,
		PerSection: perSection,
		Issues:     issues,
	}
}

func (c *Consolidator) broadcast(snap *models.ConsolidatedSnapshot) {
	c.subMu.Lock()
	subs := make([]func(*models.ConsolidatedSnapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil && c.logger != nil {
					c.logger.Error("snapshot subscriber panicked", applogger.Any("panic", r))
				}
			}()
			fn(snap)
		}()
	}
}

// Running reports whether a consolidation run is in flight.
func (c *Consolidator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StartAuto begins recurring consolidation at the given interval. A
// failed scheduled run is logged and the timer keeps going.
func (c *Consolidator) StartAuto(interval time.Duration) {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	if c.autoCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.autoCancel = cancel
	c.autoWG.Add(1)

	go func() {
		defer c.autoWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Consolidate(ctx); err != nil && c.logger != nil {
					c.logger.Error("scheduled consolidation failed", applogger.Error(err))
				}
			}
		}
	}()
}

// StopAuto halts the recurring timer. Safe to call repeatedly.
func (c *Consolidator) StopAuto() {
	c.autoMu.Lock()
	cancel := c.autoCancel
	c.autoCancel = nil
	c.autoMu.Unlock()

	if cancel != nil {
		cancel()
		c.autoWG.Wait()
	}
}

// AutoRunning reports whether the recurring timer is active.
func (c *Consolidator) AutoRunning() bool {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	return c.autoCancel != nil
}

// LastUpdated returns the timestamp and quality of the current
// snapshot for the admin surface.
func (c *Consolidator) LastUpdated(ctx context.Context) (time.Time, float64, error) {
	snap, err := c.store.Load(ctx)
	if err != nil {
		return time.Time{}, 0, ErrNoSnapshot
	}
	return snap.UpdatedAt, snap.Quality.Overall, nil
}

// MarshalPlans exposes the section plans for the admin surface.
func (c *Consolidator) MarshalPlans() json.RawMessage {
	b, _ := json.Marshal(c.plans)
	return b
}
