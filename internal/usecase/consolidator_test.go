package usecase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AidPull/internal/domain/models"
	"AidPull/internal/service/fetcher"
	xhttp "AidPull/pkg/http"
)

type memSnapshotStore struct {
	mu    sync.Mutex
	snap  *models.ConsolidatedSnapshot
	saves int
}

func (s *memSnapshotStore) Save(_ context.Context, snap *models.ConsolidatedSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.saves++
	return nil
}

func (s *memSnapshotStore) Load(_ context.Context) (*models.ConsolidatedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, ErrNoSnapshot
	}
	return s.snap, nil
}

func testFetcher(t *testing.T, sources map[string]string) *fetcher.Fetcher {
	t.Helper()

	cfgs := make([]models.SourceConfig, 0, len(sources))
	for name, baseURL := range sources {
		cfgs = append(cfgs, models.SourceConfig{
			Name:          name,
			BaseURL:       baseURL,
			Enabled:       true,
			RetryAttempts: 1,
		})
	}
	f, err := fetcher.New(cfgs, nil, nil, nil, xhttp.NewClient())
	if err != nil {
		t.Fatalf("fetcher.New: %v", err)
	}
	return f
}

const displacementBody = `{"refugees":120000,"idps":45000,"returnees":3000,"as_of":"2026-07"}`
const fundingBody = `{"required_usd":5000000,"received_usd":1250000,"coverage_pct":25,"appeals_count":3}`

func TestConsolidateBuildsCompleteSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "refugees"):
			w.Write([]byte(displacementBody))
		case strings.Contains(r.URL.Path, "appeals"):
			w.Write([]byte(fundingBody))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {{Source: "unhcr", Endpoint: "/refugees"}},
		}},
		{Name: "funding", Subsections: map[string][]models.FetchCandidate{
			"appeals": {{Source: "fts", Endpoint: "/appeals"}},
		}},
	}
	store := &memSnapshotStore{}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": srv.URL, "fts": srv.URL}), store, plans)

	snap, err := c.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1", snap.Version)
	}
	if len(snap.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(snap.Sections))
	}
	res := snap.Sections["displacement"].Subsections["refugees"]
	if res.Unavailable || res.Source != "unhcr" || len(res.Data) == 0 {
		t.Fatalf("unexpected refugees result: %+v", res)
	}
	if snap.Quality.Overall != 1 {
		t.Fatalf("quality = %v, want 1", snap.Quality.Overall)
	}
	if store.saves != 1 {
		t.Fatalf("saves = %d, want 1", store.saves)
	}
}

func TestQualityScoringFlagsMissingSubsections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "malnutrition") {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Write([]byte(displacementBody))
	}))
	defer srv.Close()

	plans := []models.SectionPlan{
		{Name: "food_security", Subsections: map[string][]models.FetchCandidate{
			"refugees":     {{Source: "who", Endpoint: "/refugees"}},
			"idps":         {{Source: "who", Endpoint: "/idps"}},
			"returnees":    {{Source: "who", Endpoint: "/returnees"}},
			"malnutrition": {{Source: "who", Endpoint: "/malnutrition"}},
		}},
	}
	store := &memSnapshotStore{}
	c := NewConsolidator(testFetcher(t, map[string]string{"who": srv.URL}), store, plans)

	snap, err := c.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if got := snap.Quality.PerSection["food_security"]; got != 0.75 {
		t.Fatalf("section quality = %v, want 0.75", got)
	}
	res := snap.Sections["food_security"].Subsections["malnutrition"]
	if !res.Unavailable || res.Error == "" {
		t.Fatalf("expected unavailable marker with error, got %+v", res)
	}
	found := false
	for _, issue := range snap.Quality.Issues {
		if strings.Contains(issue, "malnutrition") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues %v do not name the missing subsection", snap.Quality.Issues)
	}
}

func TestFallbackChainWithinSubsection(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(displacementBody))
	}))
	defer good.Close()

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {
				{Source: "unhcr", Endpoint: "/refugees"},
				{Source: "hdx", Endpoint: "/refugees"},
			},
		}},
	}
	store := &memSnapshotStore{}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": bad.URL, "hdx": good.URL}), store, plans)

	snap, err := c.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	res := snap.Sections["displacement"].Subsections["refugees"]
	if res.Source != "hdx" {
		t.Fatalf("winning source = %q, want hdx", res.Source)
	}
}

func TestEmptyPayloadFallsThroughToNextCandidate(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"refugees":0,"idps":0,"returnees":0,"as_of":"2026-07"}`))
	}))
	defer empty.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(displacementBody))
	}))
	defer good.Close()

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {
				{Source: "unhcr", Endpoint: "/refugees"},
				{Source: "hdx", Endpoint: "/refugees"},
			},
		}},
	}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": empty.URL, "hdx": good.URL}), &memSnapshotStore{}, plans)

	snap, err := c.Consolidate(context.Background())
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if got := snap.Sections["displacement"].Subsections["refugees"].Source; got != "hdx" {
		t.Fatalf("winning source = %q, want hdx", got)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.Write([]byte(displacementBody))
	}))
	defer srv.Close()
	defer close(release)

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {{Source: "unhcr", Endpoint: "/refugees"}},
		}},
	}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": srv.URL}), &memSnapshotStore{}, plans)

	done := make(chan error, 1)
	go func() {
		_, err := c.Consolidate(context.Background())
		done <- err
	}()

	<-started
	if _, err := c.Consolidate(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second run err = %v, want ErrRunInProgress", err)
	}
	if !c.Running() {
		t.Fatal("Running() = false during an active run")
	}

	release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("first run err = %v", err)
	}
}

func TestReaderSeesPreviousSnapshotDuringRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int64
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.Write([]byte(displacementBody))
			return
		}
		once.Do(func() { close(started) })
		<-release
		w.Write([]byte(displacementBody))
	}))
	defer srv.Close()

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {{Source: "unhcr", Endpoint: "/refugees"}},
		}},
	}
	store := &memSnapshotStore{}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": srv.URL}), store, plans)

	if _, err := c.Consolidate(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Consolidate(context.Background())
		done <- err
	}()
	<-started

	// The second run is mid-flight; readers must still get the complete
	// first snapshot, never a partial one.
	snap, err := c.Snapshot(context.Background(), false)
	if err != nil {
		t.Fatalf("Snapshot during run: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("mid-run read version = %d, want previous 1", snap.Version)
	}
	res := snap.Sections["displacement"].Subsections["refugees"]
	if res.Unavailable || len(res.Data) == 0 {
		t.Fatalf("mid-run read returned incomplete snapshot: %+v", res)
	}
	if saves := func() int { store.mu.Lock(); defer store.mu.Unlock(); return store.saves }(); saves != 1 {
		t.Fatalf("mid-run read touched the store (saves=%d)", saves)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("second run: %v", err)
	}

	snap, err = c.Snapshot(context.Background(), false)
	if err != nil {
		t.Fatalf("Snapshot after run: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("post-run version = %d, want 2", snap.Version)
	}
}

func TestSnapshotPrefersStoredCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(displacementBody))
	}))
	defer srv.Close()

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {{Source: "unhcr", Endpoint: "/refugees"}},
		}},
	}
	store := &memSnapshotStore{snap: &models.ConsolidatedSnapshot{Version: 7, UpdatedAt: time.Now()}}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": srv.URL}), store, plans)

	snap, err := c.Snapshot(context.Background(), false)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Version != 7 {
		t.Fatalf("version = %d, want stored 7", snap.Version)
	}
	if store.saves != 0 {
		t.Fatalf("cached read triggered %d saves", store.saves)
	}

	snap, err = c.Snapshot(context.Background(), true)
	if err != nil {
		t.Fatalf("forced Snapshot: %v", err)
	}
	if snap.Version != 1 || store.saves != 1 {
		t.Fatalf("forced refresh: version=%d saves=%d", snap.Version, store.saves)
	}
}

func TestSubscriberPanicDoesNotAbortPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(displacementBody))
	}))
	defer srv.Close()

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {{Source: "unhcr", Endpoint: "/refugees"}},
		}},
	}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": srv.URL}), &memSnapshotStore{}, plans)

	var got int
	c.Subscribe(func(*models.ConsolidatedSnapshot) { panic("boom") })
	unsub := c.Subscribe(func(*models.ConsolidatedSnapshot) { got++ })

	if _, err := c.Consolidate(context.Background()); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if got != 1 {
		t.Fatalf("surviving subscriber called %d times, want 1", got)
	}

	unsub()
	if _, err := c.Consolidate(context.Background()); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if got != 1 {
		t.Fatalf("unsubscribed callback still invoked (got=%d)", got)
	}
}

func TestAutoRunStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(displacementBody))
	}))
	defer srv.Close()

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {{Source: "unhcr", Endpoint: "/refugees"}},
		}},
	}
	store := &memSnapshotStore{}
	c := NewConsolidator(testFetcher(t, map[string]string{"unhcr": srv.URL}), store, plans)

	c.StartAuto(20 * time.Millisecond)
	if !c.AutoRunning() {
		t.Fatal("AutoRunning() = false after StartAuto")
	}

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := store.saves
		store.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("auto runs did not accumulate (saves=%d)", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.StopAuto()
	if c.AutoRunning() {
		t.Fatal("AutoRunning() = true after StopAuto")
	}
}
