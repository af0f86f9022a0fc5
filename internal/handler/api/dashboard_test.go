package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"AidPull/internal/domain/models"
	"AidPull/internal/service/fetcher"
	"AidPull/internal/service/monitor"
	"AidPull/internal/usecase"
	xhttp "AidPull/pkg/http"
	xlogger "AidPull/pkg/logger"
)

type memSnapshotStore struct {
	mu   sync.Mutex
	snap *models.ConsolidatedSnapshot
}

func (s *memSnapshotStore) Save(_ context.Context, snap *models.ConsolidatedSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return nil
}

func (s *memSnapshotStore) Load(_ context.Context) (*models.ConsolidatedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, usecase.ErrNoSnapshot
	}
	return s.snap, nil
}

func (s *memSnapshotStore) current() *models.ConsolidatedSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func newTestRouter(t *testing.T, sourceURL string) (*echo.Echo, *memSnapshotStore) {
	t.Helper()

	l, err := xlogger.New(&xlogger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	f, err := fetcher.New([]models.SourceConfig{{
		Name:          "unhcr",
		BaseURL:       sourceURL,
		Enabled:       true,
		RetryAttempts: 1,
	}}, nil, nil, nil, xhttp.NewClient())
	if err != nil {
		t.Fatalf("fetcher.New: %v", err)
	}

	plans := []models.SectionPlan{
		{Name: "displacement", Subsections: map[string][]models.FetchCandidate{
			"refugees": {{Source: "unhcr", Endpoint: "/refugees"}},
		}},
	}
	store := &memSnapshotStore{}
	cons := usecase.NewConsolidator(f, store, plans)

	h := NewDashboardHandler(l, f, cons, monitor.New(), nil)
	e := echo.New()
	h.RegisterRoutes(e)
	return e, store
}

func TestConsolidateSurvivesRequestCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"refugees":120000,"idps":45000,"returnees":3000,"as_of":"2026-07"}`))
	}))
	defer srv.Close()

	e, store := newTestRouter(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/consolidate", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	// The server cancels the request context once the response is
	// written; the background run must not inherit it.
	cancel()

	if !strings.Contains(rec.Body.String(), "consolidation started") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	deadline := time.After(2 * time.Second)
	for {
		if snap := store.current(); snap != nil {
			res := snap.Sections["displacement"].Subsections["refugees"]
			if res.Unavailable {
				t.Fatalf("run inherited the request context: %s", res.Error)
			}
			if snap.Quality.Overall != 1 {
				t.Fatalf("quality = %v, want 1", snap.Quality.Overall)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("background run never persisted a snapshot")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRecentFailuresWithoutArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e, _ := newTestRouter(t, srv.URL)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats/failures?source=unhcr", nil))
	if !strings.Contains(rec.Body.String(), "not configured") {
		t.Fatalf("expected archive-disabled response, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats/failures", nil))
	if !strings.Contains(rec.Body.String(), "not configured") {
		t.Fatalf("nil archive must answer before validation, got %s", rec.Body.String())
	}
}
