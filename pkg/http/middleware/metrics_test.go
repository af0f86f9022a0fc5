package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMetricsPassthrough(t *testing.T) {
	e := echo.New()
	e.Use(Metrics())
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}

	// A second server instance must reuse the registered collectors
	// instead of panicking on duplicate registration.
	e2 := echo.New()
	e2.Use(Metrics())
	e2.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	rec = httptest.NewRecorder()
	e2.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("second instance status %d", rec.Code)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		101: "1xx",
		200: "2xx",
		302: "3xx",
		404: "4xx",
		503: "5xx",
	}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Fatalf("statusClass(%d) = %s, want %s", code, got, want)
		}
	}
}
