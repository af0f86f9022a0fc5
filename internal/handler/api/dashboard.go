package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"AidPull/internal/domain/models"
	internalrepo "AidPull/internal/repository"
	"AidPull/internal/service/fetcher"
	"AidPull/internal/service/monitor"
	"AidPull/internal/usecase"
	xhttp "AidPull/pkg/http"
	xlogger "AidPull/pkg/logger"
	"AidPull/pkg/util"
)

// consolidateTimeout bounds a background run started over HTTP.
const consolidateTimeout = 5 * time.Minute

// DashboardHandler serves the consolidated snapshot and the operator
// surface: source management, cache control, live stats, and alerts.
type DashboardHandler struct {
	logger       *xlogger.Logger
	fetch        *fetcher.Fetcher
	consolidator *usecase.Consolidator
	monitor      *monitor.Monitor
	archive      *internalrepo.CHPerfArchive
}

// NewDashboardHandler creates the handler. archive may be nil when the
// ClickHouse record archive is disabled.
func NewDashboardHandler(logger *xlogger.Logger, f *fetcher.Fetcher, c *usecase.Consolidator, mon *monitor.Monitor, archive *internalrepo.CHPerfArchive) *DashboardHandler {
	return &DashboardHandler{logger: logger, fetch: f, consolidator: c, monitor: mon, archive: archive}
}

func (h *DashboardHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api")
	g.GET("/snapshot", h.Snapshot)
	g.POST("/consolidate", h.Consolidate)
	g.GET("/fetch", h.Fetch)

	g.GET("/sections", h.Sections)
	g.GET("/sources", h.Sources)
	g.PATCH("/sources/:name", h.PatchSource)

	g.DELETE("/cache", h.ClearCache)
	g.GET("/stats/cache", h.CacheStats)
	g.GET("/stats/ratelimit", h.RateLimitStats)
	g.GET("/stats/performance", h.PerformanceStats)
	g.GET("/stats/failures", h.RecentFailures)

	g.GET("/alerts", h.Alerts)
	g.POST("/alerts/:id/ack", h.AckAlert)
}

func (h *DashboardHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"status":        "ok",
		"consolidating": h.consolidator.Running(),
		"auto_refresh":  h.consolidator.AutoRunning(),
	})
}

// Snapshot returns the current consolidated snapshot. refresh=true
// forces a full consolidation run first.
func (h *DashboardHandler) Snapshot(c echo.Context) error {
	req := &models.SnapshotRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	snap, err := h.consolidator.Snapshot(c.Request().Context(), req.Refresh)
	if err != nil {
		if errors.Is(err, usecase.ErrRunInProgress) {
			return xhttp.DataResponse(c, http.StatusConflict, "consolidation already in progress")
		}
		h.logger.Error("snapshot read error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, snap)
}

// Consolidate kicks off a run in the background and returns 202. The
// run is detached from the request context: the server cancels that
// context as soon as the response is written, and a canceled run would
// persist an all-unavailable snapshot over the previous good one.
func (h *DashboardHandler) Consolidate(c echo.Context) error {
	if h.consolidator.Running() {
		return xhttp.DataResponse(c, http.StatusConflict, "consolidation already in progress")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), consolidateTimeout)
		defer cancel()
		if _, err := h.consolidator.Consolidate(ctx); err != nil && !errors.Is(err, usecase.ErrRunInProgress) {
			h.logger.Error("manual consolidation failed", xlogger.Error(err))
		}
	}()
	return xhttp.DataResponse(c, http.StatusAccepted, "consolidation started")
}

// Fetch performs one ad-hoc fetch against a configured source.
func (h *DashboardHandler) Fetch(c echo.Context) error {
	req := &models.FetchRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	resp, err := h.fetch.Fetch(c.Request().Context(), req.Source, req.Endpoint, fetcher.Options{
		UseCache: useCache,
		Priority: req.Priority,
	})
	if err != nil {
		switch {
		case errors.Is(err, fetcher.ErrUnknownSource):
			return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("unknown source %s", req.Source))
		case errors.Is(err, fetcher.ErrSourceDisabled):
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("source %s is disabled", req.Source))
		}
		h.logger.Error("ad-hoc fetch error",
			xlogger.String("source", req.Source),
			xlogger.String("endpoint", req.Endpoint),
			xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, resp)
}

// Sections lists the configured section plans and fallback chains.
func (h *DashboardHandler) Sections(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, h.consolidator.MarshalPlans())
}

func (h *DashboardHandler) Sources(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.fetch.Sources())
}

// PatchSource applies a partial source config update at runtime.
func (h *DashboardHandler) PatchSource(c echo.Context) error {
	name := c.Param("name")

	req := &models.SourcePatchRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	upd := models.SourceUpdate{
		Enabled:       req.Enabled,
		Priority:      req.Priority,
		RetryAttempts: req.RetryAttempts,
	}
	if req.CacheTTL != "" {
		d, err := time.ParseDuration(req.CacheTTL)
		if err != nil || d <= 0 {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid cache_ttl %q", req.CacheTTL))
		}
		upd.CacheTTL = &d
	}

	if err := h.fetch.UpdateSource(name, upd); err != nil {
		if errors.Is(err, fetcher.ErrUnknownSource) {
			return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("unknown source %s", name))
		}
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.NoContentResponse(c)
}

// ClearCache drops one key (?key=) or the whole cache.
func (h *DashboardHandler) ClearCache(c echo.Context) error {
	key := c.QueryParam("key")
	if err := h.fetch.ClearCache(c.Request().Context(), key); err != nil {
		h.logger.Error("cache clear error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.NoContentResponse(c)
}

func (h *DashboardHandler) CacheStats(c echo.Context) error {
	stats, err := h.fetch.CacheStats(c.Request().Context())
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, stats)
}

func (h *DashboardHandler) RateLimitStats(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.fetch.RateLimitStatus())
}

// PerformanceStats returns per-source aggregates; ?since= narrows the
// raw record listing.
func (h *DashboardHandler) PerformanceStats(c echo.Context) error {
	req := &models.StatsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	out := map[string]interface{}{
		"sources": h.fetch.PerformanceStats(),
	}
	if req.Since != "" {
		since := util.ParseTimeDefault(req.Since, time.Now().Add(-5*time.Minute))
		out["records"] = h.monitor.RecordsSince(since)
	}
	return xhttp.SuccessResponse(c, out)
}

// RecentFailures lists archived failed fetches for one source. Only
// available when the ClickHouse archive is configured.
func (h *DashboardHandler) RecentFailures(c echo.Context) error {
	if h.archive == nil {
		return xhttp.DataResponse(c, http.StatusNotImplemented, "failure archive is not configured")
	}

	source := c.QueryParam("source")
	if source == "" {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("source is required"))
	}
	since := util.ParseTimeDefault(c.QueryParam("since"), time.Now().Add(-24*time.Hour))
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("invalid limit %q", v))
		}
		limit = n
	}

	recs, err := h.archive.RecentFailures(c.Request().Context(), source, since, limit)
	if err != nil {
		h.logger.Error("failure archive query error",
			xlogger.String("source", source),
			xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, recs)
}

func (h *DashboardHandler) Alerts(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.monitor.Alerts())
}

func (h *DashboardHandler) AckAlert(c echo.Context) error {
	id := c.Param("id")
	if !h.monitor.Acknowledge(id) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("unknown alert %s", id))
	}
	return xhttp.NoContentResponse(c)
}
