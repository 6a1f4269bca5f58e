package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"optrack.evalgo.org/issues"
	"optrack.evalgo.org/metrics"
	"optrack.evalgo.org/statemanager"
)

// Refresher triggers the refresh channels
type Refresher interface {
	RequestFull(force bool)
	RequestFast(force bool)
}

// Snapshot exposes the last fetched data set
type Snapshot interface {
	Get() (json.RawMessage, bool)
	UpdatedAt() time.Time
}

// API bundles the components served over HTTP. Nil components leave their
// routes unregistered.
type API struct {
	Service   string
	Version   string
	Manager   *statemanager.Manager
	Issues    *issues.Log
	Refresher Refresher
	Snapshot  Snapshot
	Metrics   *metrics.Metrics

	// Connected reports the backend stream state in /healthz
	Connected func() bool
	// LastRefresh reports when each refresh channel last ran
	LastRefresh func() map[string]time.Time
}

// Register mounts all routes on e
func (a *API) Register(e *echo.Echo) {
	e.GET("/healthz", HealthCheckHandlerWithDetails(a.Service, a.Version, a.healthDetails))

	if a.Manager != nil {
		a.Manager.RegisterRoutes(e.Group(""))
	}
	if a.Issues != nil {
		e.GET("/issues", a.handleIssues)
		e.DELETE("/issues", a.handleClearIssues)
		e.GET("/issues/current", a.handleCurrentError)
	}
	if a.Refresher != nil {
		e.POST("/refresh/full", a.handleRefresh(a.Refresher.RequestFull))
		e.POST("/refresh/fast", a.handleRefresh(a.Refresher.RequestFast))
	}
	if a.Snapshot != nil {
		e.GET("/data", a.handleData)
	}
	if a.Metrics != nil {
		e.Use(a.Metrics.Middleware())
		e.GET("/metrics", a.Metrics.Handler())
	}
}

func (a *API) healthDetails() map[string]interface{} {
	details := map[string]interface{}{}
	if a.Manager != nil {
		details["live_operations"] = a.Manager.Len()
		details["active_operations"] = a.Manager.ActiveOperationCount()
	}
	if a.Issues != nil {
		details["issues"] = a.Issues.Len()
		if msg := a.Issues.CurrentError(); msg != "" {
			details["error"] = msg
		}
	}
	if a.Connected != nil {
		details["stream_connected"] = a.Connected()
	}
	if a.LastRefresh != nil {
		last := map[string]string{}
		for name, at := range a.LastRefresh() {
			last[name] = at.UTC().Format(time.RFC3339)
		}
		details["last_refresh"] = last
	}
	return details
}

// handleIssues returns the issue log as plain text
func (a *API) handleIssues(c echo.Context) error {
	return c.String(http.StatusOK, a.Issues.ExportAsText())
}

func (a *API) handleClearIssues(c echo.Context) error {
	a.Issues.Clear()
	a.Issues.ClearError()
	return c.NoContent(http.StatusNoContent)
}

func (a *API) handleCurrentError(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"error": a.Issues.CurrentError(),
	})
}

// handleRefresh queues a refresh; ?force=true bypasses the cooldown
func (a *API) handleRefresh(request func(force bool)) echo.HandlerFunc {
	return func(c echo.Context) error {
		force := false
		if raw := c.QueryParam("force"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "force must be a boolean")
			}
			force = parsed
		}
		request(force)
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"status": "queued",
			"force":  force,
		})
	}
}

// handleData returns the last fetched data set, 204 before the first fetch
func (a *API) handleData(c echo.Context) error {
	data, ok := a.Snapshot.Get()
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	updated := a.Snapshot.UpdatedAt()
	c.Response().Header().Set("Last-Modified", updated.UTC().Format(http.TimeFormat))
	c.Response().Header().Set("X-Data-Age", humanize.Time(updated))
	return c.JSONBlob(http.StatusOK, data)
}
