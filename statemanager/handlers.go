package statemanager

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"
)

// RegisterRoutes adds state endpoints to an Echo group
func (m *Manager) RegisterRoutes(g *echo.Group) {
	g.GET("/operations", m.handleListOperations)
	g.GET("/operations/active", m.handleListActive)
	g.GET("/operations/lookup", m.handleLookup)
	g.GET("/history", m.handleHistory)
	g.GET("/stats", m.handleGetStats)
}

// handleListOperations returns all live operations, as YAML with ?format=yaml
func (m *Manager) handleListOperations(c echo.Context) error {
	ops := m.ListOperations()
	if c.QueryParam("format") == "yaml" {
		out, err := yaml.Marshal(ops)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.Blob(http.StatusOK, "application/yaml", out)
	}
	return c.JSON(http.StatusOK, ops)
}

// handleListActive returns active operations only
func (m *Manager) handleListActive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active":     m.HasActiveOperations(),
		"count":      m.ActiveOperationCount(),
		"operations": m.ActiveOperations(),
	})
}

// handleLookup returns the state for ?repo=&folder=, never 404
func (m *Manager) handleLookup(c echo.Context) error {
	repo := c.QueryParam("repo")
	folder := c.QueryParam("folder")
	if repo == "" || folder == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "repo and folder are required",
		})
	}
	return c.JSON(http.StatusOK, m.GetOperationState(repo, folder))
}

type historyView struct {
	HistoryEntry
	Ago string `json:"ago"`
}

// handleHistory returns the completion history, newest first
func (m *Manager) handleHistory(c echo.Context) error {
	entries := m.History()
	now := time.Now()
	out := make([]historyView, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, historyView{
			HistoryEntry: entries[i],
			Ago:          humanize.RelTime(entries[i].CompletedAt, now, "ago", "from now"),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// handleGetStats returns aggregated statistics
func (m *Manager) handleGetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, m.GetStats())
}
