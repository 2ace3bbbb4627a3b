package catalog

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/tracker-bridge/internal/domain/mapping"
)

// Handler exposes catalog synchronization and the mapping store over HTTP.
type Handler struct {
	sync  *Synchronizer
	store mapping.Store
}

func NewHandler(sync *Synchronizer, store mapping.Store) *Handler {
	return &Handler{sync: sync, store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/synchronize", h.Synchronize)
	g.POST("/mappings/options", h.ImportOptions)
	g.POST("/mappings/concepts", h.ImportConcepts)
	g.GET("/mappings/:index", h.ListMappings)
	g.GET("/mappings/:index/:id", h.GetMapping)
}

// Synchronize handles POST /synchronize. A run where some catalogs failed
// still answers 200; the report names the failures.
func (h *Handler) Synchronize(c echo.Context) error {
	report, err := h.sync.Sync(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ImportOptions(c echo.Context) error {
	var rows []OptionRow
	if err := c.Bind(&rows); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rep, err := h.sync.ImportOptions(c.Request().Context(), rows)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) ImportConcepts(c echo.Context) error {
	var rows []ConceptRow
	if err := c.Bind(&rows); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rep, err := h.sync.ImportConcepts(c.Request().Context(), rows)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rep)
}

// ListMappings handles GET /mappings/:index.
func (h *Handler) ListMappings(c echo.Context) error {
	index := c.Param("index")
	if !knownIndex(index) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown index "+index)
	}
	docs, err := h.store.All(c.Request().Context(), index)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	bodies := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		bodies = append(bodies, d.Body)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"index": index,
		"total": len(docs),
		"items": bodies,
	})
}

// GetMapping handles GET /mappings/:index/:id.
func (h *Handler) GetMapping(c echo.Context) error {
	index := c.Param("index")
	if !knownIndex(index) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown index "+index)
	}
	doc, err := h.store.Get(c.Request().Context(), index, c.Param("id"))
	if errors.Is(err, mapping.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSONBlob(http.StatusOK, doc.Body)
}

func knownIndex(index string) bool {
	for _, idx := range mapping.AllIndexes {
		if idx == index {
			return true
		}
	}
	return false
}
