package audit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/claims/ingest/pkg/pagination"
)

// Handler serves the read-only reconciliation surface over audits and
// their errors.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ingestion")
	g.GET("/audits", h.ListAudits)
	g.GET("/audits/:id", h.GetAudit)
	g.GET("/audits/:id/errors", h.ListErrors)
}

func (h *Handler) ListAudits(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ListFilter{
		Status: Status(strings.ToUpper(c.QueryParam("status"))),
		FileID: c.QueryParam("file_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+c.QueryParam("status"))
	}
	items, total, err := h.svc.List(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list audits")
	}
	if items == nil {
		items = []*FileAudit{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p).WithLinks(c.Path(), c.QueryParams()))
}

func (h *Handler) GetAudit(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "audit not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load audit")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListErrors(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.Errors(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "audit not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list errors")
	}
	if items == nil {
		items = []*IngestionError{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}
