package register

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careledger/careledger/internal/platform/auth"
	"github.com/careledger/careledger/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, manager, nurse, pharmacist
	readGroup := api.Group("", auth.RequireRole("admin", "manager", "nurse", "pharmacist"))
	readGroup.GET("/controlled-drugs", h.ListEntries)
	readGroup.GET("/controlled-drugs/stats", h.Stats)
	readGroup.GET("/controlled-drugs/discrepancies", h.ListOpenDiscrepancies)
	readGroup.GET("/controlled-drugs/:id", h.GetEntry)
	readGroup.GET("/controlled-drugs/:id/transactions", h.ListTransactions)

	// Write endpoints – admin, manager, nurse
	writeGroup := api.Group("", auth.RequireRole("admin", "manager", "nurse"))
	writeGroup.POST("/controlled-drugs", h.Register)
	writeGroup.POST("/controlled-drugs/:id/administer", h.Administer)
	writeGroup.POST("/controlled-drugs/:id/destroy", h.Destroy)
	writeGroup.POST("/controlled-drugs/:id/reconcile", h.Reconcile)
	writeGroup.POST("/controlled-drugs/:id/discrepancies/:discrepancyId/resolve", h.ResolveDiscrepancy)
	writeGroup.POST("/controlled-drugs/:id/deactivate", h.Deactivate)
	writeGroup.POST("/controlled-drugs/:id/reactivate", h.Reactivate)
}

func (h *Handler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.svc.Register(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) Administer(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req AdministerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tx, err := h.svc.Administer(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, tx)
}

func (h *Handler) Destroy(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req DestroyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tx, err := h.svc.Destroy(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, tx)
}

func (h *Handler) Reconcile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req ReconcileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := h.svc.Reconcile(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ResolveDiscrepancy(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	discrepancyID, err := uuid.Parse(c.Param("discrepancyId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid discrepancy id")
	}
	var req ResolveDiscrepancyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tx, err := h.svc.ResolveDiscrepancy(c.Request().Context(), auth.UserIDFromContext(c.Request().Context()), id, discrepancyID, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tx)
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entry, err := h.svc.GetEntry(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) ListEntries(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := listFilterFromContext(c)
	items, total, err := h.svc.ListEntries(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListTransactions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTransactions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListOpenDiscrepancies(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOpenDiscrepancies(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Deactivate(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Reactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Reactivate(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func listFilterFromContext(c echo.Context) ListFilter {
	f := ListFilter{
		Schedule:        c.QueryParam("schedule"),
		MedicationName:  c.QueryParam("medication_name"),
		BatchNumber:     c.QueryParam("batch_number"),
		StorageLocation: c.QueryParam("storage_location"),
	}
	f.LowStock = c.QueryParam("low_stock") == "true"
	f.IncludeInactive = c.QueryParam("include_inactive") == "true"
	if n, err := strconv.Atoi(c.QueryParam("expiring_within_days")); err == nil && n > 0 {
		f.ExpiringWithinDays = n
	}
	if n, err := strconv.Atoi(c.QueryParam("overdue_days")); err == nil && n > 0 {
		f.OverdueDays = n
	}
	if v := c.QueryParam("open_discrepancy"); v != "" {
		open := v == "true"
		f.OpenDiscrepancy = &open
	}
	return f
}

// httpError maps a domain rejection to its transport status. Unclassified
// errors surface as a bare 500 with no internal detail.
func httpError(err error) error {
	de, ok := AsError(err)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	status := http.StatusBadRequest
	switch de.Kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindConflict:
		status = http.StatusConflict
	}
	body := echo.Map{"code": de.Code, "message": de.Message}
	if de.Retryable {
		body["retryable"] = true
	}
	return echo.NewHTTPError(status, body)
}
