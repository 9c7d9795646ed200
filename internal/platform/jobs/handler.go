package jobs

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/middleware"
	"github.com/healthprep/healthprep/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/jobs/batch-sync", h.EnqueueBatchSync,
		middleware.RequireRole("root_admin", "admin", "nurse", "staff"))
	api.POST("/jobs/prep-sheets", h.EnqueuePrepSheets,
		middleware.RequireRole("root_admin", "admin", "nurse", "staff"))
	api.GET("/jobs", h.List)
	api.GET("/jobs/:id", h.Get)
	api.POST("/jobs/:id/cancel", h.Cancel)
}

func httpError(err error) error {
	return echo.NewHTTPError(errs.HTTPStatus(err), err.Error())
}

func parseJobID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type batchSyncRequest struct {
	PatientIDs []uuid.UUID `json:"patient_ids"`
	ProviderID *uuid.UUID  `json:"provider_id,omitempty"`
	Priority   string      `json:"priority,omitempty"`
	Force      bool        `json:"force,omitempty"`
}

func parsePriority(raw string) (int, error) {
	switch raw {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, echo.NewHTTPError(http.StatusBadRequest, "priority must be low, normal, or high")
}

func (h *Handler) EnqueueBatchSync(c echo.Context) error {
	var req batchSyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		return err
	}
	pr := middleware.PrincipalFrom(c)
	j, err := h.svc.EnqueueBatchSync(c.Request().Context(), pr, req.PatientIDs, req.ProviderID, priority, req.Force)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, j)
}

type prepSheetsRequest struct {
	PatientIDs       []uuid.UUID `json:"patient_ids"`
	ScreeningTypeIDs []uuid.UUID `json:"screening_type_ids,omitempty"`
	WriteBack        bool        `json:"write_back,omitempty"`
}

func (h *Handler) EnqueuePrepSheets(c echo.Context) error {
	var req prepSheetsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pr := middleware.PrincipalFrom(c)
	j, err := h.svc.EnqueuePrepSheets(c.Request().Context(), pr, req.PatientIDs, req.ScreeningTypeIDs, req.WriteBack)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, j)
}

func (h *Handler) List(c echo.Context) error {
	pr := middleware.PrincipalFrom(c)
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pr, c.QueryParam("status"), p.Limit, p.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseJobID(c)
	if err != nil {
		return err
	}
	j, err := h.svc.Get(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseJobID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Cancel(c.Request().Context(), middleware.PrincipalFrom(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusAccepted)
}
