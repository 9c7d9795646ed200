package screening

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/middleware"
	"github.com/healthprep/healthprep/pkg/pagination"
)

type Handler struct {
	svc    *Service
	engine *Engine
}

func NewHandler(svc *Service, engine *Engine) *Handler {
	return &Handler{svc: svc, engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/screening-types", h.ListTypes)
	api.GET("/screening-types/:id", h.GetType)
	api.POST("/screening-types", h.CreateType, middleware.RequireRole("root_admin", "admin"))
	api.PUT("/screening-types/:id", h.UpdateType, middleware.RequireRole("root_admin", "admin"))
	api.DELETE("/screening-types/:id", h.DeleteType, middleware.RequireRole("root_admin", "admin"))

	api.GET("/screenings", h.ListScreenings)
	api.GET("/patients/:id/screenings", h.ListPatientScreenings)
	api.POST("/patients/:id/screenings/refresh", h.RefreshPatient, middleware.RequireRole("root_admin", "admin", "nurse"))
	api.POST("/screenings/refresh", h.RefreshTenant, middleware.RequireRole("root_admin", "admin"))
}

func httpError(err error) error {
	return echo.NewHTTPError(errs.HTTPStatus(err), err.Error())
}

func (h *Handler) CreateType(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	var st ScreeningType
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateType(c.Request().Context(), p, &st); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, st)
}

func (h *Handler) UpdateType(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var st ScreeningType
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st.ID = id
	if err := h.svc.UpdateType(c.Request().Context(), p, &st); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetType(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	st, err := h.svc.GetType(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ListTypes(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTypes(c.Request().Context(), p, p.TenantID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) DeleteType(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteType(c.Request().Context(), p, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListScreenings(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListScreenings(c.Request().Context(), p, p.TenantID, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListPatientScreenings(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	items, err := h.svc.ListPatientScreenings(c.Request().Context(), p, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// RefreshPatient synchronously recomputes one patient. Batch work goes
// through the job queue instead.
func (h *Handler) RefreshPatient(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	force := c.QueryParam("force") == "true"

	view, err := h.engine.PatientViewByID(c.Request().Context(), p, patientID)
	if err != nil {
		return httpError(err)
	}
	n, err := h.engine.RefreshPatient(c.Request().Context(), view, force)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"screenings_written": n})
}

// RefreshTenant walks the whole roster through the selective refresh.
// Skip conditions still apply per patient, so a quiet roster is cheap.
func (h *Handler) RefreshTenant(c echo.Context) error {
	p := middleware.PrincipalFrom(c)
	n, err := h.engine.RefreshAllInTenant(c.Request().Context(), p.TenantID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patients_processed": n})
}
