package patient

import (
	"net/http"
	"time"

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
	api.GET("/patients", h.List)
	api.GET("/patients/:id", h.Get)
	api.POST("/patients", h.Create, middleware.RequireRole("root_admin", "admin", "nurse", "staff"))
	api.PUT("/patients/:id", h.Update, middleware.RequireRole("root_admin", "admin", "nurse", "staff"))
	api.DELETE("/patients/:id", h.Delete, middleware.RequireRole("root_admin", "admin"))

	api.GET("/patients/:id/conditions", h.ListConditions)
	api.POST("/patients/:id/conditions", h.AddCondition, middleware.RequireRole("root_admin", "admin", "nurse"))

	api.GET("/patients/:id/appointments", h.ListAppointments)
	api.POST("/patients/:id/appointments", h.AddAppointment, middleware.RequireRole("root_admin", "admin", "nurse", "staff"))
	api.GET("/appointments/upcoming", h.ListUpcoming)
}

func httpError(err error) error {
	return echo.NewHTTPError(errs.HTTPStatus(err), err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	pr := middleware.PrincipalFrom(c)
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if p.TenantID == uuid.Nil {
		p.TenantID = pr.TenantID
	}
	if err := h.svc.Create(c.Request().Context(), pr, &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.Update(c.Request().Context(), middleware.PrincipalFrom(c), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), middleware.PrincipalFrom(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	pr := middleware.PrincipalFrom(c)
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pr, pr.TenantID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListConditions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListConditions(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddCondition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var cond Condition
	if err := c.Bind(&cond); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cond.PatientID = id
	if err := h.svc.AddCondition(c.Request().Context(), middleware.PrincipalFrom(c), &cond); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cond)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListAppointments(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var appt Appointment
	if err := c.Bind(&appt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	appt.PatientID = id
	if err := h.svc.AddAppointment(c.Request().Context(), middleware.PrincipalFrom(c), &appt); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

// ListUpcoming returns the tenant's appointment window, defaulting to the
// next 7 days.
func (h *Handler) ListUpcoming(c echo.Context) error {
	pr := middleware.PrincipalFrom(c)
	from := time.Now()
	to := from.AddDate(0, 0, 7)
	if raw := c.QueryParam("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
		from = t
	}
	if raw := c.QueryParam("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		to = t
	}
	items, err := h.svc.ListUpcomingAppointments(c.Request().Context(), pr, pr.TenantID, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}
