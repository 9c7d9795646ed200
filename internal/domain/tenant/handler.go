package tenant

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/organizations", h.Onboard, middleware.RequireRole("root_admin"))
	api.GET("/organizations", h.List, middleware.RequireRole("root_admin"))
	api.GET("/organizations/:id", h.Get)
	api.PUT("/organizations/:id/settings", h.UpdateSettings, middleware.RequireRole("root_admin", "admin"))
	api.POST("/organizations/:id/approve", h.Approve, middleware.RequireRole("root_admin"))
	api.POST("/organizations/:id/suspend", h.Suspend, middleware.RequireRole("root_admin"))
	api.POST("/organizations/:id/reactivate", h.Reactivate, middleware.RequireRole("root_admin"))
	api.DELETE("/organizations/:id", h.Delete, middleware.RequireRole("root_admin"))
	api.PUT("/organizations/:id/epic-secret", h.SetEpicSecret, middleware.RequireRole("root_admin", "admin"))
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

func (h *Handler) Onboard(c echo.Context) error {
	var o Organization
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Onboard(c.Request().Context(), middleware.PrincipalFrom(c), &o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Get(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.svc.List(c.Request().Context(), middleware.PrincipalFrom(c), c.QueryParam("status"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var o Organization
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o.ID = id
	if err := h.svc.UpdateSettings(c.Request().Context(), middleware.PrincipalFrom(c), &o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) lifecycle(c echo.Context, fn func(ctxEcho echo.Context, id uuid.UUID) error) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := fn(c, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.lifecycle(c, func(c echo.Context, id uuid.UUID) error {
		return h.svc.Approve(c.Request().Context(), middleware.PrincipalFrom(c), id)
	})
}

func (h *Handler) Suspend(c echo.Context) error {
	return h.lifecycle(c, func(c echo.Context, id uuid.UUID) error {
		return h.svc.Suspend(c.Request().Context(), middleware.PrincipalFrom(c), id)
	})
}

func (h *Handler) Reactivate(c echo.Context) error {
	return h.lifecycle(c, func(c echo.Context, id uuid.UUID) error {
		return h.svc.Reactivate(c.Request().Context(), middleware.PrincipalFrom(c), id)
	})
}

func (h *Handler) Delete(c echo.Context) error {
	return h.lifecycle(c, func(c echo.Context, id uuid.UUID) error {
		return h.svc.Delete(c.Request().Context(), middleware.PrincipalFrom(c), id)
	})
}

type secretRequest struct {
	Secret string `json:"secret"`
}

func (h *Handler) SetEpicSecret(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req secretRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetEpicSecret(c.Request().Context(), middleware.PrincipalFrom(c), id, req.Secret); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
