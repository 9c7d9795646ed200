package prepsheet

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
	api.GET("/patients/:id/prep-sheet", h.Get)
}

func httpError(err error) error {
	return echo.NewHTTPError(errs.HTTPStatus(err), err.Error())
}

// Get compiles and returns the patient's prep sheet, as JSON by default or
// rendered HTML with ?format=html.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	sheet, err := h.svc.Generate(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("format") == "html" {
		html, err := RenderHTML(sheet)
		if err != nil {
			return httpError(err)
		}
		return c.HTMLBlob(http.StatusOK, html)
	}
	return c.JSON(http.StatusOK, sheet)
}
