package documents

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
	api.GET("/documents", h.List)
	api.GET("/documents/:id", h.Get)
	api.DELETE("/documents/:id", h.Delete, middleware.RequireRole("root_admin", "admin"))

	api.GET("/patients/:id/documents", h.ListForPatient)
	api.POST("/patients/:id/documents", h.Upload, middleware.RequireRole("root_admin", "admin", "nurse"))
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

type uploadRequest struct {
	ContentType  string    `json:"content_type"`
	DocumentDate time.Time `json:"document_date"`
	LOINCCode    string    `json:"loinc_code"`
	CategoryCode string    `json:"category_code"`
	SourceID     string    `json:"source_id"`
	Content      []byte    `json:"content"` // base64 in JSON
}

func (h *Handler) Upload(c echo.Context) error {
	patientID, err := parseID(c)
	if err != nil {
		return err
	}
	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pr := middleware.PrincipalFrom(c)
	doc, err := h.svc.UploadLocal(c.Request().Context(), pr, LocalUpload{
		TenantID:     pr.TenantID,
		PatientID:    patientID,
		ContentType:  req.ContentType,
		DocumentDate: req.DocumentDate,
		LOINCCode:    req.LOINCCode,
		CategoryCode: req.CategoryCode,
		SourceID:     req.SourceID,
		Content:      req.Content,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.Get(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, doc)
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

func (h *Handler) ListForPatient(c echo.Context) error {
	patientID, err := parseID(c)
	if err != nil {
		return err
	}
	local, fhir, err := h.svc.ListByPatient(c.Request().Context(), middleware.PrincipalFrom(c), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"local": local,
		"fhir":  fhir,
	})
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
