package identity

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/middleware"
)

type Handler struct {
	svc        *Service
	secret     []byte
	sessionTTL time.Duration
}

func NewHandler(svc *Service, secret []byte, sessionTTL time.Duration) *Handler {
	if sessionTTL <= 0 {
		sessionTTL = 12 * time.Hour
	}
	return &Handler{svc: svc, secret: secret, sessionTTL: sessionTTL}
}

// RegisterPublicRoutes mounts the unauthenticated login endpoint.
func (h *Handler) RegisterPublicRoutes(g *echo.Group) {
	g.POST("/login", h.Login)
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/users", h.CreateUser, middleware.RequireRole("root_admin", "admin"))
	api.GET("/users", h.ListUsers, middleware.RequireRole("root_admin", "admin"))
	api.POST("/users/:id/password", h.SetPassword)
	api.POST("/users/:id/deactivate", h.Deactivate, middleware.RequireRole("root_admin", "admin"))

	api.POST("/providers", h.CreateProvider, middleware.RequireRole("root_admin", "admin"))
	api.GET("/providers", h.ListProviders)
	api.GET("/providers/:id", h.GetProvider)
	api.PUT("/providers/:id", h.UpdateProvider, middleware.RequireRole("root_admin", "admin"))

	api.PUT("/users/:id/assignments", h.Assign, middleware.RequireRole("root_admin", "admin"))
	api.GET("/users/:id/assignments", h.ListAssignments)
	api.DELETE("/users/:id/assignments/:provider_id", h.Unassign, middleware.RequireRole("root_admin", "admin"))
}

func httpError(err error) error {
	return echo.NewHTTPError(errs.HTTPStatus(err), err.Error())
}

func parseParamID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	pr, err := h.svc.Authenticate(c.Request().Context(), req.Email, req.Password,
		c.RealIP(), c.Request().UserAgent())
	if err != nil {
		return httpError(err)
	}

	token, err := middleware.IssueSession(h.secret, pr, h.sessionTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "issue session")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(h.sessionTTL.Seconds()),
		"role":       pr.Role,
	})
}

type createUserRequest struct {
	User
	Password string `json:"password"`
}

func (h *Handler) CreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pr := middleware.PrincipalFrom(c)
	if req.TenantID == nil && req.Role != "root_admin" {
		tenant := pr.TenantID
		req.TenantID = &tenant
	}
	if err := h.svc.CreateUser(c.Request().Context(), pr, &req.User, req.Password); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req.User)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pr := middleware.PrincipalFrom(c)
	users, err := h.svc.ListUsers(c.Request().Context(), pr, pr.TenantID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, users)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) SetPassword(c echo.Context) error {
	id, err := parseParamID(c, "id")
	if err != nil {
		return err
	}
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetPassword(c.Request().Context(), middleware.PrincipalFrom(c), id, req.Password); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := parseParamID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Deactivate(c.Request().Context(), middleware.PrincipalFrom(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CreateProvider(c echo.Context) error {
	var p Provider
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pr := middleware.PrincipalFrom(c)
	if p.TenantID == uuid.Nil {
		p.TenantID = pr.TenantID
	}
	if err := h.svc.CreateProvider(c.Request().Context(), pr, &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProvider(c echo.Context) error {
	id, err := parseParamID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetProvider(c.Request().Context(), middleware.PrincipalFrom(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProvider(c echo.Context) error {
	id, err := parseParamID(c, "id")
	if err != nil {
		return err
	}
	var p Provider
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.UpdateProvider(c.Request().Context(), middleware.PrincipalFrom(c), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListProviders(c echo.Context) error {
	pr := middleware.PrincipalFrom(c)
	providers, err := h.svc.ListProviders(c.Request().Context(), pr, pr.TenantID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, providers)
}

func (h *Handler) Assign(c echo.Context) error {
	userID, err := parseParamID(c, "id")
	if err != nil {
		return err
	}
	var a Assignment
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.UserID = userID
	if err := h.svc.Assign(c.Request().Context(), middleware.PrincipalFrom(c), &a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAssignments(c echo.Context) error {
	userID, err := parseParamID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListAssignments(c.Request().Context(), middleware.PrincipalFrom(c), userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Unassign(c echo.Context) error {
	userID, err := parseParamID(c, "id")
	if err != nil {
		return err
	}
	providerID, err := parseParamID(c, "provider_id")
	if err != nil {
		return err
	}
	if err := h.svc.Unassign(c.Request().Context(), middleware.PrincipalFrom(c), userID, providerID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
