package emrsync

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/middleware"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Handler exposes the synchronous per-patient sync and the EMR
// authorization connect flow. Batch syncs go through the job queue, not
// this surface.
type Handler struct {
	syncer  *Syncer
	factory *ClientFactory
}

func NewHandler(syncer *Syncer, factory *ClientFactory) *Handler {
	return &Handler{syncer: syncer, factory: factory}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients/:id/sync", h.SyncPatient,
		middleware.RequireRole("root_admin", "admin", "nurse", "practitioner"))
	api.GET("/emr/connect", h.Connect,
		middleware.RequireRole("root_admin", "admin", "practitioner"))
}

// RegisterPublicRoutes mounts the OAuth redirect target; Epic calls it
// without a session, the state value is the only credential.
func (h *Handler) RegisterPublicRoutes(g *echo.Group) {
	g.GET("/emr/callback", h.Callback)
}

func httpError(err error) error {
	return echo.NewHTTPError(errs.HTTPStatus(err), err.Error())
}

func (h *Handler) SyncPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pr := middleware.PrincipalFrom(c)
	force := c.QueryParam("force") == "true"

	providerID := providerContext(pr)
	client, err := h.factory.Client(c.Request().Context(), pr.TenantID, providerID)
	if err != nil {
		return httpError(err)
	}

	res, err := h.syncer.SyncPatient(c.Request().Context(), client, id, providerID, force)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// providerContext picks the clinician context for a sync: restricted
// principals with exactly one assignment run under it, everyone else runs
// under organization credentials.
func providerContext(pr scope.Principal) *uuid.UUID {
	if pr.ProviderUnrestricted() || len(pr.ProviderIDs) != 1 {
		return nil
	}
	id := pr.ProviderIDs[0]
	return &id
}

func (h *Handler) Connect(c echo.Context) error {
	pr := middleware.PrincipalFrom(c)

	var providerID *uuid.UUID
	if raw := c.QueryParam("provider_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		if !pr.CanAccessProvider(&id) {
			return httpError(errs.Ef(errs.KindForbidden, "provider %s is outside your assignments", id))
		}
		providerID = &id
	}

	url, err := h.factory.BeginConnect(c.Request().Context(), pr.TenantID, providerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"authorize_url": url})
}

func (h *Handler) Callback(c echo.Context) error {
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing state or code")
	}

	key, err := h.factory.CompleteConnect(c.Request().Context(), state, code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "connected",
		"tenant": key.TenantID,
	})
}
