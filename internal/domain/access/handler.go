package access

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/pkg/apperr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.PUT("/owners/:did/grants/:grantee", h.Grant)
	api.DELETE("/owners/:did/grants/:grantee", h.Revoke)
	api.GET("/owners/:did/grants", h.List)
	api.GET("/owners/:did/grants/:grantee/check", h.Check)
}

type grantRequest struct {
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func requireOwnerActor(c echo.Context) error {
	if auth.ActorFromContext(c.Request().Context()) != c.Param("did") {
		return echo.NewHTTPError(http.StatusForbidden, "only the owner may change grants")
	}
	return nil
}

func (h *Handler) Grant(c echo.Context) error {
	if err := requireOwnerActor(c); err != nil {
		return err
	}
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	perms := make([]Permission, 0, len(req.Permissions))
	for _, name := range req.Permissions {
		p, err := ParsePermission(name)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		perms = append(perms, p)
	}

	id, err := h.svc.Grant(c.Request().Context(), c.Param("did"), c.Param("grantee"), perms, req.ExpiresAt)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"grant_id": id.String()})
}

func (h *Handler) Revoke(c echo.Context) error {
	if err := requireOwnerActor(c); err != nil {
		return err
	}
	if err := h.svc.Revoke(c.Request().Context(), c.Param("did"), c.Param("grantee")); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// List returns the active grantees, or every grant with ?all=true.
func (h *Handler) List(c echo.Context) error {
	if err := requireOwnerActor(c); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if c.QueryParam("all") == "true" {
		grants, err := h.svc.List(ctx, c.Param("did"))
		if err != nil {
			return apperr.ToHTTP(err)
		}
		return c.JSON(http.StatusOK, grants)
	}
	grantees, err := h.svc.ListActive(ctx, c.Param("did"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"grantees": grantees})
}

// Check is visible to the owner and to the grantee being checked.
func (h *Handler) Check(c echo.Context) error {
	ctx := c.Request().Context()
	owner, grantee := c.Param("did"), c.Param("grantee")
	if actor := auth.ActorFromContext(ctx); actor != owner && actor != grantee {
		return echo.NewHTTPError(http.StatusForbidden, "not a party to this grant")
	}
	p, err := ParsePermission(c.QueryParam("permission"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ok, err := h.svc.Check(ctx, owner, grantee, p)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"allowed": ok})
}
