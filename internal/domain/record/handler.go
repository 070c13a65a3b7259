package record

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
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
	api.POST("/owners", h.RegisterOwner)
	api.GET("/owners/by-email", h.FindOwnerByEmail, auth.RequireRole("registrar"))
	api.POST("/owners/:did/encounters", h.StartEncounter)
	api.GET("/owners/:did/encounters", h.ListEncounters)
	api.GET("/encounters/:id", h.GetEncounter)
	api.POST("/encounters/:id/resources", h.AddResource)
	api.PUT("/encounters/:id/resources/:rid", h.UpdateResource)
	api.GET("/encounters/:id/resources", h.ListResources)
}

type registerRequest struct {
	Email string `json:"email"`
}

// RegisterOwner registers the authenticated actor as an owner.
func (h *Handler) RegisterOwner(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.RegisterOwner(c.Request().Context(), auth.ActorFromContext(c.Request().Context()), req.Email)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) FindOwnerByEmail(c echo.Context) error {
	o, err := h.svc.FindOwnerByEmail(c.Request().Context(), c.QueryParam("email"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, o)
}

type encounterRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) StartEncounter(c echo.Context) error {
	var req encounterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	e, err := h.svc.StartEncounter(ctx, auth.ActorFromContext(ctx), c.Param("did"), req.Reason)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	ctx := c.Request().Context()
	list, err := h.svc.ListEncounters(ctx, auth.ActorFromContext(ctx), c.Param("did"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	e, err := h.svc.GetEncounter(ctx, auth.ActorFromContext(ctx), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func readBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if !json.Valid(body) {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "body must be valid JSON")
	}
	return body, nil
}

func (h *Handler) AddResource(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err := h.svc.AddResource(ctx, auth.ActorFromContext(ctx), id, body)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdateResource(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rid, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid resource id")
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err := h.svc.UpdateResource(ctx, auth.ActorFromContext(ctx), id, rid, body)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListResources(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	list, err := h.svc.ListResources(ctx, auth.ActorFromContext(ctx), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, list)
}
