package bundle

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/pkg/apperr"
	"github.com/ehr/recordvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/encounters/:id/finalize", h.Finalize)
	api.GET("/owners/:did/bundles", h.List)
	api.GET("/owners/:did/bundles/latest", h.Latest)
	api.GET("/owners/:did/bundles/:version", h.Get)
	api.GET("/owners/:did/bundles/:version/document", h.Document)
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	b, err := h.svc.Finalize(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	p := pagination.FromContext(c)
	list, total, err := h.svc.List(ctx, auth.ActorFromContext(ctx), c.Param("did"), p.Limit, p.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(list, total, p.Limit, p.Offset))
}

func (h *Handler) Latest(c echo.Context) error {
	ctx := c.Request().Context()
	b, err := h.svc.Latest(ctx, auth.ActorFromContext(ctx), c.Param("did"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, b)
}

func parseVersion(c echo.Context) (int, error) {
	v, err := strconv.Atoi(c.Param("version"))
	if err != nil || v < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
	}
	return v, nil
}

func (h *Handler) Get(c echo.Context) error {
	v, err := parseVersion(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	b, err := h.svc.Get(ctx, auth.ActorFromContext(ctx), c.Param("did"), v)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Document(c echo.Context) error {
	v, err := parseVersion(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	doc, err := h.svc.Open(ctx, auth.ActorFromContext(ctx), c.Param("did"), v)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, doc)
}
