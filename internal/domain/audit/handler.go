package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/pkg/apperr"
	"github.com/ehr/recordvault/pkg/pagination"
)

type Handler struct {
	rec *Recorder
	cp  *Checkpointer
}

func NewHandler(rec *Recorder, cp *Checkpointer) *Handler {
	return &Handler{rec: rec, cp: cp}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// A subject may always read the entries about itself.
	api.GET("/audit/subjects/:did", h.ListBySubject)

	auditor := api.Group("/audit", auth.RequireRole("auditor"))
	auditor.GET("", h.List)
	auditor.GET("/checkpoints", h.ListCheckpoints)
	auditor.POST("/checkpoints", h.CreateCheckpoint)
	auditor.GET("/verify", h.Verify)
	auditor.GET("/entries/:seq/proof", h.Proof)
}

func (h *Handler) List(c echo.Context) error {
	from, _ := strconv.ParseInt(c.QueryParam("from"), 10, 64)
	p := pagination.FromContext(c)
	entries, err := h.rec.List(c.Request().Context(), from, p.Limit)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) ListBySubject(c echo.Context) error {
	ctx := c.Request().Context()
	did := c.Param("did")
	if auth.ActorFromContext(ctx) != did && !hasRole(auth.RolesFromContext(ctx), "auditor") {
		return echo.NewHTTPError(http.StatusForbidden, "audit trail is visible to its subject only")
	}
	p := pagination.FromContext(c)
	entries, total, err := h.rec.ListBySubject(ctx, did, p.Limit, p.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, p.Limit, p.Offset))
}

func (h *Handler) ListCheckpoints(c echo.Context) error {
	cps, err := h.cp.Checkpoints(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, cps)
}

func (h *Handler) CreateCheckpoint(c echo.Context) error {
	cp, err := h.cp.Checkpoint(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if cp == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusCreated, cp)
}

func (h *Handler) Verify(c echo.Context) error {
	report, err := h.cp.Verify(c.Request().Context())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindIntegrity {
			return c.JSON(http.StatusConflict, map[string]string{"status": "tampered", "error": err.Error()})
		}
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Proof(c echo.Context) error {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "seq must be a positive integer")
	}
	proof, err := h.cp.Proof(c.Request().Context(), seq)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, proof)
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want || r == "admin" {
			return true
		}
	}
	return false
}
