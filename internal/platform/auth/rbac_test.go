package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func callWith(t *testing.T, mw echo.MiddlewareFunc, did string, roles []string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if did != "" || roles != nil {
		req = req.WithContext(WithActor(req.Context(), did, roles))
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
}

func TestRequireRole(t *testing.T) {
	mw := RequireRole("auditor")

	if err := callWith(t, mw, "did:example:a", []string{"auditor"}); err != nil {
		t.Errorf("auditor: unexpected error %v", err)
	}
	if err := callWith(t, mw, "did:example:a", []string{"admin"}); err != nil {
		t.Errorf("admin: unexpected error %v", err)
	}
	err := callWith(t, mw, "did:example:a", []string{"practitioner"})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("practitioner: expected 403, got %v", err)
	}
}

func TestRequireActor(t *testing.T) {
	if err := callWith(t, RequireActor(), "did:example:a", nil); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	err := callWith(t, RequireActor(), "", nil)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}
