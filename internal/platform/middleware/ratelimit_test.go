package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/auth"
)

func TestRateLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	call := func(actor string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if actor != "" {
			req = req.WithContext(auth.WithActor(req.Context(), actor, nil))
		}
		rec := httptest.NewRecorder()
		return rec, h(e.NewContext(req, rec))
	}

	for i := 0; i < 2; i++ {
		if _, err := call("did:example:a"); err != nil {
			t.Fatalf("request %d within burst: %v", i+1, err)
		}
	}

	rec, err := call("did:example:a")
	assertStatus(t, err, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") != "3" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// Another actor has its own bucket.
	if _, err := call("did:example:b"); err != nil {
		t.Errorf("independent actor throttled: %v", err)
	}
	// Anonymous callers are keyed by IP.
	if _, err := call(""); err != nil {
		t.Errorf("anonymous caller throttled: %v", err)
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize < 1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
