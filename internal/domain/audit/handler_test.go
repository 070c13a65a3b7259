package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/recordvault/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t, 100)
	e := echo.New()
	NewHandler(f.rec, f.cp).RegisterRoutes(e.Group("/api/v1"))
	return f, e
}

func serveAs(e *echo.Echo, method, path, actor string, roles ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(auth.WithActor(req.Context(), actor, roles))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ListBySubject(t *testing.T) {
	f, e := newTestHandler(t)
	f.appendN(t, 3)

	rec := serveAs(e, http.MethodGet, "/api/v1/audit/subjects/did:example:p1", "did:example:p1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 3 {
		t.Errorf("expected 3 entries, got %d (total %d)", len(resp.Data), resp.Total)
	}

	rec = serveAs(e, http.MethodGet, "/api/v1/audit/subjects/did:example:p1", "did:example:dr-a")
	if rec.Code != http.StatusForbidden {
		t.Errorf("other actor: expected 403, got %d", rec.Code)
	}

	rec = serveAs(e, http.MethodGet, "/api/v1/audit/subjects/did:example:p1", "did:example:ops", "auditor")
	if rec.Code != http.StatusOK {
		t.Errorf("auditor: expected 200, got %d", rec.Code)
	}
}

func TestHandler_AuditorRoutesRequireRole(t *testing.T) {
	_, e := newTestHandler(t)

	rec := serveAs(e, http.MethodGet, "/api/v1/audit/verify", "did:example:p1")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_CheckpointAndVerify(t *testing.T) {
	f, e := newTestHandler(t)

	rec := serveAs(e, http.MethodPost, "/api/v1/audit/checkpoints", "did:example:ops", "auditor")
	if rec.Code != http.StatusNoContent {
		t.Errorf("nothing pending: expected 204, got %d", rec.Code)
	}

	f.appendN(t, 2)
	rec = serveAs(e, http.MethodPost, "/api/v1/audit/checkpoints", "did:example:ops", "auditor")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = serveAs(e, http.MethodGet, "/api/v1/audit/verify", "did:example:ops", "auditor")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	f.store.tamper(1, func(e *Entry) { e.SubjectDID = "did:example:other" })
	rec = serveAs(e, http.MethodGet, "/api/v1/audit/verify", "did:example:ops", "auditor")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 after tampering, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "tampered" {
		t.Errorf("expected tampered status, got %v", body)
	}
}

func TestHandler_Proof(t *testing.T) {
	f, e := newTestHandler(t)
	f.appendN(t, 3)
	if _, err := f.cp.Checkpoint(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := serveAs(e, http.MethodGet, "/api/v1/audit/entries/2/proof", "did:example:ops", "auditor")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var proof InclusionProof
	if err := json.Unmarshal(rec.Body.Bytes(), &proof); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if proof.Seq != 2 || proof.Checkpoint == nil || len(proof.Steps) == 0 {
		t.Errorf("unexpected proof %+v", proof)
	}

	rec = serveAs(e, http.MethodGet, "/api/v1/audit/entries/4/proof", "did:example:ops", "auditor")
	if rec.Code != http.StatusNotFound {
		t.Errorf("uncheckpointed entry: expected 404, got %d", rec.Code)
	}
	rec = serveAs(e, http.MethodGet, "/api/v1/audit/entries/abc/proof", "did:example:ops", "auditor")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad seq: expected 400, got %d", rec.Code)
	}
}
