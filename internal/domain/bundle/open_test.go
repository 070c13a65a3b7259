package bundle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/recordvault/internal/domain/access"
	"github.com/ehr/recordvault/internal/platform/archive"
	"github.com/ehr/recordvault/pkg/apperr"
)

func observationValues(t *testing.T, doc map[string]interface{}) []string {
	t.Helper()
	var out []string
	for _, raw := range doc["entry"].([]interface{}) {
		res := raw.(map[string]interface{})["resource"].(map[string]interface{})
		if res["resourceType"] == "Observation" {
			out = append(out, res["valueString"].(string))
		}
	}
	return out
}

func TestOpen_RoundTrip(t *testing.T) {
	for _, seal := range []bool{true, false} {
		name := "unsealed"
		if seal {
			name = "sealed"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, Options{AnchorTimeout: time.Second, Seal: seal})
			ctx := context.Background()
			id := env.encounter(t, ownerP1, "bp 118/76", "hr 64")
			if _, err := env.svc.Finalize(ctx, id, ownerP1); err != nil {
				t.Fatal(err)
			}

			doc, err := env.svc.Open(ctx, ownerP1, ownerP1, 1)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if doc.Document["type"] != "document" {
				t.Errorf("expected a document bundle, got %v", doc.Document["type"])
			}
			entries := doc.Document["entry"].([]interface{})
			head := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
			if head["resourceType"] != "Encounter" {
				t.Errorf("first entry should be the encounter, got %v", head["resourceType"])
			}
			reason := head["reasonCode"].([]interface{})[0].(map[string]interface{})["text"]
			if reason != "routine visit" {
				t.Errorf("encounter reason should decrypt, got %v", reason)
			}
			got := observationValues(t, doc.Document)
			if len(got) != 2 || got[0] != "bp 118/76" || got[1] != "hr 64" {
				t.Errorf("resources should round-trip in order, got %v", got)
			}
		})
	}
}

func TestOpen_RequiresRead(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	id := env.encounter(t, ownerP1, "private")
	env.svc.Finalize(ctx, id, ownerP1)

	if _, err := env.svc.Open(ctx, practitioner, ownerP1, 1); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	env.access.Grant(ctx, ownerP1, practitioner, []access.Permission{access.PermViewEncounters}, nil)
	if _, err := env.svc.Open(ctx, practitioner, ownerP1, 1); err != nil {
		t.Errorf("VIEW_ENCOUNTERS should allow opening: %v", err)
	}
	if _, err := env.svc.Open(ctx, ownerP1, ownerP1, 2); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing version: expected not found, got %v", err)
	}
}

// rewritingArchive serves altered bytes under the original address, like a
// backend that does not verify content addresses.
type rewritingArchive struct {
	*archive.Memory
	rewrite func([]byte) []byte
}

func (a *rewritingArchive) Get(ctx context.Context, address string) ([]byte, error) {
	data, err := a.Memory.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	return a.rewrite(data), nil
}

func TestOpen_Tampered(t *testing.T) {
	t.Run("corrupted blob", func(t *testing.T) {
		env := newTestEnv(t, defaultOptions())
		ctx := context.Background()
		b, err := env.svc.Finalize(ctx, env.encounter(t, ownerP1, "v"), ownerP1)
		if err != nil {
			t.Fatal(err)
		}
		env.archive.Corrupt(b.ContentAddress, []byte("garbage"))

		doc, err := env.svc.Open(ctx, ownerP1, ownerP1, 1)
		if !errors.Is(err, apperr.ErrIntegrity) {
			t.Fatalf("expected integrity error, got %v", err)
		}
		if doc != nil {
			t.Error("no content may be returned on integrity failure")
		}
	})

	tests := []struct {
		name    string
		seal    bool
		rewrite func([]byte) []byte
	}{
		{"flipped sealed byte", true, func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[len(c)-1] ^= 0x01
			return c
		}},
		{"edited document", false, func(b []byte) []byte {
			return []byte(strings.Replace(string(b), `"status":"final"`, `"status":"amended"`, 1))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{AnchorTimeout: time.Second, Seal: tt.seal})
			ctx := context.Background()
			if _, err := env.svc.Finalize(ctx, env.encounter(t, ownerP1, "v"), ownerP1); err != nil {
				t.Fatal(err)
			}
			env.svc.archive = &rewritingArchive{Memory: env.archive.Memory, rewrite: tt.rewrite}

			if _, err := env.svc.Open(ctx, ownerP1, ownerP1, 1); !errors.Is(err, apperr.ErrIntegrity) {
				t.Errorf("expected integrity error, got %v", err)
			}
		})
	}
}
