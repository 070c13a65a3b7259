package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/pkg/apperr"
)

const (
	ownerP1 = "did:example:p1"
	drA     = "did:example:dr-a"
	drB     = "did:example:dr-b"
)

type fakeOwners map[string]bool

func (f fakeOwners) OwnerExists(_ context.Context, did string) (bool, error) {
	return f[did], nil
}

type testEnv struct {
	svc    *Service
	store  *MemStore
	audits *audit.MemStore
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	env := &testEnv{store: NewMemStore(), audits: audit.NewMemStore(), clock: &now}
	tx := db.NewMemTransactor()
	rec := audit.NewRecorder(env.audits, tx, zerolog.Nop())
	env.svc = NewService(env.store, fakeOwners{ownerP1: true}, tx, rec, zerolog.Nop()).
		WithClock(func() time.Time { return *env.clock })
	return env
}

func (e *testEnv) check(t *testing.T, grantee string, p Permission) bool {
	t.Helper()
	ok, err := e.svc.Check(context.Background(), ownerP1, grantee, p)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	return ok
}

func (e *testEnv) auditCount(t *testing.T) int64 {
	t.Helper()
	n, _ := e.audits.LastSeq(context.Background())
	return n
}

func TestGrant_ReplacesPermissionSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id1, err := env.svc.Grant(ctx, ownerP1, drA, []Permission{PermRead, PermWrite}, nil)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !env.check(t, drA, PermWrite) {
		t.Fatal("expected WRITE after first grant")
	}

	id2, err := env.svc.Grant(ctx, ownerP1, drA, []Permission{PermRead}, nil)
	if err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	if id1 != id2 {
		t.Error("re-granting should keep the pair's single grant")
	}
	if env.check(t, drA, PermWrite) {
		t.Error("re-grant must replace, not merge: WRITE should be gone")
	}
	if !env.check(t, drA, PermRead) {
		t.Error("READ should remain")
	}

	grants, _ := env.svc.List(ctx, ownerP1)
	if len(grants) != 1 {
		t.Errorf("expected exactly one grant row, got %d", len(grants))
	}
	if env.auditCount(t) != 2 {
		t.Errorf("expected 2 GRANTED entries, got %d", env.auditCount(t))
	}
}

func TestGrant_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		owner   string
		grantee string
		perms   []Permission
		want    error
	}{
		{"empty set", ownerP1, drA, nil, apperr.ErrValidation},
		{"unknown permission", ownerP1, drA, []Permission{"DELETE"}, apperr.ErrValidation},
		{"missing grantee", ownerP1, " ", []Permission{PermRead}, apperr.ErrValidation},
		{"unknown owner", "did:example:nobody", drA, []Permission{PermRead}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Grant(ctx, tt.owner, tt.grantee, tt.perms, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if env.auditCount(t) != 0 {
		t.Error("rejected grants must not be audited")
	}
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.svc.Grant(ctx, ownerP1, drA, []Permission{PermRead, PermWrite, PermPrescribe}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.svc.Revoke(ctx, ownerP1, drA); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for p := range knownPermissions {
		if env.check(t, drA, p) {
			t.Errorf("%s should be denied after revoke", p)
		}
	}

	before := env.auditCount(t)
	if err := env.svc.Revoke(ctx, ownerP1, drA); err != nil {
		t.Errorf("second revoke should succeed, got %v", err)
	}
	if err := env.svc.Revoke(ctx, ownerP1, drB); err != nil {
		t.Errorf("revoke without grant should succeed, got %v", err)
	}
	if env.auditCount(t) != before {
		t.Error("no-op revokes must not be audited")
	}

	grants, _ := env.svc.List(ctx, ownerP1)
	if len(grants) != 1 || grants[0].Active {
		t.Error("revoked grant should be retained inactive")
	}

	if err := env.svc.Revoke(ctx, "did:example:nobody", drA); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown owner: expected not found, got %v", err)
	}
}

func TestCheck_Expiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	past := env.clock.Add(-time.Second)
	if _, err := env.svc.Grant(ctx, ownerP1, drA, []Permission{PermRead}, &past); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if env.check(t, drA, PermRead) {
		t.Error("expired grant must not authorize")
	}

	future := env.clock.Add(time.Hour)
	env.svc.Grant(ctx, ownerP1, drB, []Permission{PermRead}, &future)
	if !env.check(t, drB, PermRead) {
		t.Fatal("unexpired grant should authorize")
	}

	*env.clock = future
	if env.check(t, drB, PermRead) {
		t.Error("grant should lapse exactly at expiresAt")
	}
}

func TestCheck_SelfAndMissing(t *testing.T) {
	env := newTestEnv(t)
	if !env.check(t, ownerP1, PermPrescribe) {
		t.Error("owner always has access to their own records")
	}
	if env.check(t, drA, PermRead) {
		t.Error("no grant means no permission")
	}
}

func TestListActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	past := env.clock.Add(-time.Minute)

	env.svc.Grant(ctx, ownerP1, drA, []Permission{PermRead}, nil)
	env.svc.Grant(ctx, ownerP1, drB, []Permission{PermRead}, &past)
	env.svc.Grant(ctx, ownerP1, "did:example:dr-c", []Permission{PermRead}, nil)
	env.svc.Revoke(ctx, ownerP1, "did:example:dr-c")
	env.svc.Grant(ctx, ownerP1, ownerP1, []Permission{PermRead}, nil)

	got, err := env.svc.ListActive(ctx, ownerP1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != drA {
		t.Errorf("expected only %s, got %v", drA, got)
	}
}

func TestGrant_AuditFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Grant(ctx, ownerP1, drA, []Permission{PermRead}, nil); err != nil {
		t.Fatal(err)
	}

	env.audits.FailAppends(errors.New("audit store down"))
	_, err := env.svc.Grant(ctx, ownerP1, drA, []Permission{PermWrite}, nil)
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !env.check(t, drA, PermRead) || env.check(t, drA, PermWrite) {
		t.Error("failed grant must leave the previous grant in place")
	}

	if _, err := env.svc.Grant(ctx, ownerP1, drB, []Permission{PermRead}, nil); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := env.store.Get(ctx, ownerP1, drB); !errors.Is(err, apperr.ErrNotFound) {
		t.Error("unaudited new grant must not be stored")
	}

	if err := env.svc.Revoke(ctx, ownerP1, drA); err == nil {
		t.Fatal("expected revoke to fail")
	}
	if !env.check(t, drA, PermRead) {
		t.Error("failed revoke must leave the grant active")
	}
}

func TestGrant_ConcurrentSamePair(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sets := [][]Permission{{PermRead}, {PermWrite}, {PermPrescribe}, {PermViewEncounters}}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.svc.Grant(ctx, ownerP1, drA, sets[i%len(sets)], nil); err != nil {
				t.Errorf("grant %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	grants, _ := env.svc.List(ctx, ownerP1)
	if len(grants) != 1 {
		t.Fatalf("expected a single grant row, got %d", len(grants))
	}
	if len(grants[0].Permissions) != 1 {
		t.Errorf("last writer should win with one set, got %v", grants[0].Permissions)
	}
}

func TestRequire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.Grant(ctx, ownerP1, drA, []Permission{PermViewObservations}, nil)

	if err := env.svc.Require(ctx, ownerP1, drA, PermRead, PermViewObservations); err != nil {
		t.Errorf("any-of should pass: %v", err)
	}
	err := env.svc.Require(ctx, ownerP1, drA, PermWrite)
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
}

func ExampleParsePermission() {
	p, _ := ParsePermission("view_encounters")
	fmt.Println(p)
	// Output: VIEW_ENCOUNTERS
}
