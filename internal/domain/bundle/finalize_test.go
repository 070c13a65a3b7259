package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/pkg/apperr"
)

func TestFinalize_PermissionThenOnce(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	e1 := env.encounter(t, ownerP1, "bp 120/80", "hr 72")

	_, err := env.svc.Finalize(ctx, e1, practitioner)
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if env.archive.Puts() != 0 {
		t.Error("a denied finalize must not touch the archive")
	}

	env.grantWrite(t, ownerP1)
	b, err := env.svc.Finalize(ctx, e1, practitioner)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if b.Version != 1 {
		t.Errorf("expected version 1, got %d", b.Version)
	}
	if b.ResourceCount != 2 || b.SignerDID != practitioner {
		t.Errorf("unexpected bundle %+v", b)
	}
	if env.status(t, e1) != record.StatusFinalized {
		t.Error("encounter should be finalized")
	}

	_, err = env.svc.Finalize(ctx, e1, practitioner)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("second finalize: expected invalid state, got %v", err)
	}

	fin := env.entries(t, audit.KindFinalized)
	if len(fin) != 1 {
		t.Fatalf("expected one FINALIZED entry, got %d", len(fin))
	}
	if fin[0].ActorDID != practitioner || fin[0].SubjectDID != ownerP1 || fin[0].Detail["bundle_version"] != "1" {
		t.Errorf("unexpected audit entry %+v", fin[0])
	}
}

func TestFinalize_Concurrent(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	e1 := env.encounter(t, ownerP1, "spo2 98")
	env.grantWrite(t, ownerP1)

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan error, callers)
	versions := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			b, err := env.svc.Finalize(context.Background(), e1, practitioner)
			results <- err
			if err == nil {
				versions <- b.Version
			}
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	close(versions)

	var ok, invalid int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrInvalidState):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != callers-1 {
		t.Fatalf("expected 1 success and %d invalid state, got %d and %d", callers-1, ok, invalid)
	}
	if v := <-versions; v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}
	if list, total, _ := env.bundles.ListByOwner(context.Background(), ownerP1, 10, 0); total != 1 || len(list) != 1 {
		t.Errorf("expected exactly one bundle, got %d", total)
	}
}

func TestFinalize_VersionsPerOwner(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		id := env.encounter(t, ownerP1, "visit")
		b, err := env.svc.Finalize(ctx, id, ownerP1)
		if err != nil {
			t.Fatalf("finalize %d: %v", want, err)
		}
		if b.Version != want {
			t.Errorf("expected version %d, got %d", want, b.Version)
		}
	}

	other := env.encounter(t, ownerP2, "visit")
	b, err := env.svc.Finalize(ctx, other, ownerP2)
	if err != nil {
		t.Fatal(err)
	}
	if b.Version != 1 {
		t.Errorf("versions are per owner: expected 1, got %d", b.Version)
	}

	latest, err := env.svc.Latest(ctx, ownerP1, ownerP1)
	if err != nil || latest.Version != 3 {
		t.Errorf("latest: %v, %+v", err, latest)
	}
	list, total, _ := env.svc.List(ctx, ownerP1, ownerP1, 2, 0)
	if total != 3 || len(list) != 2 || list[0].Version != 3 {
		t.Errorf("list should page newest first, got total %d", total)
	}
}

func TestFinalize_EmptyBundle(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	id := env.encounter(t, ownerP1)

	_, err := env.svc.Finalize(context.Background(), id, ownerP1)
	if !errors.Is(err, apperr.ErrEmptyBundle) {
		t.Fatalf("expected empty bundle, got %v", err)
	}
	if env.status(t, id) != record.StatusActive {
		t.Error("encounter should stay active")
	}
}

func TestCollect_FinalizedEncounter(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	id := env.encounter(t, ownerP1, "a", "b")

	got, err := env.svc.agg.Collect(ctx, id)
	if err != nil || len(got) != 2 {
		t.Fatalf("collect: %v, %d", err, len(got))
	}
	if _, err := env.svc.Finalize(ctx, id, ownerP1); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.agg.Collect(ctx, id); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected invalid state, got %v", err)
	}
}

func TestFinalize_ArchiveFailureLeavesActive(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	id := env.encounter(t, ownerP1, "x-ray clear")

	env.archive.setFail(true)
	_, err := env.svc.Finalize(ctx, id, ownerP1)
	if !errors.Is(err, apperr.ErrArchival) {
		t.Fatalf("expected archival error, got %v", err)
	}
	if env.status(t, id) != record.StatusActive {
		t.Error("encounter must remain active after archival failure")
	}
	if _, err := env.bundles.Latest(ctx, ownerP1); !errors.Is(err, apperr.ErrNotFound) {
		t.Error("no bundle should exist")
	}
	if len(env.entries(t, audit.KindFinalized)) != 0 {
		t.Error("no FINALIZED entry should be written")
	}

	env.archive.setFail(false)
	b, err := env.svc.Finalize(ctx, id, ownerP1)
	if err != nil {
		t.Fatalf("finalize after recovery: %v", err)
	}
	if b.Version != 1 {
		t.Errorf("expected version 1, got %d", b.Version)
	}
}

func TestFinalize_CommitFailureReusesArchive(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	id := env.encounter(t, ownerP1, "ecg normal")

	env.bundles.failNext(2)
	_, err := env.svc.Finalize(ctx, id, ownerP1)
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected unavailable after retry, got %v", err)
	}
	if env.archive.Puts() != 1 {
		t.Fatalf("expected one archive write, got %d", env.archive.Puts())
	}
	if env.status(t, id) != record.StatusActive {
		t.Error("failed commit must roll back the encounter transition")
	}
	if len(env.entries(t, audit.KindFinalized)) != 0 {
		t.Error("failed commit must not be audited")
	}

	b, err := env.svc.Finalize(ctx, id, ownerP1)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if env.archive.Puts() != 1 {
		t.Errorf("archived bytes should be reused, got %d puts", env.archive.Puts())
	}
	if b.Version != 1 {
		t.Errorf("rolled back versions must not be skipped, got %d", b.Version)
	}
}

func TestFinalize_CommitFailureNotReusedByOtherActor(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	id := env.encounter(t, ownerP1, "ecg normal")
	env.grantWrite(t, ownerP1)

	env.bundles.failNext(2)
	if _, err := env.svc.Finalize(ctx, id, ownerP1); err == nil {
		t.Fatal("expected failure")
	}

	b, err := env.svc.Finalize(ctx, id, practitioner)
	if err != nil {
		t.Fatalf("finalize by practitioner: %v", err)
	}
	if b.SignerDID != practitioner {
		t.Errorf("bundle should be signed by the finalizing actor, got %s", b.SignerDID)
	}
	if env.archive.Puts() != 2 {
		t.Errorf("another actor's archived envelope must not be reused, got %d puts", env.archive.Puts())
	}
	fin := env.entries(t, audit.KindFinalized)
	if len(fin) != 1 || fin[0].ActorDID != practitioner {
		t.Errorf("FINALIZED entry should name the finalizing actor, got %+v", fin)
	}
}

func TestFinalize_ResourceUpdatedBeforeCommit(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	id := env.encounter(t, ownerP1, "original")
	list, err := env.store.ListResourcesByEncounter(ctx, id)
	if err != nil || len(list) != 1 {
		t.Fatalf("list resources: %v", err)
	}

	env.archive.setOnPut(func() {
		body := json.RawMessage(`{"resourceType":"Observation","status":"final","valueString":"amended"}`)
		if _, err := env.records.UpdateResource(ctx, ownerP1, id, list[0].ID, body); err != nil {
			t.Errorf("update resource: %v", err)
		}
	})
	_, err = env.svc.Finalize(ctx, id, ownerP1)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if env.status(t, id) != record.StatusActive {
		t.Error("encounter must stay active when its resources changed")
	}
	if _, err := env.bundles.Latest(ctx, ownerP1); !errors.Is(err, apperr.ErrNotFound) {
		t.Error("no bundle should be recorded")
	}
	if len(env.entries(t, audit.KindFinalized)) != 0 {
		t.Error("no FINALIZED entry should be written")
	}

	env.archive.setOnPut(nil)
	if _, err := env.svc.Finalize(ctx, id, ownerP1); err != nil {
		t.Fatalf("finalize after update: %v", err)
	}
	doc, err := env.svc.Open(ctx, ownerP1, ownerP1, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := observationValues(t, doc.Document); len(got) != 1 || got[0] != "amended" {
		t.Errorf("bundle should hold the stored resource, got %v", got)
	}
}

func TestFinalize_CommitRetriedOnce(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	id := env.encounter(t, ownerP1, "ok")

	env.bundles.failNext(1)
	b, err := env.svc.Finalize(context.Background(), id, ownerP1)
	if err != nil {
		t.Fatalf("a single commit failure should be retried: %v", err)
	}
	if b.Version != 1 || env.archive.Puts() != 1 {
		t.Errorf("version %d, puts %d", b.Version, env.archive.Puts())
	}
}

func TestFinalize_PendingDiscardedWhenResourcesChange(t *testing.T) {
	env := newTestEnv(t, defaultOptions())
	ctx := context.Background()
	id := env.encounter(t, ownerP1, "first")

	env.bundles.failNext(2)
	if _, err := env.svc.Finalize(ctx, id, ownerP1); err == nil {
		t.Fatal("expected failure")
	}
	body := json.RawMessage(`{"resourceType":"Observation","valueString":"second"}`)
	if _, err := env.records.AddResource(ctx, ownerP1, id, body); err != nil {
		t.Fatal(err)
	}

	b, err := env.svc.Finalize(ctx, id, ownerP1)
	if err != nil {
		t.Fatal(err)
	}
	if b.ResourceCount != 2 || env.archive.Puts() != 2 {
		t.Errorf("expected a fresh archive of 2 resources, got %d resources and %d puts", b.ResourceCount, env.archive.Puts())
	}
}

func TestFinalize_Anchoring(t *testing.T) {
	t.Run("anchored", func(t *testing.T) {
		env := newTestEnv(t, defaultOptions())
		id := env.encounter(t, ownerP1, "anchored")
		b, err := env.svc.Finalize(context.Background(), id, ownerP1)
		if err != nil {
			t.Fatal(err)
		}
		if b.AnchorTxRef == "" {
			t.Fatal("expected an anchor reference")
		}
		receipt, err := env.anchorer.Confirm(context.Background(), b.AnchorTxRef)
		if err != nil || receipt.PayloadHash != b.DocumentHash {
			t.Errorf("ledger should hold the document hash: %v", err)
		}
		stored, _ := env.bundles.Get(context.Background(), ownerP1, 1)
		if stored.AnchorTxRef != b.AnchorTxRef {
			t.Error("anchor reference should be persisted")
		}
		if len(env.entries(t, audit.KindBundleAnchored)) != 1 {
			t.Error("expected a BUNDLE_ANCHORED entry")
		}
	})

	t.Run("timeout is not fatal", func(t *testing.T) {
		env := newTestEnv(t, Options{AnchorTimeout: 20 * time.Millisecond, Seal: true})
		env.anchorer.block = true
		id := env.encounter(t, ownerP1, "slow ledger")

		begin := time.Now()
		b, err := env.svc.Finalize(context.Background(), id, ownerP1)
		if err != nil {
			t.Fatalf("finalize should succeed without anchor: %v", err)
		}
		if time.Since(begin) > 2*time.Second {
			t.Error("anchor wait should be bounded")
		}
		if b.AnchorTxRef != "" {
			t.Error("no anchor reference expected")
		}
		if env.status(t, id) != record.StatusFinalized {
			t.Error("encounter should be finalized")
		}
		if len(env.entries(t, audit.KindBundleAnchored)) != 0 {
			t.Error("no BUNDLE_ANCHORED entry expected")
		}
	})
}

func TestFinalize_DocumentIsEncrypted(t *testing.T) {
	env := newTestEnv(t, Options{AnchorTimeout: time.Second, Seal: false})
	id := env.encounter(t, ownerP1, "hba1c 6.1")

	b, err := env.svc.Finalize(context.Background(), id, ownerP1)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := env.archive.Get(context.Background(), b.ContentAddress)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("hba1c 6.1")) || bytes.Contains(raw, []byte("routine visit")) {
		t.Error("PHI must not appear in archived bytes")
	}
	if !bytes.Contains(raw, []byte(`"document"`)) {
		t.Error("unsealed envelope should carry a FHIR document bundle")
	}
}
