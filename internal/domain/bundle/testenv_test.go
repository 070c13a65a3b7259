package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/domain/access"
	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/internal/platform/archive"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/hipaa"
	"github.com/ehr/recordvault/internal/platform/ledger"
	"github.com/ehr/recordvault/internal/platform/signing"
	"github.com/ehr/recordvault/pkg/apperr"
)

const (
	ownerP1      = "did:example:p1"
	ownerP2      = "did:example:p2"
	practitioner = "did:example:dr-a"
)

// flakyArchive fails Put while fail is set and runs onPut, when set,
// before storing.
type flakyArchive struct {
	*archive.Memory
	mu    sync.Mutex
	fail  bool
	onPut func()
}

func (a *flakyArchive) setOnPut(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPut = fn
}

func (a *flakyArchive) setFail(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = v
}

func (a *flakyArchive) Put(ctx context.Context, data []byte) (string, error) {
	a.mu.Lock()
	fail, hook := a.fail, a.onPut
	a.mu.Unlock()
	if fail {
		return "", apperr.New(apperr.KindArchival, "archive.Put", "storage node unreachable")
	}
	if hook != nil {
		hook()
	}
	return a.Memory.Put(ctx, data)
}

// flakyRepo fails the next failCreates bundle inserts.
type flakyRepo struct {
	*MemStore
	mu          sync.Mutex
	failCreates int
}

func (r *flakyRepo) failNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCreates = n
}

func (r *flakyRepo) Create(ctx context.Context, b *Bundle) error {
	r.mu.Lock()
	if r.failCreates > 0 {
		r.failCreates--
		r.mu.Unlock()
		return apperr.New(apperr.KindUnavailable, "bundle.Create", "connection reset")
	}
	r.mu.Unlock()
	return r.MemStore.Create(ctx, b)
}

// switchAnchorer delegates to a ledger unless blocked, in which case it
// waits for the caller's deadline.
type switchAnchorer struct {
	*ledger.Memory
	block bool
}

func (a *switchAnchorer) Anchor(ctx context.Context, hash []byte, meta map[string]string) (ledger.Receipt, error) {
	if a.block {
		<-ctx.Done()
		return ledger.Receipt{}, ctx.Err()
	}
	return a.Memory.Anchor(ctx, hash, meta)
}

type testEnv struct {
	svc      *Service
	records  *record.Service
	store    *record.MemStore
	access   *access.Service
	audits   *audit.MemStore
	bundles  *flakyRepo
	archive  *flakyArchive
	anchorer *switchAnchorer
	codec    *hipaa.Codec
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	enc, err := hipaa.NewRotatingEncryptor(bytes.Repeat([]byte{9}, 32), 1)
	if err != nil {
		t.Fatal(err)
	}
	codec, err := hipaa.NewCodec(enc, []byte("bundle-test-salt-16"))
	if err != nil {
		t.Fatal(err)
	}
	keys, err := signing.NewDerivedKeyring(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		store:    record.NewMemStore(),
		audits:   audit.NewMemStore(),
		bundles:  &flakyRepo{MemStore: NewMemStore()},
		archive:  &flakyArchive{Memory: archive.NewMemory()},
		anchorer: &switchAnchorer{Memory: ledger.NewMemory()},
		codec:    codec,
	}
	tx := db.NewMemTransactor()
	rec := audit.NewRecorder(env.audits, tx, zerolog.Nop())
	env.access = access.NewService(access.NewMemStore(), env.store, tx, rec, zerolog.Nop())
	env.records = record.NewService(env.store, env.access, codec, zerolog.Nop())
	env.svc = NewService(Deps{
		Repo:     env.bundles,
		Records:  env.store,
		Guard:    env.access,
		Tx:       tx,
		Audit:    rec,
		Codec:    codec,
		Signer:   keys,
		Archive:  env.archive,
		Anchorer: env.anchorer,
	}, opts, zerolog.Nop())

	ctx := context.Background()
	for _, did := range []string{ownerP1, ownerP2} {
		if _, err := env.records.RegisterOwner(ctx, did, ""); err != nil {
			t.Fatal(err)
		}
	}
	return env
}

// encounter starts an encounter for owner and adds one Observation per value.
func (e *testEnv) encounter(t *testing.T, owner string, values ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	enc, err := e.records.StartEncounter(ctx, owner, owner, "routine visit")
	if err != nil {
		t.Fatalf("start encounter: %v", err)
	}
	for _, v := range values {
		body := json.RawMessage(`{"resourceType":"Observation","status":"final","valueString":"` + v + `"}`)
		if _, err := e.records.AddResource(ctx, owner, enc.ID, body); err != nil {
			t.Fatalf("add resource: %v", err)
		}
	}
	return enc.ID
}

func (e *testEnv) grantWrite(t *testing.T, owner string) {
	t.Helper()
	if _, err := e.access.Grant(context.Background(), owner, practitioner, []access.Permission{access.PermWrite}, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
}

func (e *testEnv) status(t *testing.T, id uuid.UUID) record.Status {
	t.Helper()
	enc, err := e.store.GetEncounter(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return enc.Status
}

func (e *testEnv) entries(t *testing.T, kind audit.Kind) []*audit.Entry {
	t.Helper()
	all, _ := e.audits.List(context.Background(), 1, 1000)
	var out []*audit.Entry
	for _, en := range all {
		if en.Kind == kind {
			out = append(out, en)
		}
	}
	return out
}

func defaultOptions() Options {
	return Options{AnchorTimeout: time.Second, Seal: true}
}
