package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/recordvault/pkg/apperr"
)

type verifier interface {
	Anchorer
	VerifyChain(ctx context.Context) error
}

func exerciseAnchorer(t *testing.T, a verifier) {
	t.Helper()
	ctx := context.Background()

	h1 := sha256.Sum256([]byte("bundle-1"))
	r1, err := a.Anchor(ctx, h1[:], map[string]string{"kind": "bundle", "owner": "did:example:p1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Height)
	assert.NotEmpty(t, r1.TxRef)

	h2 := sha256.Sum256([]byte("checkpoint-1"))
	r2, err := a.Anchor(ctx, h2[:], map[string]string{"kind": "audit_checkpoint"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.Height)

	got, err := a.Confirm(ctx, r1.TxRef)
	require.NoError(t, err)
	assert.Equal(t, r1.PayloadHash, got.PayloadHash)
	assert.Equal(t, "did:example:p1", got.Meta["owner"])

	_, err = a.Confirm(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = a.Anchor(ctx, nil, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, a.VerifyChain(ctx))
}

func TestMemory(t *testing.T) {
	exerciseAnchorer(t, NewMemory())
}

func TestMemory_TamperDetected(t *testing.T) {
	m := NewMemory()
	for _, s := range []string{"a", "b", "c"} {
		h := sha256.Sum256([]byte(s))
		_, err := m.Anchor(context.Background(), h[:], nil)
		require.NoError(t, err)
	}
	m.blocks[1].PayloadHash = m.blocks[0].PayloadHash

	err := m.VerifyChain(context.Background())
	assert.ErrorIs(t, err, apperr.ErrIntegrity)
}

func TestLevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	l, err := OpenLevelDB(path, zerolog.Nop())
	require.NoError(t, err)
	exerciseAnchorer(t, l)
	require.NoError(t, l.Close())

	// The chain continues from the persisted tip after reopening.
	l, err = OpenLevelDB(path, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()
	h := sha256.Sum256([]byte("after-restart"))
	r, err := l.Anchor(context.Background(), h[:], nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.Height)
	require.NoError(t, l.VerifyChain(context.Background()))
}

func TestLevelDB_TamperDetected(t *testing.T) {
	l, err := OpenLevelDB(filepath.Join(t.TempDir(), "ledger"), zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	for _, s := range []string{"a", "b"} {
		h := sha256.Sum256([]byte(s))
		_, err := l.Anchor(ctx, h[:], nil)
		require.NoError(t, err)
	}

	b, err := l.block(1)
	require.NoError(t, err)
	b.Meta = map[string]string{"rewritten": "true"}
	data, _ := json.Marshal(b)
	require.NoError(t, l.db.Put(blockKey(1), data, nil))

	assert.ErrorIs(t, l.VerifyChain(ctx), apperr.ErrIntegrity)
}
