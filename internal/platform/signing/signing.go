// Package signing supplies actors' signing capability for finalized bundles.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/ehr/recordvault/pkg/apperr"
)

// AlgorithmEd25519 is the only algorithm signatures are produced with.
const AlgorithmEd25519 = "Ed25519"

// Signature is a detached signature with the key that produced it.
type Signature struct {
	Algorithm string `json:"algorithm"`
	SignerDID string `json:"signer_did"`
	PublicKey string `json:"public_key"` // base64 std
	Value     string `json:"value"`      // base64 std
}

// Identity is the signing collaborator: it signs on behalf of an actor and
// verifies detached signatures.
type Identity interface {
	Sign(ctx context.Context, actorDID string, msg []byte) (Signature, error)
	Verify(publicKey, msg, sig []byte) bool
}

// Verify checks an Ed25519 signature. Malformed keys or signatures fail.
func Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig)
}

// VerifySignature decodes s and verifies it over msg.
func VerifySignature(id Identity, s Signature, msg []byte) bool {
	if s.Algorithm != AlgorithmEd25519 {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(s.PublicKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(s.Value)
	if err != nil {
		return false
	}
	return id.Verify(pub, msg, sig)
}

func sign(did string, key ed25519.PrivateKey, msg []byte) Signature {
	return Signature{
		Algorithm: AlgorithmEd25519,
		SignerDID: did,
		PublicKey: base64.StdEncoding.EncodeToString(key.Public().(ed25519.PublicKey)),
		Value:     base64.StdEncoding.EncodeToString(ed25519.Sign(key, msg)),
	}
}

// DerivedKeyring derives each DID's Ed25519 key from a master seed with
// HKDF-SHA256, so every actor has a stable key without a key store.
type DerivedKeyring struct {
	seed []byte

	mu    sync.Mutex
	cache map[string]ed25519.PrivateKey
}

func NewDerivedKeyring(seed []byte) (*DerivedKeyring, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("signing: master seed must be at least 32 bytes, got %d", len(seed))
	}
	return &DerivedKeyring{seed: seed, cache: make(map[string]ed25519.PrivateKey)}, nil
}

func (k *DerivedKeyring) key(did string) (ed25519.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if priv, ok := k.cache[did]; ok {
		return priv, nil
	}
	r := hkdf.New(sha256.New, k.seed, nil, []byte("recordvault/ed25519/"+did))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", did, err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	k.cache[did] = priv
	return priv, nil
}

// PublicKey returns the derived public key of did.
func (k *DerivedKeyring) PublicKey(did string) (ed25519.PublicKey, error) {
	priv, err := k.key(did)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

func (k *DerivedKeyring) Sign(ctx context.Context, actorDID string, msg []byte) (Signature, error) {
	if actorDID == "" {
		return Signature{}, apperr.Validation("signing.Sign", "actor DID is required")
	}
	priv, err := k.key(actorDID)
	if err != nil {
		return Signature{}, err
	}
	return sign(actorDID, priv, msg), nil
}

func (k *DerivedKeyring) Verify(publicKey, msg, sig []byte) bool {
	return Verify(publicKey, msg, sig)
}

// StaticKeyring signs only for DIDs whose keys were registered.
type StaticKeyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{keys: make(map[string]ed25519.PrivateKey)}
}

// Register stores key as did's signing key.
func (k *StaticKeyring) Register(did string, key ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[did] = key
}

func (k *StaticKeyring) Sign(ctx context.Context, actorDID string, msg []byte) (Signature, error) {
	k.mu.RLock()
	priv, ok := k.keys[actorDID]
	k.mu.RUnlock()
	if !ok {
		return Signature{}, apperr.PermissionDenied("signing.Sign", "no signing key for "+actorDID)
	}
	return sign(actorDID, priv, msg), nil
}

func (k *StaticKeyring) Verify(publicKey, msg, sig []byte) bool {
	return Verify(publicKey, msg, sig)
}
