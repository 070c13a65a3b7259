// Package ledger anchors hashes outside the mutable store.
//
// An anchor is a block in a hash chain: each block commits to the previous
// block's hash, the anchored payload hash and its metadata, so rewriting any
// anchored record breaks every later link.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/recordvault/pkg/apperr"
)

// Anchorer is the ledger collaborator. Anchor commits hash and returns a
// transaction reference; Confirm looks an earlier anchor up by reference.
type Anchorer interface {
	Anchor(ctx context.Context, hash []byte, meta map[string]string) (Receipt, error)
	Confirm(ctx context.Context, txRef string) (Receipt, error)
}

// ChainVerifier is implemented by ledgers that can re-check every link of
// their own chain.
type ChainVerifier interface {
	VerifyChain(ctx context.Context) error
}

var (
	_ ChainVerifier = (*Memory)(nil)
	_ ChainVerifier = (*LevelDB)(nil)
)

// Receipt describes an anchored hash.
type Receipt struct {
	TxRef       string            `json:"tx_ref"`
	Height      uint64            `json:"height"`
	PayloadHash string            `json:"payload_hash"`
	Meta        map[string]string `json:"meta,omitempty"`
	AnchoredAt  time.Time         `json:"anchored_at"`
}

// Block is one link of the anchor chain.
type Block struct {
	Height      uint64            `json:"height"`
	PrevHash    string            `json:"prev_hash"`
	PayloadHash string            `json:"payload_hash"`
	Meta        map[string]string `json:"meta,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Hash        string            `json:"hash"`
}

var genesisPrevHash = strings.Repeat("0", 64)

// computeHash hashes the block header. encoding/json sorts map keys, which
// keeps Meta deterministic.
func (b Block) computeHash() string {
	hdr := struct {
		Height      uint64            `json:"height"`
		PrevHash    string            `json:"prev_hash"`
		PayloadHash string            `json:"payload_hash"`
		Meta        map[string]string `json:"meta,omitempty"`
		Timestamp   string            `json:"timestamp"`
	}{
		Height:      b.Height,
		PrevHash:    b.PrevHash,
		PayloadHash: b.PayloadHash,
		Meta:        b.Meta,
		Timestamp:   b.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(hdr)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (b Block) receipt() Receipt {
	return Receipt{
		TxRef:       b.Hash,
		Height:      b.Height,
		PayloadHash: b.PayloadHash,
		Meta:        b.Meta,
		AnchoredAt:  b.Timestamp,
	}
}

func nextBlock(prev *Block, hash []byte, meta map[string]string, now time.Time) Block {
	b := Block{
		Height:      1,
		PrevHash:    genesisPrevHash,
		PayloadHash: hex.EncodeToString(hash),
		Meta:        copyMeta(meta),
		Timestamp:   now.UTC(),
	}
	if prev != nil {
		b.Height = prev.Height + 1
		b.PrevHash = prev.Hash
	}
	b.Hash = b.computeHash()
	return b
}

// verifyLink checks b against its predecessor.
func verifyLink(prev *Block, b Block) error {
	wantPrev, wantHeight := genesisPrevHash, uint64(1)
	if prev != nil {
		wantPrev, wantHeight = prev.Hash, prev.Height+1
	}
	if b.Height != wantHeight {
		return apperr.Newf(apperr.KindIntegrity, "ledger.Verify", "block %d: expected height %d", b.Height, wantHeight)
	}
	if b.PrevHash != wantPrev {
		return apperr.Newf(apperr.KindIntegrity, "ledger.Verify", "block %d: broken prev link", b.Height)
	}
	if b.computeHash() != b.Hash {
		return apperr.Newf(apperr.KindIntegrity, "ledger.Verify", "block %d: hash mismatch", b.Height)
	}
	return nil
}

func validatePayload(hash []byte) error {
	if len(hash) == 0 {
		return apperr.Validation("ledger.Anchor", "empty hash")
	}
	if len(hash) > 64 {
		return apperr.Validation("ledger.Anchor", fmt.Sprintf("hash too long (%d bytes)", len(hash)))
	}
	return nil
}

func copyMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
