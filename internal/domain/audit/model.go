package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/ehr/recordvault/pkg/apperr"
)

// Kind is the operation an entry records.
type Kind string

const (
	KindGranted            Kind = "GRANTED"
	KindRevoked            Kind = "REVOKED"
	KindFinalized          Kind = "FINALIZED"
	KindBundleAnchored     Kind = "BUNDLE_ANCHORED"
	KindCheckpointAnchored Kind = "CHECKPOINT_ANCHORED"
)

var validKinds = map[Kind]bool{
	KindGranted:            true,
	KindRevoked:            true,
	KindFinalized:          true,
	KindBundleAnchored:     true,
	KindCheckpointAnchored: true,
}

// GenesisHash is the PrevHash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Entry is one immutable line of the audit trail. Seq is gapless and strictly
// increasing; Hash commits to every other field and to the previous entry.
type Entry struct {
	Seq        int64             `json:"seq"`
	Kind       Kind              `json:"kind"`
	ActorDID   string            `json:"actor_did"`
	SubjectDID string            `json:"subject_did"`
	Detail     map[string]string `json:"detail,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// Checkpoint records a batch of entries whose Merkle root was anchored on
// the ledger.
type Checkpoint struct {
	ID         int64     `json:"id"`
	FromSeq    int64     `json:"from_seq"`
	ToSeq      int64     `json:"to_seq"`
	Root       string    `json:"root"`
	TxRef      string    `json:"tx_ref"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// ComputeHash hashes the entry's content and chain link.
func (e *Entry) ComputeHash() string {
	body := struct {
		Seq        int64             `json:"seq"`
		Kind       Kind              `json:"kind"`
		ActorDID   string            `json:"actor_did"`
		SubjectDID string            `json:"subject_did"`
		Detail     map[string]string `json:"detail,omitempty"`
		RecordedAt string            `json:"recorded_at"`
		PrevHash   string            `json:"prev_hash"`
	}{
		Seq:        e.Seq,
		Kind:       e.Kind,
		ActorDID:   e.ActorDID,
		SubjectDID: e.SubjectDID,
		Detail:     e.Detail,
		RecordedAt: e.RecordedAt.UTC().Format(time.RFC3339Nano),
		PrevHash:   e.PrevHash,
	}
	data, _ := json.Marshal(body)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// seal links e after a predecessor with prevHash at position seq.
func seal(e *Entry, seq int64, prevHash string) {
	e.Seq = seq
	e.PrevHash = prevHash
	e.Hash = e.ComputeHash()
}

func checkpointGap(cp *Checkpoint, tip int64) error {
	return apperr.Newf(apperr.KindInvalidState, "audit.SaveCheckpoint",
		"checkpoint %d..%d does not follow saved tip %d", cp.FromSeq, cp.ToSeq, tip)
}
