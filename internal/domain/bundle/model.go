package bundle

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/signing"
)

// Bundle is the metadata record of one finalized encounter. The document
// bytes live in the archive at ContentAddress; the record is never changed
// after creation except to attach the ledger anchor.
type Bundle struct {
	ID             uuid.UUID `json:"id"`
	OwnerDID       string    `json:"owner_did"`
	EncounterID    uuid.UUID `json:"encounter_id"`
	Version        int       `json:"version"`
	ContentAddress string    `json:"content_address"`
	DocumentHash   string    `json:"document_hash"`
	Signature      string    `json:"signature"`
	SignerDID      string    `json:"signer_did"`
	PublicKey      string    `json:"public_key"`
	Sealed         bool      `json:"sealed"`
	ResourceCount  int       `json:"resource_count"`
	CreatedAt      time.Time `json:"created_at"`
	AnchorTxRef    string    `json:"anchor_tx_ref,omitempty"`
}

// Envelope is what gets archived: the canonical document, its hash and the
// finalizing actor's signature over it.
type Envelope struct {
	Bundle       json.RawMessage   `json:"bundle"`
	Signature    signing.Signature `json:"signature"`
	DocumentHash string            `json:"documentHash"`
}

// artifact is an archived envelope waiting for its metadata to commit.
type artifact struct {
	address     string
	hash        string
	signature   signing.Signature
	sealed      bool
	count       int
	fingerprint string
}
