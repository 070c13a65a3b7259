package bundle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/recordvault/internal/platform/signing"
	"github.com/ehr/recordvault/pkg/apperr"
)

// Document is a verified, decrypted bundle.
type Document struct {
	Bundle   *Bundle                `json:"bundle"`
	Document map[string]interface{} `json:"document"`
}

func integrity(format string, args ...interface{}) error {
	return apperr.Newf(apperr.KindIntegrity, "bundle.Open", format, args...)
}

// Open fetches a bundle from the archive, checks its hash and signature
// against the metadata record and returns the decrypted document. Any
// mismatch is an Integrity error and no content is returned.
func (s *Service) Open(ctx context.Context, actorDID, ownerDID string, version int) (*Document, error) {
	if err := s.readGuard(ctx, ownerDID, actorDID); err != nil {
		return nil, err
	}
	b, err := s.repo.Get(ctx, ownerDID, version)
	if err != nil {
		return nil, err
	}

	data, err := s.archive.Get(ctx, b.ContentAddress)
	if err != nil {
		return nil, err
	}
	if b.Sealed {
		if data, err = s.codec.Open(data); err != nil {
			return nil, err
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, integrity("envelope is not valid JSON")
	}
	if documentHash(env.Bundle) != b.DocumentHash || env.DocumentHash != b.DocumentHash {
		return nil, integrity("document hash mismatch for %s v%d", ownerDID, version)
	}
	if env.Signature.Value != b.Signature || env.Signature.PublicKey != b.PublicKey {
		return nil, integrity("signature does not match bundle record")
	}
	if !signing.VerifySignature(s.signer, env.Signature, env.Bundle) {
		return nil, integrity("signature verification failed")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(env.Bundle, &doc); err != nil {
		return nil, integrity("document is not valid JSON")
	}
	if err := decryptDocument(s.codec, doc); err != nil {
		return nil, fmt.Errorf("open %s v%d: %w", ownerDID, version, err)
	}
	return &Document{Bundle: b, Document: doc}, nil
}
