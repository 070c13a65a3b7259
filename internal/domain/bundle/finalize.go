package bundle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/domain/access"
	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/pkg/apperr"
)

// Finalize turns an active encounter into a signed, archived, versioned
// bundle. It succeeds at most once per encounter. Nothing is committed
// unless the archive accepted the envelope; if the archive write succeeded
// but the metadata commit did not, the archived envelope is kept and reused
// by the next attempt instead of being uploaded again.
func (s *Service) Finalize(ctx context.Context, encounterID uuid.UUID, actorDID string) (*Bundle, error) {
	enc, err := s.records.GetEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Require(ctx, enc.OwnerDID, actorDID, access.PermWrite); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(encounterID)
	defer unlock()

	// Re-read under the lock; a concurrent finalize may have won.
	enc, err = s.records.GetEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if enc.Status != record.StatusActive {
		return nil, apperr.InvalidState("bundle.Finalize", "encounter already finalized")
	}

	resources, err := s.agg.Collect(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, apperr.New(apperr.KindEmptyBundle, "bundle.Finalize", "encounter has no resources")
	}

	fp := fingerprint(enc, actorDID, resources)
	art := s.takePending(encounterID, fp)
	if art != nil {
		s.logger.Info().Str("encounter_id", encounterID.String()).Str("content_address", art.address).
			Msg("reusing archived bundle from earlier attempt")
	} else {
		art, err = s.prepare(ctx, enc, resources, actorDID)
		if err != nil {
			return nil, err
		}
		art.fingerprint = fp
	}

	b, err := s.commit(ctx, enc, actorDID, art)
	if err != nil && apperr.Retryable(err) && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("encounter_id", encounterID.String()).Msg("bundle commit failed, retrying once")
		b, err = s.commit(ctx, enc, actorDID, art)
	}
	if err != nil {
		if apperr.Retryable(err) || ctx.Err() != nil {
			s.keepPending(encounterID, art)
		}
		return nil, fmt.Errorf("finalize %s: %w", encounterID, err)
	}

	s.logger.Info().
		Str("encounter_id", encounterID.String()).
		Str("owner_did", b.OwnerDID).
		Int("version", b.Version).
		Str("content_address", b.ContentAddress).
		Msg("encounter finalized")

	s.anchor(ctx, b, actorDID)
	return b, nil
}

// prepare assembles, signs and archives the document.
func (s *Service) prepare(ctx context.Context, enc *record.Encounter, resources []*record.Resource, actorDID string) (*artifact, error) {
	doc, err := assemble(s.codec, enc, resources, s.now())
	if err != nil {
		return nil, fmt.Errorf("assemble bundle: %w", err)
	}
	canonical, err := canonicalize(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle: %w", err)
	}
	hash := documentHash(canonical)

	sig, err := s.signer.Sign(ctx, actorDID, canonical)
	if err != nil {
		return nil, fmt.Errorf("sign bundle: %w", err)
	}

	data, err := json.Marshal(Envelope{Bundle: canonical, Signature: sig, DocumentHash: hash})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if s.opts.Seal {
		if data, err = s.codec.Seal(data); err != nil {
			return nil, fmt.Errorf("seal envelope: %w", err)
		}
	}

	addr, err := s.archive.Put(ctx, data)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindArchival, "bundle.archive", err)
		}
		return nil, err
	}
	return &artifact{
		address:   addr,
		hash:      hash,
		signature: sig,
		sealed:    s.opts.Seal,
		count:     len(resources),
	}, nil
}

// commit finalizes the encounter and records the bundle in one unit of work.
// The encounter's resources are re-read after the status change, which
// blocks further writers, and must still match what was archived.
func (s *Service) commit(ctx context.Context, enc *record.Encounter, actorDID string, art *artifact) (*Bundle, error) {
	var b *Bundle
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		version, err := s.repo.NextVersion(ctx, enc.OwnerDID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := s.records.MarkFinalized(ctx, enc.ID, version, now); err != nil {
			return err
		}
		current, err := s.records.ListResourcesByEncounter(ctx, enc.ID)
		if err != nil {
			return err
		}
		if fingerprint(enc, actorDID, current) != art.fingerprint {
			return apperr.InvalidState("bundle.commit", "encounter changed during finalization")
		}

		b = &Bundle{
			OwnerDID:       enc.OwnerDID,
			EncounterID:    enc.ID,
			Version:        version,
			ContentAddress: art.address,
			DocumentHash:   art.hash,
			Signature:      art.signature.Value,
			SignerDID:      art.signature.SignerDID,
			PublicKey:      art.signature.PublicKey,
			Sealed:         art.sealed,
			ResourceCount:  art.count,
			CreatedAt:      now,
		}
		if err := s.repo.Create(ctx, b); err != nil {
			return err
		}
		_, err = s.audit.Append(ctx, audit.KindFinalized, actorDID, enc.OwnerDID, map[string]string{
			"encounter_id":    enc.ID.String(),
			"bundle_version":  strconv.Itoa(version),
			"content_address": art.address,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// anchor records the document hash on the ledger within AnchorTimeout. A
// failure leaves the bundle unanchored and is only logged.
func (s *Service) anchor(ctx context.Context, b *Bundle, actorDID string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AnchorTimeout)
	defer cancel()

	log := s.logger.With().Str("owner_did", b.OwnerDID).Int("version", b.Version).Logger()

	hash, err := hex.DecodeString(b.DocumentHash)
	if err != nil {
		log.Warn().Err(err).Msg("bundle anchor skipped")
		return
	}
	receipt, err := s.anchorer.Anchor(actx, hash, map[string]string{
		"kind":            "bundle",
		"owner_did":       b.OwnerDID,
		"version":         strconv.Itoa(b.Version),
		"content_address": b.ContentAddress,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Dur("timeout", s.opts.AnchorTimeout).Msg("bundle anchor timed out")
		} else {
			log.Warn().Err(err).Msg("bundle anchor failed")
		}
		return
	}

	err = s.tx.WithinTx(actx, func(ctx context.Context) error {
		if err := s.repo.SetAnchor(ctx, b.ID, receipt.TxRef); err != nil {
			return err
		}
		_, err := s.audit.Append(ctx, audit.KindBundleAnchored, actorDID, b.OwnerDID, map[string]string{
			"bundle_version": strconv.Itoa(b.Version),
			"tx_ref":         receipt.TxRef,
		})
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("tx_ref", receipt.TxRef).Msg("bundle anchored but not recorded")
		return
	}
	b.AnchorTxRef = receipt.TxRef
	log.Info().Str("tx_ref", receipt.TxRef).Msg("bundle anchored")
}

// takePending removes and returns the archived artifact left by a failed
// commit, provided the encounter's resources have not changed since.
func (s *Service) takePending(id uuid.UUID, fp string) *artifact {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	art, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	if art.fingerprint != fp {
		return nil
	}
	return art
}

func (s *Service) keepPending(id uuid.UUID, art *artifact) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[id] = art
}
