package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/ledger"
	"github.com/ehr/recordvault/pkg/apperr"
)

const SystemActorDID = "did:recordvault:system"

// Checkpointer periodically anchors the Merkle root of new audit entries on
// the ledger so the trail can be proven unmodified.
type Checkpointer struct {
	repo     Repository
	recorder *Recorder
	tx       db.Transactor
	anchorer ledger.Anchorer
	batch    int
	logger   zerolog.Logger

	mu sync.Mutex
}

func NewCheckpointer(repo Repository, recorder *Recorder, tx db.Transactor, anchorer ledger.Anchorer, batch int, logger zerolog.Logger) *Checkpointer {
	if batch <= 0 {
		batch = 500
	}
	return &Checkpointer{repo: repo, recorder: recorder, tx: tx, anchorer: anchorer, batch: batch, logger: logger}
}

// Checkpoint anchors the entries after the last checkpoint, at most one
// batch. It returns nil, nil when nothing is pending. The store rejects a
// range that no longer follows the saved tip, so a concurrent run in another
// process fails with InvalidState instead of saving an overlapping range.
func (c *Checkpointer) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.repo.LastCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last checkpoint: %w", err)
	}
	from := int64(1)
	if last != nil {
		from = last.ToSeq + 1
	}

	entries, err := c.repo.List(ctx, from, c.batch)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.Hash
	}
	root := ledger.MerkleRoot(leaves)
	rootBytes, err := hex.DecodeString(root)
	if err != nil {
		return nil, fmt.Errorf("decode merkle root: %w", err)
	}

	cp := &Checkpoint{
		FromSeq: entries[0].Seq,
		ToSeq:   entries[len(entries)-1].Seq,
		Root:    root,
	}
	receipt, err := c.anchorer.Anchor(ctx, rootBytes, map[string]string{
		"kind":     "audit_checkpoint",
		"from_seq": strconv.FormatInt(cp.FromSeq, 10),
		"to_seq":   strconv.FormatInt(cp.ToSeq, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("anchor checkpoint %d..%d: %w", cp.FromSeq, cp.ToSeq, err)
	}
	cp.TxRef = receipt.TxRef
	cp.AnchoredAt = receipt.AnchoredAt

	err = c.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := c.repo.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
		_, err := c.recorder.Append(ctx, KindCheckpointAnchored, SystemActorDID, SystemActorDID, map[string]string{
			"from_seq": strconv.FormatInt(cp.FromSeq, 10),
			"to_seq":   strconv.FormatInt(cp.ToSeq, 10),
			"root":     root,
			"tx_ref":   cp.TxRef,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	c.logger.Info().
		Int64("from_seq", cp.FromSeq).
		Int64("to_seq", cp.ToSeq).
		Str("root", root).
		Str("tx_ref", cp.TxRef).
		Msg("audit checkpoint anchored")
	return cp, nil
}

// Run checkpoints every interval until ctx is done.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Checkpoint(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("audit checkpoint failed")
			}
		}
	}
}

// VerifyReport summarises a successful Verify.
type VerifyReport struct {
	Entries     int64 `json:"entries"`
	Checkpoints int   `json:"checkpoints"`
	Confirmed   int   `json:"confirmed"`
	// LedgerChain is set when the ledger's own block chain was re-checked.
	LedgerChain bool `json:"ledger_chain"`
}

// Verify recomputes the hash chain over every entry and the Merkle root of
// every checkpoint, and confirms each checkpoint's anchor on the ledger.
// Ledgers that can verify their own chain are asked to. The first
// inconsistency is returned as an Integrity error.
func (c *Checkpointer) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	prev := GenesisHash
	next := int64(1)
	for {
		page, err := c.repo.List(ctx, next, c.batch)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if e.Seq != next {
				return nil, apperr.Newf(apperr.KindIntegrity, "audit.Verify", "expected seq %d, found %d", next, e.Seq)
			}
			if e.PrevHash != prev {
				return nil, apperr.Newf(apperr.KindIntegrity, "audit.Verify", "entry %d: broken chain link", e.Seq)
			}
			if e.ComputeHash() != e.Hash {
				return nil, apperr.Newf(apperr.KindIntegrity, "audit.Verify", "entry %d: content does not match hash", e.Seq)
			}
			prev = e.Hash
			next++
			report.Entries++
		}
		if len(page) < c.batch {
			break
		}
	}

	checkpoints, err := c.repo.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	for _, cp := range checkpoints {
		entries, err := c.repo.List(ctx, cp.FromSeq, int(cp.ToSeq-cp.FromSeq+1))
		if err != nil {
			return nil, err
		}
		leaves := make([]string, len(entries))
		for i, e := range entries {
			leaves[i] = e.Hash
		}
		if ledger.MerkleRoot(leaves) != cp.Root {
			return nil, apperr.Newf(apperr.KindIntegrity, "audit.Verify", "checkpoint %d..%d: root mismatch", cp.FromSeq, cp.ToSeq)
		}
		report.Checkpoints++

		receipt, err := c.anchorer.Confirm(ctx, cp.TxRef)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				return nil, apperr.Newf(apperr.KindIntegrity, "audit.Verify", "checkpoint %d..%d: anchor %s missing from ledger", cp.FromSeq, cp.ToSeq, cp.TxRef)
			}
			c.logger.Warn().Err(err).Str("tx_ref", cp.TxRef).Msg("ledger confirm unavailable")
			continue
		}
		if receipt.PayloadHash != cp.Root {
			return nil, apperr.Newf(apperr.KindIntegrity, "audit.Verify", "checkpoint %d..%d: anchored root differs", cp.FromSeq, cp.ToSeq)
		}
		report.Confirmed++
	}

	if v, ok := c.anchorer.(ledger.ChainVerifier); ok {
		if err := v.VerifyChain(ctx); err != nil {
			return nil, fmt.Errorf("verify ledger chain: %w", err)
		}
		report.LedgerChain = true
	}
	return report, nil
}

// InclusionProof shows that one entry is covered by an anchored checkpoint.
type InclusionProof struct {
	Seq        int64              `json:"seq"`
	EntryHash  string             `json:"entry_hash"`
	Checkpoint *Checkpoint        `json:"checkpoint"`
	Steps      []ledger.ProofStep `json:"steps"`
}

// Proof returns the Merkle path from entry seq to the root of the checkpoint
// covering it. An entry not yet checkpointed is NotFound.
func (c *Checkpointer) Proof(ctx context.Context, seq int64) (*InclusionProof, error) {
	entries, err := c.repo.List(ctx, seq, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].Seq != seq {
		return nil, apperr.NotFound("audit.Proof", "entry not found")
	}
	entry := entries[0]

	checkpoints, err := c.repo.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	var cp *Checkpoint
	for _, candidate := range checkpoints {
		if candidate.FromSeq <= seq && seq <= candidate.ToSeq {
			cp = candidate
			break
		}
	}
	if cp == nil {
		return nil, apperr.NotFound("audit.Proof", fmt.Sprintf("entry %d is not checkpointed yet", seq))
	}

	covered, err := c.repo.List(ctx, cp.FromSeq, int(cp.ToSeq-cp.FromSeq+1))
	if err != nil {
		return nil, err
	}
	leaves := make([]string, len(covered))
	for i, e := range covered {
		leaves[i] = e.Hash
	}
	steps := ledger.MerkleProof(leaves, int(seq-cp.FromSeq))
	if !ledger.VerifyProof(entry.Hash, cp.Root, steps) {
		return nil, apperr.Newf(apperr.KindIntegrity, "audit.Proof", "entry %d does not match checkpoint %d..%d", seq, cp.FromSeq, cp.ToSeq)
	}
	return &InclusionProof{Seq: seq, EntryHash: entry.Hash, Checkpoint: cp, Steps: steps}, nil
}

// Checkpoints lists every anchored checkpoint in sequence order.
func (c *Checkpointer) Checkpoints(ctx context.Context) ([]*Checkpoint, error) {
	return c.repo.ListCheckpoints(ctx)
}
