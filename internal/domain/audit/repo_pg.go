package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/recordvault/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `seq, kind, actor_did, subject_did, detail, recorded_at, prev_hash, hash`

// Append advances the single-row audit_head. The row lock it takes is held
// until the enclosing transaction ends, which serializes appenders and keeps
// the sequence gapless.
func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	q := r.conn(ctx)

	var seq int64
	var prev string
	if err := q.QueryRow(ctx,
		`UPDATE audit_head SET last_seq = last_seq + 1 WHERE id = 1 RETURNING last_seq, last_hash`,
	).Scan(&seq, &prev); err != nil {
		return db.Classify("audit.Append", err)
	}
	seal(e, seq, prev)

	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO audit_entry (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.Seq, e.Kind, e.ActorDID, e.SubjectDID, detail, e.RecordedAt, e.PrevHash, e.Hash,
	); err != nil {
		return db.Classify("audit.Append", err)
	}
	if _, err := q.Exec(ctx, `UPDATE audit_head SET last_hash = $1 WHERE id = 1`, e.Hash); err != nil {
		return db.Classify("audit.Append", err)
	}
	return nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.Seq, &e.Kind, &e.ActorDID, &e.SubjectDID, &detail, &e.RecordedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		if len(detail) > 0 && string(detail) != "null" {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail of entry %d: %w", e.Seq, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *repoPG) List(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM audit_entry WHERE seq >= $1 ORDER BY seq LIMIT $2`, fromSeq, limit)
	if err != nil {
		return nil, db.Classify("audit.List", err)
	}
	out, err := scanEntries(rows)
	return out, db.Classify("audit.List", err)
}

func (r *repoPG) ListBySubject(ctx context.Context, subjectDID string, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_entry WHERE subject_did = $1`, subjectDID).Scan(&total); err != nil {
		return nil, 0, db.Classify("audit.ListBySubject", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM audit_entry WHERE subject_did = $1 ORDER BY seq LIMIT $2 OFFSET $3`,
		subjectDID, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("audit.ListBySubject", err)
	}
	out, err := scanEntries(rows)
	return out, total, db.Classify("audit.ListBySubject", err)
}

func (r *repoPG) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.conn(ctx).QueryRow(ctx, `SELECT last_seq FROM audit_head WHERE id = 1`).Scan(&seq)
	return seq, db.Classify("audit.LastSeq", err)
}

const checkpointCols = `id, from_seq, to_seq, root, tx_ref, anchored_at`

func scanCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var cp Checkpoint
	if err := row.Scan(&cp.ID, &cp.FromSeq, &cp.ToSeq, &cp.Root, &cp.TxRef, &cp.AnchoredAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *repoPG) LastCheckpoint(ctx context.Context) (*Checkpoint, error) {
	cp, err := scanCheckpoint(r.conn(ctx).QueryRow(ctx,
		`SELECT `+checkpointCols+` FROM audit_checkpoint ORDER BY to_seq DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return cp, db.Classify("audit.LastCheckpoint", err)
}

// SaveCheckpoint locks audit_head for the rest of the transaction before
// reading the tip, which serializes checkpointers across processes.
func (r *repoPG) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `SELECT 1 FROM audit_head WHERE id = 1 FOR UPDATE`); err != nil {
		return db.Classify("audit.SaveCheckpoint", err)
	}
	var tip int64
	if err := q.QueryRow(ctx, `SELECT COALESCE(MAX(to_seq), 0) FROM audit_checkpoint`).Scan(&tip); err != nil {
		return db.Classify("audit.SaveCheckpoint", err)
	}
	if cp.FromSeq != tip+1 {
		return checkpointGap(cp, tip)
	}
	err := q.QueryRow(ctx, `
		INSERT INTO audit_checkpoint (from_seq, to_seq, root, tx_ref, anchored_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		cp.FromSeq, cp.ToSeq, cp.Root, cp.TxRef, cp.AnchoredAt,
	).Scan(&cp.ID)
	return db.Classify("audit.SaveCheckpoint", err)
}

func (r *repoPG) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+checkpointCols+` FROM audit_checkpoint ORDER BY to_seq`)
	if err != nil {
		return nil, db.Classify("audit.ListCheckpoints", err)
	}
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, db.Classify("audit.ListCheckpoints", err)
		}
		out = append(out, cp)
	}
	return out, db.Classify("audit.ListCheckpoints", rows.Err())
}
