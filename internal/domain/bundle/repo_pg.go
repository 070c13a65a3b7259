package bundle

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/pkg/apperr"
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

// NextVersion takes the owner's counter row lock for the rest of the
// transaction, so versions are handed out in commit order.
func (r *repoPG) NextVersion(ctx context.Context, ownerDID string) (int, error) {
	var v int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bundle_version (owner_did, last_version) VALUES ($1, 1)
		ON CONFLICT (owner_did) DO UPDATE SET last_version = bundle_version.last_version + 1
		RETURNING last_version`, ownerDID).Scan(&v)
	return v, db.Classify("bundle.NextVersion", err)
}

const bundleCols = `id, owner_did, encounter_id, version, content_address, document_hash,
	signature, signer_did, public_key, sealed, resource_count, created_at, anchor_tx_ref`

func (r *repoPG) Create(ctx context.Context, b *Bundle) error {
	b.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bundle (`+bundleCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13, ''))`,
		b.ID, b.OwnerDID, b.EncounterID, b.Version, b.ContentAddress, b.DocumentHash,
		b.Signature, b.SignerDID, b.PublicKey, b.Sealed, b.ResourceCount, b.CreatedAt, b.AnchorTxRef)
	if db.IsUniqueViolation(err) {
		return apperr.Newf(apperr.KindInvalidState, "bundle.Create", "version %d already exists", b.Version)
	}
	return db.Classify("bundle.Create", err)
}

func (r *repoPG) SetAnchor(ctx context.Context, id uuid.UUID, txRef string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE bundle SET anchor_tx_ref = $2 WHERE id = $1`, id, txRef)
	if err != nil {
		return db.Classify("bundle.SetAnchor", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("bundle.SetAnchor", "bundle not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBundle(row rowScanner) (*Bundle, error) {
	var b Bundle
	var anchor *string
	if err := row.Scan(&b.ID, &b.OwnerDID, &b.EncounterID, &b.Version, &b.ContentAddress, &b.DocumentHash,
		&b.Signature, &b.SignerDID, &b.PublicKey, &b.Sealed, &b.ResourceCount, &b.CreatedAt, &anchor); err != nil {
		return nil, err
	}
	if anchor != nil {
		b.AnchorTxRef = *anchor
	}
	return &b, nil
}

func (r *repoPG) Get(ctx context.Context, ownerDID string, version int) (*Bundle, error) {
	b, err := scanBundle(r.conn(ctx).QueryRow(ctx,
		`SELECT `+bundleCols+` FROM bundle WHERE owner_did = $1 AND version = $2`, ownerDID, version))
	if err != nil {
		return nil, db.Classify("bundle.Get", err)
	}
	return b, nil
}

func (r *repoPG) Latest(ctx context.Context, ownerDID string) (*Bundle, error) {
	b, err := scanBundle(r.conn(ctx).QueryRow(ctx,
		`SELECT `+bundleCols+` FROM bundle WHERE owner_did = $1 ORDER BY version DESC LIMIT 1`, ownerDID))
	if err != nil {
		return nil, db.Classify("bundle.Latest", err)
	}
	return b, nil
}

func (r *repoPG) ListByOwner(ctx context.Context, ownerDID string, limit, offset int) ([]*Bundle, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM bundle WHERE owner_did = $1`, ownerDID).Scan(&total); err != nil {
		return nil, 0, db.Classify("bundle.ListByOwner", err)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+bundleCols+` FROM bundle WHERE owner_did = $1 ORDER BY version DESC LIMIT $2 OFFSET $3`,
		ownerDID, limit, offset)
	if err != nil {
		return nil, 0, db.Classify("bundle.ListByOwner", err)
	}
	defer rows.Close()
	var out []*Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, 0, db.Classify("bundle.ListByOwner", err)
		}
		out = append(out, b)
	}
	return out, total, db.Classify("bundle.ListByOwner", rows.Err())
}
