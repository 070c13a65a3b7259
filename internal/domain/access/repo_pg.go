package access

import (
	"context"
	"time"

	"github.com/google/uuid"
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

const grantCols = `id, owner_did, grantee_did, permissions, active, expires_at, created_at`

// Upsert relies on the (owner_did, grantee_did) unique key: concurrent
// grants for one pair converge on a single row, last writer wins.
func (r *repoPG) Upsert(ctx context.Context, g *Grant) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO permission_grant (id, owner_did, grantee_did, permissions, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_did, grantee_did) DO UPDATE SET
			permissions = EXCLUDED.permissions,
			active = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		RETURNING id`,
		uuid.New(), g.OwnerDID, g.GranteeDID, permStrings(g.Permissions), g.Active, g.ExpiresAt, g.CreatedAt,
	).Scan(&g.ID)
	return db.Classify("access.Upsert", err)
}

func (r *repoPG) Get(ctx context.Context, ownerDID, granteeDID string) (*Grant, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+grantCols+` FROM permission_grant WHERE owner_did = $1 AND grantee_did = $2`,
		ownerDID, granteeDID)
	g, err := scanGrant(row)
	if err != nil {
		return nil, db.Classify("access.Get", err)
	}
	return g, nil
}

func (r *repoPG) Deactivate(ctx context.Context, ownerDID, granteeDID string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE permission_grant SET active = false WHERE owner_did = $1 AND grantee_did = $2 AND active`,
		ownerDID, granteeDID)
	if err != nil {
		return false, db.Classify("access.Deactivate", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListByOwner(ctx context.Context, ownerDID string) ([]*Grant, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+grantCols+` FROM permission_grant WHERE owner_did = $1 ORDER BY grantee_did`, ownerDID)
	if err != nil {
		return nil, db.Classify("access.ListByOwner", err)
	}
	defer rows.Close()

	var out []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, db.Classify("access.ListByOwner", err)
		}
		out = append(out, g)
	}
	return out, db.Classify("access.ListByOwner", rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var g Grant
	var perms []string
	var expires *time.Time
	if err := row.Scan(&g.ID, &g.OwnerDID, &g.GranteeDID, &perms, &g.Active, &expires, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.ExpiresAt = expires
	g.Permissions = make([]Permission, len(perms))
	for i, p := range perms {
		g.Permissions[i] = Permission(p)
	}
	return &g, nil
}

func permStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
