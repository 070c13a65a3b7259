package record

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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

func (r *repoPG) CreateOwner(ctx context.Context, o *Owner) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO owner (did, email_index, created_at) VALUES ($1, NULLIF($2, ''), $3)`,
		o.DID, o.EmailIndex, o.CreatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Validation("record.CreateOwner", "owner or email already registered")
	}
	return db.Classify("record.CreateOwner", err)
}

func (r *repoPG) GetOwner(ctx context.Context, did string) (*Owner, error) {
	var o Owner
	var idx *string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT did, email_index, created_at FROM owner WHERE did = $1`, did,
	).Scan(&o.DID, &idx, &o.CreatedAt)
	if err != nil {
		return nil, db.Classify("record.GetOwner", err)
	}
	if idx != nil {
		o.EmailIndex = *idx
	}
	return &o, nil
}

func (r *repoPG) OwnerExists(ctx context.Context, did string) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM owner WHERE did = $1)`, did).Scan(&ok)
	return ok, db.Classify("record.OwnerExists", err)
}

func (r *repoPG) GetOwnerByEmailIndex(ctx context.Context, index string) (*Owner, error) {
	var o Owner
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT did, email_index, created_at FROM owner WHERE email_index = $1`, index,
	).Scan(&o.DID, &o.EmailIndex, &o.CreatedAt)
	if err != nil {
		return nil, db.Classify("record.GetOwnerByEmailIndex", err)
	}
	return &o, nil
}

const encCols = `id, owner_did, practitioner_did, status, reason, started_at, finalized_at, bundle_version`

func (r *repoPG) CreateEncounter(ctx context.Context, e *Encounter) error {
	e.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter (id, owner_did, practitioner_did, status, reason, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.OwnerDID, e.PractitionerDID, e.Status, e.Reason, e.StartedAt)
	return db.Classify("record.CreateEncounter", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEncounter(row rowScanner) (*Encounter, error) {
	var e Encounter
	var version *int
	if err := row.Scan(&e.ID, &e.OwnerDID, &e.PractitionerDID, &e.Status, &e.Reason,
		&e.StartedAt, &e.FinalizedAt, &version); err != nil {
		return nil, err
	}
	if version != nil {
		e.BundleVersion = *version
	}
	return &e, nil
}

func (r *repoPG) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	e, err := scanEncounter(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify("record.GetEncounter", err)
	}
	return e, nil
}

func (r *repoPG) ListEncountersByOwner(ctx context.Context, ownerDID string) ([]*Encounter, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+encCols+` FROM encounter WHERE owner_did = $1 ORDER BY started_at`, ownerDID)
	if err != nil {
		return nil, db.Classify("record.ListEncountersByOwner", err)
	}
	defer rows.Close()
	var out []*Encounter
	for rows.Next() {
		e, err := scanEncounter(rows)
		if err != nil {
			return nil, db.Classify("record.ListEncountersByOwner", err)
		}
		out = append(out, e)
	}
	return out, db.Classify("record.ListEncountersByOwner", rows.Err())
}

// MarkFinalized is a compare-and-set on status; only one caller can move a
// given encounter out of active.
func (r *repoPG) MarkFinalized(ctx context.Context, id uuid.UUID, bundleVersion int, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter SET status = 'finalized', bundle_version = $2, finalized_at = $3
		WHERE id = $1 AND status = 'active'`,
		id, bundleVersion, at)
	if err != nil {
		return db.Classify("record.MarkFinalized", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetEncounter(ctx, id); err != nil {
			return err
		}
		return apperr.InvalidState("record.MarkFinalized", "encounter already finalized")
	}
	return nil
}

// checkActive reports NotFound or InvalidState for a write against an
// encounter that is missing or no longer active.
func (r *repoPG) checkActive(ctx context.Context, op string, encounterID uuid.UUID) error {
	e, err := r.GetEncounter(ctx, encounterID)
	if err != nil {
		return err
	}
	if e.Status != StatusActive {
		return apperr.InvalidState(op, "encounter is finalized")
	}
	return nil
}

const resCols = `id, resource_type, resource_id, owner_did, encounter_id, body, seq, created_at, updated_at`

func (r *repoPG) AddResource(ctx context.Context, res *Resource) error {
	res.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinical_resource (id, resource_type, resource_id, owner_did, encounter_id, body, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $7
		WHERE EXISTS (SELECT 1 FROM encounter WHERE id = $5 AND status = 'active' FOR SHARE)
		RETURNING seq`,
		res.ID, res.ResourceType, res.ResourceID, res.OwnerDID, res.EncounterID, []byte(res.Body), res.CreatedAt,
	).Scan(&res.Seq)
	if db.IsUniqueViolation(err) {
		return apperr.Validation("record.AddResource", "resource id already exists for "+res.ResourceType)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.checkActive(ctx, "record.AddResource", res.EncounterID)
		}
		return db.Classify("record.AddResource", err)
	}
	return nil
}

func (r *repoPG) UpdateResource(ctx context.Context, res *Resource) error {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE clinical_resource SET body = $3, updated_at = $4
		WHERE id = $1 AND encounter_id = $2
		  AND EXISTS (SELECT 1 FROM encounter WHERE id = $2 AND status = 'active' FOR SHARE)
		RETURNING `+resCols,
		res.ID, res.EncounterID, []byte(res.Body), res.UpdatedAt)
	updated, err := scanResource(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return db.Classify("record.UpdateResource", err)
		}
		if err := r.checkActive(ctx, "record.UpdateResource", res.EncounterID); err != nil {
			return err
		}
		return apperr.NotFound("record.UpdateResource", "resource not found")
	}
	*res = *updated
	return nil
}

func scanResource(row rowScanner) (*Resource, error) {
	var res Resource
	var body []byte
	if err := row.Scan(&res.ID, &res.ResourceType, &res.ResourceID, &res.OwnerDID, &res.EncounterID,
		&body, &res.Seq, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	res.Body = body
	return &res, nil
}

func (r *repoPG) GetResource(ctx context.Context, id uuid.UUID) (*Resource, error) {
	res, err := scanResource(r.conn(ctx).QueryRow(ctx, `SELECT `+resCols+` FROM clinical_resource WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify("record.GetResource", err)
	}
	return res, nil
}

func (r *repoPG) ListResourcesByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Resource, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resCols+` FROM clinical_resource WHERE encounter_id = $1 ORDER BY seq`, encounterID)
	if err != nil {
		return nil, db.Classify("record.ListResourcesByEncounter", err)
	}
	defer rows.Close()
	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, db.Classify("record.ListResourcesByEncounter", err)
		}
		out = append(out, res)
	}
	return out, db.Classify("record.ListResourcesByEncounter", rows.Err())
}
