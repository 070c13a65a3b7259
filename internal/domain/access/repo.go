package access

import "context"

type Repository interface {
	// Upsert stores g as the only grant for its pair, replacing any previous
	// permission set. It sets g.ID to the pair's stable grant id.
	Upsert(ctx context.Context, g *Grant) error
	// Get returns a NotFound error when the pair has no grant.
	Get(ctx context.Context, ownerDID, granteeDID string) (*Grant, error)
	// Deactivate clears the active flag and reports whether it was set.
	Deactivate(ctx context.Context, ownerDID, granteeDID string) (bool, error)
	ListByOwner(ctx context.Context, ownerDID string) ([]*Grant, error)
}
