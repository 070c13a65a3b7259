package bundle

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// NextVersion bumps and returns the owner's bundle counter. It must run
	// in the same unit of work as the Create it numbers.
	NextVersion(ctx context.Context, ownerDID string) (int, error)
	Create(ctx context.Context, b *Bundle) error
	SetAnchor(ctx context.Context, id uuid.UUID, txRef string) error
	Get(ctx context.Context, ownerDID string, version int) (*Bundle, error)
	Latest(ctx context.Context, ownerDID string) (*Bundle, error)
	ListByOwner(ctx context.Context, ownerDID string, limit, offset int) ([]*Bundle, int, error)
}
