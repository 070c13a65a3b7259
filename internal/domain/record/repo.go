package record

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the mutable store for owners, encounters and their clinical
// resources. Resource writes are rejected with an InvalidState error unless
// the encounter is active.
type Repository interface {
	CreateOwner(ctx context.Context, o *Owner) error
	GetOwner(ctx context.Context, did string) (*Owner, error)
	OwnerExists(ctx context.Context, did string) (bool, error)
	GetOwnerByEmailIndex(ctx context.Context, index string) (*Owner, error)

	CreateEncounter(ctx context.Context, e *Encounter) error
	GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
	ListEncountersByOwner(ctx context.Context, ownerDID string) ([]*Encounter, error)
	// MarkFinalized moves an active encounter to finalized. It fails with
	// InvalidState if the encounter is not active.
	MarkFinalized(ctx context.Context, id uuid.UUID, bundleVersion int, at time.Time) error

	AddResource(ctx context.Context, r *Resource) error
	UpdateResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id uuid.UUID) (*Resource, error)
	// ListResourcesByEncounter returns resources in creation order.
	ListResourcesByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*Resource, error)
}
