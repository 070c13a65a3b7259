package bundle

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/pkg/apperr"
)

// Aggregator gathers an encounter's resources into a candidate bundle.
type Aggregator struct {
	records record.Repository
}

func NewAggregator(records record.Repository) *Aggregator {
	return &Aggregator{records: records}
}

// Collect returns every resource of the encounter in creation order. It is a
// pure read and refuses encounters that are already finalized.
func (a *Aggregator) Collect(ctx context.Context, encounterID uuid.UUID) ([]*record.Resource, error) {
	e, err := a.records.GetEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if e.Status != record.StatusActive {
		return nil, apperr.InvalidState("bundle.Collect", "encounter already finalized")
	}
	return a.records.ListResourcesByEncounter(ctx, encounterID)
}
