package audit

import (
	"context"
)

// Repository persists the audit trail. Append assigns Seq, PrevHash and Hash
// and must be called inside a unit of work so sequencing is serialized.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error)
	ListBySubject(ctx context.Context, subjectDID string, limit, offset int) ([]*Entry, int, error)
	LastSeq(ctx context.Context) (int64, error)

	LastCheckpoint(ctx context.Context) (*Checkpoint, error)
	// SaveCheckpoint rejects a range that does not start right after the
	// latest saved checkpoint with InvalidState.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)
}
