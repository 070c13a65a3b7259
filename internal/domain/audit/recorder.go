package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/pkg/apperr"
)

// Recorder appends entries to the audit trail.
type Recorder struct {
	repo   Repository
	tx     db.Transactor
	now    func() time.Time
	logger zerolog.Logger
}

func NewRecorder(repo Repository, tx db.Transactor, logger zerolog.Logger) *Recorder {
	return &Recorder{repo: repo, tx: tx, now: time.Now, logger: logger}
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Append records one entry and returns its sequence number. Called inside a
// caller's unit of work it joins it, so the entry commits or rolls back with
// the change it describes. Storage failures are Unavailable errors.
func (r *Recorder) Append(ctx context.Context, kind Kind, actorDID, subjectDID string, detail map[string]string) (int64, error) {
	if !validKinds[kind] {
		return 0, apperr.Validation("audit.Append", fmt.Sprintf("unknown kind %q", kind))
	}
	if actorDID == "" || subjectDID == "" {
		return 0, apperr.Validation("audit.Append", "actor and subject are required")
	}

	e := &Entry{
		Kind:       kind,
		ActorDID:   actorDID,
		SubjectDID: subjectDID,
		Detail:     detail,
		// Postgres keeps microseconds; truncating keeps the hash reproducible.
		RecordedAt: r.now().UTC().Truncate(time.Microsecond),
	}
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		return r.repo.Append(ctx, e)
	})
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Wrap(apperr.KindUnavailable, "audit.Append", err)
		}
		return 0, err
	}

	r.logger.Debug().Int64("seq", e.Seq).Str("kind", string(kind)).Str("subject_did", subjectDID).Msg("audit entry appended")
	return e.Seq, nil
}

// List returns up to limit entries starting at fromSeq.
func (r *Recorder) List(ctx context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.repo.List(ctx, fromSeq, limit)
}

// ListBySubject returns the entries that affect subjectDID.
func (r *Recorder) ListBySubject(ctx context.Context, subjectDID string, limit, offset int) ([]*Entry, int, error) {
	return r.repo.ListBySubject(ctx, subjectDID, limit, offset)
}
