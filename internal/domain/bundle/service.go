package bundle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/domain/access"
	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/internal/platform/archive"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/hipaa"
	"github.com/ehr/recordvault/internal/platform/ledger"
	"github.com/ehr/recordvault/internal/platform/signing"
)

// Guard enforces an actor's permissions over an owner's records.
type Guard interface {
	Require(ctx context.Context, ownerDID, actorDID string, anyOf ...access.Permission) error
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, kind audit.Kind, actorDID, subjectDID string, detail map[string]string) (int64, error)
}

// Deps are the collaborators the bundle service coordinates.
type Deps struct {
	Repo     Repository
	Records  record.Repository
	Guard    Guard
	Tx       db.Transactor
	Audit    Auditor
	Codec    *hipaa.Codec
	Signer   signing.Identity
	Archive  archive.Archiver
	Anchorer ledger.Anchorer
}

type Options struct {
	// AnchorTimeout bounds the post-commit ledger call.
	AnchorTimeout time.Duration
	// Seal encrypts the whole envelope before archival.
	Seal bool
}

type Service struct {
	repo     Repository
	records  record.Repository
	agg      *Aggregator
	guard    Guard
	tx       db.Transactor
	audit    Auditor
	codec    *hipaa.Codec
	signer   signing.Identity
	archive  archive.Archiver
	anchorer ledger.Anchorer
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger

	locks *keyedMutex

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*artifact
}

func NewService(d Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.AnchorTimeout <= 0 {
		opts.AnchorTimeout = 5 * time.Second
	}
	return &Service{
		repo:     d.Repo,
		records:  d.Records,
		agg:      NewAggregator(d.Records),
		guard:    d.Guard,
		tx:       d.Tx,
		audit:    d.Audit,
		codec:    d.Codec,
		signer:   d.Signer,
		archive:  d.Archive,
		anchorer: d.Anchorer,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
		locks:    newKeyedMutex(),
		pending:  make(map[uuid.UUID]*artifact),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) readGuard(ctx context.Context, ownerDID, actorDID string) error {
	return s.guard.Require(ctx, ownerDID, actorDID, access.PermRead, access.PermViewEncounters)
}

// Latest returns the owner's newest bundle record.
func (s *Service) Latest(ctx context.Context, actorDID, ownerDID string) (*Bundle, error) {
	if err := s.readGuard(ctx, ownerDID, actorDID); err != nil {
		return nil, err
	}
	return s.repo.Latest(ctx, ownerDID)
}

// List returns the owner's bundle records, newest first.
func (s *Service) List(ctx context.Context, actorDID, ownerDID string, limit, offset int) ([]*Bundle, int, error) {
	if err := s.readGuard(ctx, ownerDID, actorDID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByOwner(ctx, ownerDID, limit, offset)
}

// Get returns one bundle record by version.
func (s *Service) Get(ctx context.Context, actorDID, ownerDID string, version int) (*Bundle, error) {
	if err := s.readGuard(ctx, ownerDID, actorDID); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, ownerDID, version)
}
