package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/pkg/apperr"
)

// OwnerDirectory answers whether an owner identity is known.
type OwnerDirectory interface {
	OwnerExists(ctx context.Context, did string) (bool, error)
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, kind audit.Kind, actorDID, subjectDID string, detail map[string]string) (int64, error)
}

type Service struct {
	repo   Repository
	owners OwnerDirectory
	tx     db.Transactor
	audit  Auditor
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(repo Repository, owners OwnerDirectory, tx db.Transactor, auditor Auditor, logger zerolog.Logger) *Service {
	return &Service{repo: repo, owners: owners, tx: tx, audit: auditor, now: time.Now, logger: logger}
}

// WithClock replaces the time source used for createdAt and expiry checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) requireOwner(ctx context.Context, op, ownerDID string) error {
	ok, err := s.owners.OwnerExists(ctx, ownerDID)
	if err != nil {
		return fmt.Errorf("lookup owner: %w", err)
	}
	if !ok {
		return apperr.NotFound(op, "owner not found")
	}
	return nil
}

// Grant replaces the permission set for (owner, grantee) and activates it.
// The change and its GRANTED audit entry commit together.
func (s *Service) Grant(ctx context.Context, ownerDID, granteeDID string, perms []Permission, expiresAt *time.Time) (uuid.UUID, error) {
	if strings.TrimSpace(granteeDID) == "" {
		return uuid.Nil, apperr.Validation("access.Grant", "grantee is required")
	}
	set, err := normalizePermissions(perms)
	if err != nil {
		return uuid.Nil, apperr.Validation("access.Grant", err.Error())
	}
	if err := s.requireOwner(ctx, "access.Grant", ownerDID); err != nil {
		return uuid.Nil, err
	}

	g := &Grant{
		OwnerDID:    ownerDID,
		GranteeDID:  granteeDID,
		Permissions: set,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if expiresAt != nil {
		exp := expiresAt.UTC()
		g.ExpiresAt = &exp
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Upsert(ctx, g); err != nil {
			return err
		}
		detail := map[string]string{
			"grant_id":    g.ID.String(),
			"grantee_did": granteeDID,
			"permissions": joinPermissions(set),
		}
		if g.ExpiresAt != nil {
			detail["expires_at"] = g.ExpiresAt.Format(time.RFC3339)
		}
		_, err := s.audit.Append(ctx, audit.KindGranted, ownerDID, ownerDID, detail)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("grant: %w", err)
	}

	s.logger.Info().
		Str("owner_did", ownerDID).
		Str("grantee_did", granteeDID).
		Str("permissions", joinPermissions(set)).
		Msg("permission granted")
	return g.ID, nil
}

// Revoke deactivates the pair's grant and keeps the row. Revoking a pair
// with no active grant succeeds without an audit entry.
func (s *Service) Revoke(ctx context.Context, ownerDID, granteeDID string) error {
	if err := s.requireOwner(ctx, "access.Revoke", ownerDID); err != nil {
		return err
	}

	var changed bool
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		changed, err = s.repo.Deactivate(ctx, ownerDID, granteeDID)
		if err != nil || !changed {
			return err
		}
		_, err = s.audit.Append(ctx, audit.KindRevoked, ownerDID, ownerDID, map[string]string{
			"grantee_did": granteeDID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	if changed {
		s.logger.Info().Str("owner_did", ownerDID).Str("grantee_did", granteeDID).Msg("permission revoked")
	}
	return nil
}

// Check reports whether grantee currently holds required over owner's
// records. A missing grant is a false result, not an error.
func (s *Service) Check(ctx context.Context, ownerDID, granteeDID string, required Permission) (bool, error) {
	if ownerDID == granteeDID {
		return true, nil
	}
	g, err := s.repo.Get(ctx, ownerDID, granteeDID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return false, nil
		}
		return false, fmt.Errorf("check: %w", err)
	}
	return g.EffectiveAt(s.now()) && g.Has(required), nil
}

// Require returns a PermissionDenied error unless actor holds at least one
// of anyOf over owner's records.
func (s *Service) Require(ctx context.Context, ownerDID, actorDID string, anyOf ...Permission) error {
	for _, p := range anyOf {
		ok, err := s.Check(ctx, ownerDID, actorDID, p)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return apperr.PermissionDenied("access.Require",
		fmt.Sprintf("%s lacks %s on %s", actorDID, joinPermissions(anyOf), ownerDID))
}

// ListActive returns the grantees whose grants are in force, excluding the
// owner.
func (s *Service) ListActive(ctx context.Context, ownerDID string) ([]string, error) {
	grants, err := s.repo.ListByOwner(ctx, ownerDID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	now := s.now()
	out := []string{}
	for _, g := range grants {
		if g.GranteeDID != ownerDID && g.EffectiveAt(now) {
			out = append(out, g.GranteeDID)
		}
	}
	return out, nil
}

// List returns every grant of owner, revoked and expired ones included.
// Revoked grants are retained indefinitely.
func (s *Service) List(ctx context.Context, ownerDID string) ([]*Grant, error) {
	return s.repo.ListByOwner(ctx, ownerDID)
}
