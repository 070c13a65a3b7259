package record

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/domain/access"
	"github.com/ehr/recordvault/internal/platform/hipaa"
	"github.com/ehr/recordvault/pkg/apperr"
)

// Guard evaluates an actor's permissions over an owner's records.
type Guard interface {
	Check(ctx context.Context, ownerDID, actorDID string, required access.Permission) (bool, error)
	Require(ctx context.Context, ownerDID, actorDID string, anyOf ...access.Permission) error
}

// Service guards every read and write of the mutable store and keeps PHI
// fields encrypted at rest.
type Service struct {
	repo   Repository
	guard  Guard
	codec  *hipaa.Codec
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(repo Repository, guard Guard, codec *hipaa.Codec, logger zerolog.Logger) *Service {
	return &Service{repo: repo, guard: guard, codec: codec, now: time.Now, logger: logger}
}

// RegisterOwner records a new subject DID. Only the blind index of email is
// persisted.
func (s *Service) RegisterOwner(ctx context.Context, did, email string) (*Owner, error) {
	if !strings.HasPrefix(did, "did:") {
		return nil, apperr.Validation("record.RegisterOwner", "owner must be a DID")
	}
	o := &Owner{DID: did, CreatedAt: s.now().UTC()}
	if strings.TrimSpace(email) != "" {
		o.EmailIndex = s.codec.EmailIndex(email)
	}
	if err := s.repo.CreateOwner(ctx, o); err != nil {
		return nil, fmt.Errorf("register owner: %w", err)
	}
	s.logger.Info().Str("owner_did", did).Msg("owner registered")
	return o, nil
}

// FindOwnerByEmail looks an owner up by the blind index of email.
func (s *Service) FindOwnerByEmail(ctx context.Context, email string) (*Owner, error) {
	if strings.TrimSpace(email) == "" {
		return nil, apperr.Validation("record.FindOwnerByEmail", "email is required")
	}
	return s.repo.GetOwnerByEmailIndex(ctx, s.codec.EmailIndex(email))
}

// StartEncounter opens an active encounter for owner. The actor needs WRITE.
func (s *Service) StartEncounter(ctx context.Context, actorDID, ownerDID, reason string) (*Encounter, error) {
	if _, err := s.repo.GetOwner(ctx, ownerDID); err != nil {
		return nil, err
	}
	if err := s.guard.Require(ctx, ownerDID, actorDID, access.PermWrite); err != nil {
		return nil, err
	}

	e := &Encounter{
		OwnerDID:        ownerDID,
		PractitionerDID: actorDID,
		Status:          StatusActive,
		StartedAt:       s.now().UTC(),
	}
	if reason != "" {
		enc, err := s.codec.Encrypt(reason)
		if err != nil {
			return nil, fmt.Errorf("encrypt reason: %w", err)
		}
		e.Reason = enc
	}
	if err := s.repo.CreateEncounter(ctx, e); err != nil {
		return nil, fmt.Errorf("create encounter: %w", err)
	}

	s.logger.Info().Str("encounter_id", e.ID.String()).Str("owner_did", ownerDID).Msg("encounter started")
	e.Reason = reason
	return e, nil
}

// GetEncounter requires VIEW_ENCOUNTERS or READ.
func (s *Service) GetEncounter(ctx context.Context, actorDID string, id uuid.UUID) (*Encounter, error) {
	e, err := s.repo.GetEncounter(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Require(ctx, e.OwnerDID, actorDID, access.PermViewEncounters, access.PermRead); err != nil {
		return nil, err
	}
	return s.decryptEncounter(e)
}

// ListEncounters requires VIEW_ENCOUNTERS or READ on owner.
func (s *Service) ListEncounters(ctx context.Context, actorDID, ownerDID string) ([]*Encounter, error) {
	if err := s.guard.Require(ctx, ownerDID, actorDID, access.PermViewEncounters, access.PermRead); err != nil {
		return nil, err
	}
	list, err := s.repo.ListEncountersByOwner(ctx, ownerDID)
	if err != nil {
		return nil, err
	}
	out := make([]*Encounter, 0, len(list))
	for _, e := range list {
		d, err := s.decryptEncounter(e)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) decryptEncounter(e *Encounter) (*Encounter, error) {
	if e.Reason == "" {
		return e, nil
	}
	reason, err := s.codec.Decrypt(e.Reason)
	if err != nil {
		return nil, fmt.Errorf("encounter %s: %w", e.ID, err)
	}
	e.Reason = reason
	return e, nil
}

// writePermissions are the permissions needed to write a resource of type.
func writePermissions(resourceType string) []access.Permission {
	if resourceType == TypeMedicationRequest {
		return []access.Permission{access.PermWrite, access.PermPrescribe}
	}
	return []access.Permission{access.PermWrite}
}

func (s *Service) requireWrite(ctx context.Context, ownerDID, actorDID, resourceType string) error {
	// Each permission is required, not any one of them.
	for _, p := range writePermissions(resourceType) {
		if err := s.guard.Require(ctx, ownerDID, actorDID, p); err != nil {
			return err
		}
	}
	return nil
}

// parseBody decodes a FHIR resource and checks its resourceType.
func parseBody(raw json.RawMessage, wantType string) (map[string]interface{}, string, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, "", apperr.Validation("record.parseBody", "body must be a JSON object")
	}
	rt, _ := body["resourceType"].(string)
	if wantType != "" {
		if rt != "" && rt != wantType {
			return nil, "", apperr.Validation("record.parseBody", fmt.Sprintf("resourceType cannot change from %s", wantType))
		}
		rt = wantType
		body["resourceType"] = rt
	}
	if !attachableTypes[rt] {
		return nil, "", apperr.Validation("record.parseBody", fmt.Sprintf("unsupported resourceType %q", rt))
	}
	return body, rt, nil
}

// seal encrypts body's PHI fields and returns both the plaintext and the
// at-rest encoding.
func (s *Service) seal(resourceType string, body map[string]interface{}) (plain, stored json.RawMessage, err error) {
	plain, err = json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encode resource: %w", err)
	}
	if err := s.codec.EncryptResource(resourceType, body); err != nil {
		return nil, nil, fmt.Errorf("encrypt resource: %w", err)
	}
	stored, err = json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("encode resource: %w", err)
	}
	return plain, stored, nil
}

// AddResource attaches a clinical resource to an active encounter. The actor
// needs WRITE, and PRESCRIBE as well for a MedicationRequest.
func (s *Service) AddResource(ctx context.Context, actorDID string, encounterID uuid.UUID, raw json.RawMessage) (*Resource, error) {
	body, rt, err := parseBody(raw, "")
	if err != nil {
		return nil, err
	}
	e, err := s.repo.GetEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWrite(ctx, e.OwnerDID, actorDID, rt); err != nil {
		return nil, err
	}

	rid, _ := body["id"].(string)
	if rid == "" {
		rid = uuid.New().String()
		body["id"] = rid
	}
	plain, stored, err := s.seal(rt, body)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &Resource{
		ResourceType: rt,
		ResourceID:   rid,
		OwnerDID:     e.OwnerDID,
		EncounterID:  encounterID,
		Body:         stored,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.AddResource(ctx, r); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}

	s.logger.Debug().Str("encounter_id", encounterID.String()).Str("resource_type", rt).Int64("seq", r.Seq).Msg("resource added")
	r.Body = plain
	return r, nil
}

// UpdateResource replaces the body of a resource while its encounter is
// active. Type and id are fixed at creation.
func (s *Service) UpdateResource(ctx context.Context, actorDID string, encounterID, id uuid.UUID, raw json.RawMessage) (*Resource, error) {
	cur, err := s.repo.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.EncounterID != encounterID {
		return nil, apperr.NotFound("record.UpdateResource", "resource not found")
	}
	body, rt, err := parseBody(raw, cur.ResourceType)
	if err != nil {
		return nil, err
	}
	if err := s.requireWrite(ctx, cur.OwnerDID, actorDID, rt); err != nil {
		return nil, err
	}

	body["id"] = cur.ResourceID
	plain, stored, err := s.seal(rt, body)
	if err != nil {
		return nil, err
	}
	cur.Body = stored
	cur.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateResource(ctx, cur); err != nil {
		return nil, fmt.Errorf("update resource: %w", err)
	}
	cur.Body = plain
	return cur, nil
}

// ListResources returns the encounter's resources that actor may see:
// Observations need VIEW_OBSERVATIONS or READ, MedicationRequests need
// VIEW_PRESCRIPTIONS or READ, everything else needs READ.
func (s *Service) ListResources(ctx context.Context, actorDID string, encounterID uuid.UUID) ([]*Resource, error) {
	e, err := s.repo.GetEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	granted := map[access.Permission]bool{}
	for _, p := range []access.Permission{access.PermRead, access.PermViewObservations, access.PermViewPrescriptions} {
		ok, err := s.guard.Check(ctx, e.OwnerDID, actorDID, p)
		if err != nil {
			return nil, err
		}
		granted[p] = ok
	}
	if !granted[access.PermRead] && !granted[access.PermViewObservations] && !granted[access.PermViewPrescriptions] {
		return nil, apperr.PermissionDenied("record.ListResources", "no read access to "+e.OwnerDID)
	}

	all, err := s.repo.ListResourcesByEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	out := make([]*Resource, 0, len(all))
	for _, r := range all {
		if !visible(r.ResourceType, granted) {
			continue
		}
		if err := s.open(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func visible(resourceType string, granted map[access.Permission]bool) bool {
	if granted[access.PermRead] {
		return true
	}
	switch resourceType {
	case TypeObservation:
		return granted[access.PermViewObservations]
	case TypeMedicationRequest:
		return granted[access.PermViewPrescriptions]
	}
	return false
}

// open replaces r.Body with its decrypted form.
func (s *Service) open(r *Resource) error {
	var body map[string]interface{}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "record.open", err)
	}
	if err := s.codec.DecryptResource(r.ResourceType, body); err != nil {
		return fmt.Errorf("resource %s/%s: %w", r.ResourceType, r.ResourceID, err)
	}
	plain, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode resource: %w", err)
	}
	r.Body = plain
	return nil
}
