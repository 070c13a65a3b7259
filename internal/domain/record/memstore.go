package record

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/pkg/apperr"
)

// MemStore is an in-memory Repository.
type MemStore struct {
	mu         sync.RWMutex
	owners     map[string]*Owner
	emailIndex map[string]string
	encounters map[uuid.UUID]*Encounter
	resources  map[uuid.UUID]*Resource
	typeIDs    map[string]uuid.UUID
	seq        int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		owners:     make(map[string]*Owner),
		emailIndex: make(map[string]string),
		encounters: make(map[uuid.UUID]*Encounter),
		resources:  make(map[uuid.UUID]*Resource),
		typeIDs:    make(map[string]uuid.UUID),
	}
}

func (m *MemStore) CreateOwner(_ context.Context, o *Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[o.DID]; ok {
		return apperr.Validation("record.CreateOwner", "owner already registered")
	}
	if o.EmailIndex != "" {
		if _, ok := m.emailIndex[o.EmailIndex]; ok {
			return apperr.Validation("record.CreateOwner", "email already registered")
		}
		m.emailIndex[o.EmailIndex] = o.DID
	}
	c := *o
	m.owners[o.DID] = &c
	return nil
}

func (m *MemStore) GetOwner(_ context.Context, did string) (*Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.owners[did]
	if !ok {
		return nil, apperr.NotFound("record.GetOwner", "owner not found")
	}
	c := *o
	return &c, nil
}

func (m *MemStore) OwnerExists(_ context.Context, did string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owners[did]
	return ok, nil
}

func (m *MemStore) GetOwnerByEmailIndex(ctx context.Context, index string) (*Owner, error) {
	m.mu.RLock()
	did, ok := m.emailIndex[index]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("record.GetOwnerByEmailIndex", "owner not found")
	}
	return m.GetOwner(ctx, did)
}

func (m *MemStore) CreateEncounter(_ context.Context, e *Encounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	m.encounters[e.ID] = copyEncounter(e)
	return nil
}

func (m *MemStore) GetEncounter(_ context.Context, id uuid.UUID) (*Encounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.encounters[id]
	if !ok {
		return nil, apperr.NotFound("record.GetEncounter", "encounter not found")
	}
	return copyEncounter(e), nil
}

func (m *MemStore) ListEncountersByOwner(_ context.Context, ownerDID string) ([]*Encounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Encounter
	for _, e := range m.encounters {
		if e.OwnerDID == ownerDID {
			out = append(out, copyEncounter(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) MarkFinalized(ctx context.Context, id uuid.UUID, bundleVersion int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.encounters[id]
	if !ok {
		return apperr.NotFound("record.MarkFinalized", "encounter not found")
	}
	if e.Status != StatusActive {
		return apperr.InvalidState("record.MarkFinalized", "encounter already finalized")
	}
	prev := copyEncounter(e)
	e.Status = StatusFinalized
	e.BundleVersion = bundleVersion
	e.FinalizedAt = &at

	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.encounters[id] = prev
	})
	return nil
}

// activeEncounter must be called with m.mu held.
func (m *MemStore) activeEncounter(op string, id uuid.UUID) (*Encounter, error) {
	e, ok := m.encounters[id]
	if !ok {
		return nil, apperr.NotFound(op, "encounter not found")
	}
	if e.Status != StatusActive {
		return nil, apperr.InvalidState(op, "encounter is finalized")
	}
	return e, nil
}

func (m *MemStore) AddResource(_ context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.activeEncounter("record.AddResource", r.EncounterID); err != nil {
		return err
	}
	key := r.ResourceType + "/" + r.ResourceID
	if _, ok := m.typeIDs[key]; ok {
		return apperr.Validation("record.AddResource", "resource id already exists for "+r.ResourceType)
	}
	m.seq++
	r.ID = uuid.New()
	r.Seq = m.seq
	m.resources[r.ID] = copyResource(r)
	m.typeIDs[key] = r.ID
	return nil
}

func (m *MemStore) UpdateResource(_ context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.resources[r.ID]
	if !ok || cur.EncounterID != r.EncounterID {
		return apperr.NotFound("record.UpdateResource", "resource not found")
	}
	if _, err := m.activeEncounter("record.UpdateResource", cur.EncounterID); err != nil {
		return err
	}
	cur.Body = append(json.RawMessage(nil), r.Body...)
	cur.UpdatedAt = r.UpdatedAt
	*r = *copyResource(cur)
	return nil
}

func (m *MemStore) GetResource(_ context.Context, id uuid.UUID) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, apperr.NotFound("record.GetResource", "resource not found")
	}
	return copyResource(r), nil
}

func (m *MemStore) ListResourcesByEncounter(_ context.Context, encounterID uuid.UUID) ([]*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Resource
	for _, r := range m.resources {
		if r.EncounterID == encounterID {
			out = append(out, copyResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
