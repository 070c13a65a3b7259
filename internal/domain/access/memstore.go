package access

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/pkg/apperr"
)

type pairKey struct{ owner, grantee string }

// MemStore is an in-memory Repository.
type MemStore struct {
	mu     sync.RWMutex
	grants map[pairKey]*Grant
}

func NewMemStore() *MemStore {
	return &MemStore{grants: make(map[pairKey]*Grant)}
}

func copyGrant(g *Grant) *Grant {
	c := *g
	c.Permissions = append([]Permission(nil), g.Permissions...)
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (m *MemStore) Upsert(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{g.OwnerDID, g.GranteeDID}
	prev, existed := m.grants[key]
	if existed {
		g.ID = prev.ID
	} else {
		g.ID = uuid.New()
	}
	m.grants[key] = copyGrant(g)

	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existed {
			m.grants[key] = prev
		} else {
			delete(m.grants, key)
		}
	})
	return nil
}

func (m *MemStore) Get(_ context.Context, ownerDID, granteeDID string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[pairKey{ownerDID, granteeDID}]
	if !ok {
		return nil, apperr.NotFound("access.Get", "grant not found")
	}
	return copyGrant(g), nil
}

func (m *MemStore) Deactivate(ctx context.Context, ownerDID, granteeDID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[pairKey{ownerDID, granteeDID}]
	if !ok || !g.Active {
		return false, nil
	}
	g.Active = false
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		g.Active = true
	})
	return true, nil
}

func (m *MemStore) ListByOwner(_ context.Context, ownerDID string) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Grant
	for k, g := range m.grants {
		if k.owner == ownerDID {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GranteeDID < out[j].GranteeDID })
	return out, nil
}
