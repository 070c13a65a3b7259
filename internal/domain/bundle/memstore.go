package bundle

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/pkg/apperr"
)

// MemStore is an in-memory Repository.
type MemStore struct {
	mu       sync.RWMutex
	versions map[string]int
	bundles  map[string][]*Bundle
}

func NewMemStore() *MemStore {
	return &MemStore{versions: make(map[string]int), bundles: make(map[string][]*Bundle)}
}

func (m *MemStore) NextVersion(ctx context.Context, ownerDID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.versions[ownerDID]
	m.versions[ownerDID] = prev + 1
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.versions[ownerDID] = prev
	})
	return prev + 1, nil
}

func (m *MemStore) Create(ctx context.Context, b *Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.bundles[b.OwnerDID] {
		if existing.Version == b.Version {
			return apperr.Newf(apperr.KindInvalidState, "bundle.Create", "version %d already exists", b.Version)
		}
	}
	b.ID = uuid.New()
	c := *b
	m.bundles[b.OwnerDID] = append(m.bundles[b.OwnerDID], &c)

	owner, id := b.OwnerDID, b.ID
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.bundles[owner]
		for i, x := range list {
			if x.ID == id {
				m.bundles[owner] = append(list[:i], list[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MemStore) SetAnchor(ctx context.Context, id uuid.UUID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.bundles {
		for _, b := range list {
			if b.ID == id {
				prev := b.AnchorTxRef
				b.AnchorTxRef = txRef
				db.OnRollback(ctx, func() {
					m.mu.Lock()
					defer m.mu.Unlock()
					b.AnchorTxRef = prev
				})
				return nil
			}
		}
	}
	return apperr.NotFound("bundle.SetAnchor", "bundle not found")
}

func (m *MemStore) Get(_ context.Context, ownerDID string, version int) (*Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bundles[ownerDID] {
		if b.Version == version {
			c := *b
			return &c, nil
		}
	}
	return nil, apperr.NotFound("bundle.Get", "bundle not found")
}

func (m *MemStore) Latest(_ context.Context, ownerDID string) (*Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Bundle
	for _, b := range m.bundles[ownerDID] {
		if latest == nil || b.Version > latest.Version {
			latest = b
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("bundle.Latest", "owner has no bundles")
	}
	c := *latest
	return &c, nil
}

// ListByOwner returns bundles newest first.
func (m *MemStore) ListByOwner(_ context.Context, ownerDID string, limit, offset int) ([]*Bundle, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.bundles[ownerDID]
	total := len(list)
	var out []*Bundle
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		c := *list[i]
		out = append(out, &c)
	}
	return out, total, nil
}
