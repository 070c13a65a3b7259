package audit

import (
	"context"
	"sync"

	"github.com/ehr/recordvault/internal/platform/db"
)

// MemStore is an in-memory Repository.
type MemStore struct {
	mu          sync.RWMutex
	entries     []*Entry
	checkpoints []*Checkpoint
	failAppend  error
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

// FailAppends makes every later Append return err until called with nil.
func (m *MemStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = err
}

func copyEntry(e *Entry) *Entry {
	c := *e
	if e.Detail != nil {
		c.Detail = make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}

func (m *MemStore) Append(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}

	prev := GenesisHash
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].Hash
	}
	seal(e, int64(len(m.entries))+1, prev)
	m.entries = append(m.entries, copyEntry(e))

	seq := e.Seq
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if n := len(m.entries); n > 0 && m.entries[n-1].Seq == seq {
			m.entries = m.entries[:n-1]
		}
	})
	return nil
}

func (m *MemStore) List(_ context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fromSeq < 1 {
		fromSeq = 1
	}
	var out []*Entry
	for i := fromSeq - 1; i < int64(len(m.entries)) && len(out) < limit; i++ {
		out = append(out, copyEntry(m.entries[i]))
	}
	return out, nil
}

func (m *MemStore) ListBySubject(_ context.Context, subjectDID string, limit, offset int) ([]*Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*Entry
	for _, e := range m.entries {
		if e.SubjectDID == subjectDID {
			matched = append(matched, e)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Entry, 0, end-offset)
	for _, e := range matched[offset:end] {
		out = append(out, copyEntry(e))
	}
	return out, total, nil
}

func (m *MemStore) LastSeq(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

func (m *MemStore) LastCheckpoint(context.Context) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := len(m.checkpoints); n > 0 {
		cp := *m.checkpoints[n-1]
		return &cp, nil
	}
	return nil, nil
}

func (m *MemStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tip int64
	if n := len(m.checkpoints); n > 0 {
		tip = m.checkpoints[n-1].ToSeq
	}
	if cp.FromSeq != tip+1 {
		return checkpointGap(cp, tip)
	}
	cp.ID = int64(len(m.checkpoints)) + 1
	c := *cp
	m.checkpoints = append(m.checkpoints, &c)

	id := cp.ID
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if n := len(m.checkpoints); n > 0 && m.checkpoints[n-1].ID == id {
			m.checkpoints = m.checkpoints[:n-1]
		}
	})
	return nil
}

func (m *MemStore) ListCheckpoints(context.Context) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}
