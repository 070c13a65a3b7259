package archive

import (
	"context"
	"sync"

	"github.com/ehr/recordvault/pkg/apperr"
)

// Memory is an in-process Archiver for tests and development.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	puts  int
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", archivalError("archive.Put", err)
	}
	addr := ContentAddress(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if _, ok := m.blobs[addr]; !ok {
		m.blobs[addr] = append([]byte(nil), data...)
	}
	return addr, nil
}

func (m *Memory) Get(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, archivalError("archive.Get", err)
	}
	m.mu.RLock()
	data, ok := m.blobs[address]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "archive.Get", "no blob at %s", address)
	}
	out := append([]byte(nil), data...)
	if err := verifyAddress(address, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Puts reports how many Put calls were made, including duplicates.
func (m *Memory) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Len reports how many distinct blobs are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Corrupt overwrites the blob at address, bypassing addressing. Tests use it
// to simulate storage corruption.
func (m *Memory) Corrupt(address string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[address] = data
}
