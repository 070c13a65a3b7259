package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/recordvault/pkg/apperr"
)

// Memory is an in-process anchor chain.
type Memory struct {
	mu     sync.Mutex
	blocks []Block
	byRef  map[string]int
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{byRef: make(map[string]int), now: time.Now}
}

func (m *Memory) Anchor(ctx context.Context, hash []byte, meta map[string]string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, apperr.Wrap(apperr.KindUnavailable, "ledger.Anchor", err)
	}
	if err := validatePayload(hash); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *Block
	if n := len(m.blocks); n > 0 {
		prev = &m.blocks[n-1]
	}
	b := nextBlock(prev, hash, meta, m.now())
	m.blocks = append(m.blocks, b)
	m.byRef[b.Hash] = len(m.blocks) - 1
	return b.receipt(), nil
}

func (m *Memory) Confirm(ctx context.Context, txRef string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byRef[txRef]
	if !ok {
		return Receipt{}, apperr.Newf(apperr.KindNotFound, "ledger.Confirm", "unknown tx %s", txRef)
	}
	return m.blocks[i].receipt(), nil
}

// Blocks returns a copy of the chain.
func (m *Memory) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Block(nil), m.blocks...)
}

// VerifyChain re-checks every link.
func (m *Memory) VerifyChain(ctx context.Context) error {
	blocks := m.Blocks()
	var prev *Block
	for i := range blocks {
		if err := verifyLink(prev, blocks[i]); err != nil {
			return err
		}
		prev = &blocks[i]
	}
	return nil
}
