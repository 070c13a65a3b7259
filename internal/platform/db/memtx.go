package db

import (
	"context"
	"sync"
)

type memTxKey struct{}

type memTx struct {
	undo []func()
}

// MemTransactor gives in-memory stores all-or-nothing semantics. Units of
// work are serialized; stores register compensations through OnRollback and
// they run in reverse order if fn fails.
type MemTransactor struct {
	mu sync.Mutex
}

func NewMemTransactor() *MemTransactor {
	return &MemTransactor{}
}

func (t *MemTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{}
	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	return err
}

// OnRollback registers undo to run if the enclosing in-memory unit of work
// fails. Outside a unit of work it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}
