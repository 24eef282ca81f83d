package ledger

import (
	"context"
	"sync"

	"github.com/tidwall/btree"
)

// MemoryBackend keeps change records in an ordered in-memory tree.
// Used by tests and mock cycles.
type MemoryBackend struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[ChangeRecord]
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tree: btree.NewBTreeG(func(a, b ChangeRecord) bool {
			return a.Seq.Less(b.Seq)
		}),
	}
}

func (b *MemoryBackend) Append(ctx context.Context, recs []ChangeRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range recs {
		b.tree.Set(rec)
	}
	return nil
}

func (b *MemoryBackend) Scan(ctx context.Context, after Seq, limit int, fn func(ChangeRecord) error) error {
	b.mu.RLock()
	// Copy out under the lock so the callback cannot deadlock the backend.
	var out []ChangeRecord
	b.tree.Ascend(ChangeRecord{Seq: after}, func(rec ChangeRecord) bool {
		if !after.Less(rec.Seq) {
			return true
		}
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	b.mu.RUnlock()

	for _, rec := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Last(ctx context.Context) (Seq, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.tree.Max()
	if !ok {
		return Zero, nil
	}
	return rec.Seq, nil
}

// Len returns the number of records held. Test helper.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}
