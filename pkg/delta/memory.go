package delta

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

type kvItem struct {
	key string
	val []byte
}

// MemoryKV is an ordered in-memory KV for tests and mock cycles. Iteration
// order matches the durable backend (key order).
type MemoryKV struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[kvItem]
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		tree: btree.NewBTreeG(func(a, b kvItem) bool { return a.key < b.key }),
	}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.tree.Get(kvItem{key: key})
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(item.val))
	copy(out, item.val)
	return out, true, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, val []byte) error {
	cp := make([]byte, len(val))
	copy(cp, val)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Set(kvItem{key: key, val: cp})
	return nil
}

func (m *MemoryKV) ScanPrefix(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	m.mu.RLock()
	var items []kvItem
	m.tree.Ascend(kvItem{key: prefix}, func(item kvItem) bool {
		if !strings.HasPrefix(item.key, prefix) {
			return false
		}
		items = append(items, item)
		return true
	})
	m.mu.RUnlock()

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(item.key, item.val); err != nil {
			return err
		}
	}
	return nil
}
