package projector

import (
	"context"
	"sync"
	"time"

	"github.com/perimetra/perimetra/pkg/ledger"
)

// MemoryWatermarks keeps watermarks and leases in process memory. Mock mode
// and tests only; the lease discipline is the same as the durable stores.
type MemoryWatermarks struct {
	mu     sync.Mutex
	leases map[string]leaseFile
	marks  map[string]ledger.Seq
}

func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{
		leases: make(map[string]leaseFile),
		marks:  make(map[string]ledger.Seq),
	}
}

func (m *MemoryWatermarks) Acquire(ctx context.Context, partition, holder string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[partition]; ok && cur.Holder != holder && time.Now().Before(cur.Expires) {
		return nil, ErrLeaseHeld
	}
	lease := &Lease{Partition: partition, Holder: holder, Expires: time.Now().Add(ttl)}
	m.leases[partition] = leaseFile{Holder: holder, Expires: lease.Expires}
	return lease, nil
}

func (m *MemoryWatermarks) Position(ctx context.Context, partition string) (ledger.Seq, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[partition], nil
}

func (m *MemoryWatermarks) Advance(ctx context.Context, lease *Lease, seq ledger.Seq) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[lease.Partition]
	if !ok || cur.Holder != lease.Holder || time.Now().After(cur.Expires) {
		return ErrLeaseHeld
	}
	if seq.Less(m.marks[lease.Partition]) {
		return nil
	}
	m.marks[lease.Partition] = seq
	return nil
}

func (m *MemoryWatermarks) Release(ctx context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[lease.Partition]; ok && cur.Holder == lease.Holder {
		delete(m.leases, lease.Partition)
	}
	return nil
}
