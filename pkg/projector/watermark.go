// Package projector incrementally syncs the audit ledger into the property
// graph. One projector instance owns one watermark per graph partition; the
// lease discipline makes a second concurrent instance fail fast instead of
// corrupting the watermark.
package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/perimetra/perimetra/pkg/ledger"
)

// ErrLeaseHeld is returned when another live holder owns the watermark.
var ErrLeaseHeld = errors.New("watermark lease held by another instance")

// Lease is a held claim on one partition's watermark.
type Lease struct {
	Partition string
	Holder    string
	Expires   time.Time
}

// WatermarkStore persists the per-partition watermark and its lease.
type WatermarkStore interface {
	// Acquire claims the partition for holder, failing with ErrLeaseHeld if
	// another holder's unexpired lease exists.
	Acquire(ctx context.Context, partition, holder string, ttl time.Duration) (*Lease, error)
	// Position returns the current watermark, Zero before the first advance.
	Position(ctx context.Context, partition string) (ledger.Seq, error)
	// Advance moves the watermark forward. Requires a live lease.
	Advance(ctx context.Context, lease *Lease, seq ledger.Seq) error
	// Release drops the lease. The watermark stays.
	Release(ctx context.Context, lease *Lease) error
}

// FileWatermarks is the local single-host implementation: one JSON state
// file and one lease file per partition.
type FileWatermarks struct {
	Dir string
}

func NewFileWatermarks(dir string) *FileWatermarks {
	return &FileWatermarks{Dir: dir}
}

type leaseFile struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

type markFile struct {
	Seq ledger.Seq `json:"seq"`
}

func (f *FileWatermarks) leasePath(partition string) string {
	return filepath.Join(f.Dir, partition+".lease.json")
}

func (f *FileWatermarks) markPath(partition string) string {
	return filepath.Join(f.Dir, partition+".watermark.json")
}

func (f *FileWatermarks) Acquire(ctx context.Context, partition, holder string, ttl time.Duration) (*Lease, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, err
	}
	path := f.leasePath(partition)

	// O_EXCL create is the conditional write: exactly one creator wins.
	// A stale file from an expired or same-holder lease is removed first.
	for attempt := 0; attempt < 2; attempt++ {
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			lease := &Lease{Partition: partition, Holder: holder, Expires: time.Now().Add(ttl)}
			enc := json.NewEncoder(fd)
			if err := enc.Encode(leaseFile{Holder: holder, Expires: lease.Expires}); err != nil {
				fd.Close()
				os.Remove(path)
				return nil, err
			}
			if err := fd.Close(); err != nil {
				os.Remove(path)
				return nil, err
			}
			return lease, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue // Raced a release; try the create again.
			}
			return nil, readErr
		}
		var existing leaseFile
		if jsonErr := json.Unmarshal(data, &existing); jsonErr == nil {
			if existing.Holder != holder && time.Now().Before(existing.Expires) {
				return nil, fmt.Errorf("%w: %s until %s", ErrLeaseHeld, existing.Holder, existing.Expires.Format(time.RFC3339))
			}
		}
		// Expired, ours, or corrupt: reclaim.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: could not reclaim lease for %s", ErrLeaseHeld, partition)
}

func (f *FileWatermarks) Position(ctx context.Context, partition string) (ledger.Seq, error) {
	data, err := os.ReadFile(f.markPath(partition))
	if os.IsNotExist(err) {
		return ledger.Zero, nil
	}
	if err != nil {
		return ledger.Zero, err
	}
	var mark markFile
	if err := json.Unmarshal(data, &mark); err != nil {
		return ledger.Zero, fmt.Errorf("corrupt watermark for %s: %w", partition, err)
	}
	return mark.Seq, nil
}

func (f *FileWatermarks) Advance(ctx context.Context, lease *Lease, seq ledger.Seq) error {
	if err := f.checkLease(lease); err != nil {
		return err
	}
	cur, err := f.Position(ctx, lease.Partition)
	if err != nil {
		return err
	}
	if seq.Less(cur) {
		return fmt.Errorf("watermark for %s would move backwards: %s -> %s", lease.Partition, cur, seq)
	}
	data, err := json.Marshal(markFile{Seq: seq})
	if err != nil {
		return err
	}
	// Write-then-rename so a crash never leaves a torn watermark.
	tmp := f.markPath(lease.Partition) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.markPath(lease.Partition))
}

func (f *FileWatermarks) Release(ctx context.Context, lease *Lease) error {
	if err := f.checkLease(lease); err != nil {
		return err
	}
	if err := os.Remove(f.leasePath(lease.Partition)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileWatermarks) checkLease(lease *Lease) error {
	data, err := os.ReadFile(f.leasePath(lease.Partition))
	if err != nil {
		return fmt.Errorf("lease lost for %s: %w", lease.Partition, err)
	}
	var existing leaseFile
	if err := json.Unmarshal(data, &existing); err != nil {
		return fmt.Errorf("lease corrupt for %s: %w", lease.Partition, err)
	}
	if existing.Holder != lease.Holder {
		return fmt.Errorf("%w: stolen by %s", ErrLeaseHeld, existing.Holder)
	}
	return nil
}
