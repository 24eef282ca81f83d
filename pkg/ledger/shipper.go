package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/perimetra/perimetra/pkg/storage"
)

// Shipper copies closed file-backend partitions to a blob store for
// long-term retention. Partitions are immutable once closed, so a repeat
// ship of the same partition overwrites with identical bytes.
type Shipper struct {
	Backend *FileBackend
	Store   storage.BlobStore
	Prefix  string
}

// ShipClosed uploads every closed partition not yet present in the store.
// Returns the number of partitions uploaded.
func (s *Shipper) ShipClosed(ctx context.Context) (int, error) {
	closed, err := s.Backend.ClosedPartitions()
	if err != nil {
		return 0, err
	}
	if len(closed) == 0 {
		return 0, nil
	}

	existing, err := s.Store.List(ctx, s.Prefix)
	if err != nil {
		return 0, fmt.Errorf("list shipped partitions: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, key := range existing {
		have[key] = true
	}

	shipped := 0
	for _, part := range closed {
		key := s.Prefix + "/" + part
		if have[key] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Backend.Dir, part))
		if err != nil {
			return shipped, err
		}
		if err := s.Store.Put(ctx, key, data); err != nil {
			return shipped, fmt.Errorf("ship partition %s: %w", part, err)
		}
		slog.Info("Shipped ledger partition", "partition", part, "bytes", len(data))
		shipped++
	}
	return shipped, nil
}
