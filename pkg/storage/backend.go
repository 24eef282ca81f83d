// Package storage abstracts blob persistence for snapshot artifacts and
// shipped ledger partitions.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound reports an absent key on Get.
var ErrNotFound = errors.New("blob not found")

// BlobStore defines the interface for abstract storage backends.
// Put must replace the key atomically: readers see either the previous
// content or the new one, never a partial write.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
