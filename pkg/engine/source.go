package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/perimetra/perimetra/pkg/fact"
)

// ErrNotObserved reports a partition the source has no data for this cycle.
// Not an error condition: the partition simply keeps its previous state and
// is never closed against an absent batch.
var ErrNotObserved = errors.New("partition not observed")

// Source hands the engine one full observation per partition. A partition
// is one vertex or edge discriminator; returning ErrNotObserved skips it.
type Source interface {
	Name() string
	Vertices(ctx context.Context, kind fact.VertexKind) ([]fact.VertexRecord, []fact.RecordError, error)
	Edges(ctx context.Context, kind fact.EdgeKind) ([]fact.EdgeRecord, []fact.RecordError, error)
}

// DirSource reads collector drops from a directory: one JSONL file per
// partition, named <kind>.vertices.jsonl or <kind>.edges.jsonl.
type DirSource struct {
	Dir string
}

func (s *DirSource) Name() string { return "dir:" + s.Dir }

func (s *DirSource) Vertices(ctx context.Context, kind fact.VertexKind) ([]fact.VertexRecord, []fact.RecordError, error) {
	f, err := os.Open(filepath.Join(s.Dir, string(kind)+".vertices.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil, ErrNotObserved
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s batch: %w", kind, err)
	}
	defer f.Close()
	recs, errs := fact.DecodeVertexBatch(f)
	return recs, errs, nil
}

func (s *DirSource) Edges(ctx context.Context, kind fact.EdgeKind) ([]fact.EdgeRecord, []fact.RecordError, error) {
	f, err := os.Open(filepath.Join(s.Dir, string(kind)+".edges.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil, ErrNotObserved
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s batch: %w", kind, err)
	}
	defer f.Close()
	recs, errs := fact.DecodeEdgeBatch(f)
	return recs, errs, nil
}
