// Package snapshot materializes the standing traversal library into
// versioned artifacts: one JSON result and one Mermaid diagram per template,
// tied together by a manifest. Artifacts are written before the manifest, so
// a manifest never names a blob that does not exist.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra/pkg/graph"
	"github.com/perimetra/perimetra/pkg/ledger"
	"github.com/perimetra/perimetra/pkg/storage"
	"github.com/perimetra/perimetra/pkg/traverse"
)

// Entry is one template's artifacts within a snapshot.
type Entry struct {
	Template   string `json:"template"`
	Paths      int    `json:"paths"`
	Truncated  bool   `json:"truncated"`
	ResultKey  string `json:"resultKey"`
	DiagramKey string `json:"diagramKey"`
}

// Manifest describes one completed snapshot.
type Manifest struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	CycleID   string     `json:"cycleId,omitempty"`
	Watermark ledger.Seq `json:"watermark"`
	Entries   []Entry    `json:"entries"`
}

// Writer runs the template library and persists the artifacts.
type Writer struct {
	Store  storage.BlobStore
	Prefix string
	Now    func() time.Time
}

// New returns a Writer over the given blob store.
func New(store storage.BlobStore, prefix string) *Writer {
	return &Writer{Store: store, Prefix: prefix, Now: time.Now}
}

// Write executes every template against the projected graph and persists
// one snapshot. The latest-manifest is replaced last, after every artifact
// and the per-snapshot manifest landed.
func (w *Writer) Write(ctx context.Context, g *graph.Graph, templates []traverse.Template, watermark ledger.Seq, cycleID string) (*Manifest, error) {
	m := &Manifest{
		ID:        uuid.NewString(),
		CreatedAt: w.Now().UTC(),
		CycleID:   cycleID,
		Watermark: watermark,
	}

	for _, t := range templates {
		res, err := traverse.Run(ctx, g, t)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.Name, err)
		}
		if res.Truncated {
			slog.Warn("Traversal truncated in snapshot",
				"template", t.Name, "paths", res.Count, "visited", res.NodesVisited)
		}

		entry := Entry{
			Template:   t.Name,
			Paths:      res.Count,
			Truncated:  res.Truncated,
			ResultKey:  path.Join(w.Prefix, m.ID, t.Name+".json"),
			DiagramKey: path.Join(w.Prefix, m.ID, t.Name+".mmd"),
		}

		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := w.Store.Put(ctx, entry.ResultKey, data); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.ResultKey, err)
		}
		if err := w.Store.Put(ctx, entry.DiagramKey, []byte(Mermaid(res))); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.DiagramKey, err)
		}
		m.Entries = append(m.Entries, entry)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := w.Store.Put(ctx, path.Join(w.Prefix, m.ID, "manifest.json"), data); err != nil {
		return nil, err
	}
	// Pointer swap: the latest manifest goes last.
	if err := w.Store.Put(ctx, path.Join(w.Prefix, "latest.json"), data); err != nil {
		return nil, err
	}
	return m, nil
}

// Latest reads the most recent manifest, nil when no snapshot exists yet.
func (w *Writer) Latest(ctx context.Context) (*Manifest, error) {
	data, err := w.Store.Get(ctx, path.Join(w.Prefix, "latest.json"))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest: %w", err)
	}
	return &m, nil
}
