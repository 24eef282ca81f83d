package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/fact"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// ExportOptions selects what Export emits.
type ExportOptions struct {
	// IncludeClosed emits records whose current validity interval is
	// closed as well.
	IncludeClosed bool
	// Derived includes derived edges; physical facts are always included.
	Derived bool
	// Format is FormatJSONL (default) or FormatCSV. CSV flattens the
	// attribute bags away and keeps only the identity columns.
	Format string
}

type exportVertex struct {
	fact.VertexRecord
	Intervals []fact.Interval `json:"intervals"`
}

type exportEdge struct {
	fact.EdgeRecord
	Intervals []fact.Interval `json:"intervals"`
}

// Export streams current state: every vertex, then every edge, in key
// order. JSONL output round-trips through ingest, save the validity
// intervals, which are informational.
func (e *Engine) Export(ctx context.Context, w io.Writer, opts ExportOptions) error {
	switch opts.Format {
	case "", FormatJSONL:
	case FormatCSV:
		return e.exportCSV(ctx, w, opts)
	default:
		return fmt.Errorf("unknown export format %q", opts.Format)
	}
	enc := json.NewEncoder(w)

	err := e.Store.ScanVertices(ctx, "", func(v delta.StoredVertex) error {
		if !opts.IncludeClosed && !v.Active() {
			return nil
		}
		return enc.Encode(exportVertex{VertexRecord: v.Record, Intervals: v.Intervals})
	})
	if err != nil {
		return err
	}

	return e.Store.ScanEdges(ctx, "", func(ed delta.StoredEdge) error {
		if !opts.IncludeClosed && !ed.Active() {
			return nil
		}
		if !opts.Derived && ed.Record.Class == fact.Derived {
			return nil
		}
		return enc.Encode(exportEdge{EdgeRecord: ed.Record, Intervals: ed.Intervals})
	})
}

func (e *Engine) exportCSV(ctx context.Context, w io.Writer, opts ExportOptions) error {
	cw := csv.NewWriter(w)
	header := []string{"record", "kind", "key", "displayName", "source", "target", "qualifier", "class", "severity", "active"}
	if err := cw.Write(header); err != nil {
		return err
	}

	err := e.Store.ScanVertices(ctx, "", func(v delta.StoredVertex) error {
		if !opts.IncludeClosed && !v.Active() {
			return nil
		}
		row := []string{
			"vertex", string(v.Record.Kind), v.Record.Key(), v.Record.DisplayName,
			"", "", "", "", "", strconv.FormatBool(v.Active()),
		}
		return cw.Write(row)
	})
	if err != nil {
		return err
	}

	err = e.Store.ScanEdges(ctx, "", func(ed delta.StoredEdge) error {
		if !opts.IncludeClosed && !ed.Active() {
			return nil
		}
		if !opts.Derived && ed.Record.Class == fact.Derived {
			return nil
		}
		severity := ""
		if ed.Record.Derived != nil {
			severity = ed.Record.Derived.Severity.String()
		}
		row := []string{
			"edge", string(ed.Record.Kind), ed.Record.Key(), "",
			ed.Record.Source, ed.Record.Target, ed.Record.Qualifier,
			string(ed.Record.Class), severity, strconv.FormatBool(ed.Active()),
		}
		return cw.Write(row)
	})
	if err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}
