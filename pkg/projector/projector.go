package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/graph"
	"github.com/perimetra/perimetra/pkg/ledger"
)

// DefaultBatchSize bounds how many change records are applied between
// watermark advances.
const DefaultBatchSize = 500

// DefaultMaxEdgeRetries bounds dangling-edge retry cycles before the edge
// becomes a standing warning.
const DefaultMaxEdgeRetries = 3

// Projector is the single logical consumer of the ledger for one graph
// partition.
type Projector struct {
	Log       *ledger.Log
	Graph     *graph.Graph
	Marks     WatermarkStore
	Partition string
	Holder    string
	BatchSize int
	LeaseTTL  time.Duration
	// MaxEdgeRetries bounds how many sync cycles a dangling edge is retried.
	MaxEdgeRetries int

	// pending holds dangling edge records carried across cycles, keyed by
	// edge identity key.
	pending map[string]*pendingEdge
	// cursor is how far this process has scanned. It runs ahead of the
	// durable watermark while dangling edges hold the watermark back.
	cursor ledger.Seq
}

type pendingEdge struct {
	rec      ledger.ChangeRecord
	attempts int
}

// Report summarizes one sync pass.
type Report struct {
	Applied       int
	VertexUpserts int
	EdgeUpserts   int
	Closes        int
	Deferred      int
	Watermark     ledger.Seq
	// Warnings lists dangling edges that exhausted their retry budget.
	Warnings []string
}

// New builds a projector with defaults filled in.
func New(log *ledger.Log, g *graph.Graph, marks WatermarkStore, partition string) *Projector {
	return &Projector{
		Log:            log,
		Graph:          g,
		Marks:          marks,
		Partition:      partition,
		Holder:         fmt.Sprintf("%s-%s", partition, uuid.NewString()[:8]),
		BatchSize:      DefaultBatchSize,
		LeaseTTL:       2 * time.Minute,
		MaxEdgeRetries: DefaultMaxEdgeRetries,
		pending:        make(map[string]*pendingEdge),
	}
}

// Sync applies all ledger entries after the watermark. The watermark only
// advances after a whole batch is applied, so a crash mid-batch reprocesses
// that batch; upserts are idempotent, so reprocessing is safe. A deferred
// dangling edge holds the watermark below its record until its retry budget
// is spent, so a restart rescans it instead of losing it.
func (p *Projector) Sync(ctx context.Context) (*Report, error) {
	lease, err := p.Marks.Acquire(ctx, p.Partition, p.Holder, p.LeaseTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Marks.Release(context.WithoutCancel(ctx), lease); err != nil {
			slog.Warn("Watermark lease release failed", "partition", p.Partition, "error", err)
		}
	}()

	pos, err := p.Marks.Position(ctx, p.Partition)
	if err != nil {
		return nil, err
	}

	report := &Report{Watermark: pos}

	// Danglers from previous cycles get another chance before new entries.
	p.retryPending(report)

	if p.cursor.Less(pos) {
		p.cursor = pos
	}
	for {
		var batch []ledger.ChangeRecord
		err := p.Log.Scan(ctx, p.cursor, p.BatchSize, func(rec ledger.ChangeRecord) error {
			batch = append(batch, rec)
			return nil
		})
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			p.apply(rec, report)
		}
		// Vertex/edge ordering within a cycle is not guaranteed; the missing
		// endpoint of a deferred edge may have arrived later in this batch.
		p.retryPending(report)

		p.cursor = batch[len(batch)-1].Seq
		wm := p.holdback(p.cursor)
		if pos.Less(wm) {
			if err := p.Marks.Advance(ctx, lease, wm); err != nil {
				return report, err
			}
			pos = wm
			report.Watermark = wm
		}
	}

	// Danglers resolved or written off since the last advance release the
	// watermark up to the scan cursor.
	if wm := p.holdback(p.cursor); pos.Less(wm) {
		if err := p.Marks.Advance(ctx, lease, wm); err != nil {
			return report, err
		}
		report.Watermark = wm
	}

	p.collectWarnings(report)
	return report, nil
}

func (p *Projector) apply(rec ledger.ChangeRecord, report *Report) {
	switch rec.EntityKind {
	case ledger.EntityVertex:
		p.applyVertex(rec, report)
	case ledger.EntityEdge:
		p.applyEdge(rec, report, true)
	default:
		slog.Warn("Unknown entity kind in ledger", "kind", rec.EntityKind, "key", rec.Key)
	}
	report.Applied++
}

func (p *Projector) applyVertex(rec ledger.ChangeRecord, report *Report) {
	if rec.ChangeType == ledger.ChangeDeleted {
		if !p.Graph.CloseNode(rec.Key) {
			slog.Warn("Close of unprojected vertex", "key", rec.Key)
		}
		report.Closes++
		return
	}

	kind := ""
	displayName := ""
	props := make(map[string]any)
	tier := -2 // -2: no tier delta present

	for field, delta := range rec.Deltas {
		switch field {
		case "kind":
			if s, ok := delta.New.(string); ok {
				kind = s
			}
		case "displayName":
			if s, ok := delta.New.(string); ok {
				displayName = s
			}
		case "effectiveTo":
			// Reopen marker; activity is derived from the change type.
		case "tier":
			if delta.New == nil {
				tier = -1
			} else if n, ok := asInt(delta.New); ok {
				tier = n
			}
		default:
			props[field] = delta.New // nil clears the attribute
		}
	}

	p.Graph.UpsertNode(rec.Key, kind, displayName, props, true)
	if tier != -2 {
		p.Graph.SetTier(rec.Key, tier)
	}
	report.VertexUpserts++
}

func (p *Projector) applyEdge(rec ledger.ChangeRecord, report *Report, allowDefer bool) bool {
	if rec.ChangeType == ledger.ChangeDeleted {
		if !p.Graph.CloseEdge(rec.Key) {
			slog.Warn("Close of unprojected edge", "key", rec.Key)
		}
		report.Closes++
		return true
	}

	source, target, kind, qualifier, err := fact.SplitEdgeKey(rec.Key)
	if err != nil {
		slog.Error("Malformed edge key in ledger", "key", rec.Key, "error", err)
		return true
	}

	// Start from the already-projected image so a modified record that
	// omits a field never resets it.
	derived := false
	severity := fact.SeverityNone
	if existing, _, ok := p.Graph.EdgeByKey(rec.Key); ok {
		derived = existing.Derived
		severity = existing.Severity
	}
	if delta, ok := rec.Deltas["class"]; ok {
		if s, ok := delta.New.(string); ok {
			derived = s == string(fact.Derived)
		}
	}
	if delta, ok := rec.Deltas["severity"]; ok {
		if s, ok := delta.New.(string); ok {
			if sev, err := fact.ParseSeverity(s); err == nil {
				severity = sev
			}
		}
	}

	err = p.Graph.UpsertEdge(rec.Key, source, target, string(kind), qualifier, derived, severity)
	if errors.Is(err, graph.ErrMissingEndpoint) {
		if allowDefer {
			p.deferEdge(rec, report)
		}
		return false
	}
	if err != nil {
		slog.Error("Edge upsert failed", "key", rec.Key, "error", err)
		return true
	}
	report.EdgeUpserts++
	return true
}

func (p *Projector) deferEdge(rec ledger.ChangeRecord, report *Report) {
	if existing, ok := p.pending[rec.Key]; ok {
		existing.rec = rec
		return
	}
	p.pending[rec.Key] = &pendingEdge{rec: rec}
	report.Deferred++
	slog.Debug("Edge deferred, endpoint not yet projected", "key", rec.Key)
}

func (p *Projector) retryPending(report *Report) {
	keys := make([]string, 0, len(p.pending))
	for k := range p.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		pe := p.pending[key]
		if pe.attempts > p.MaxEdgeRetries {
			continue // Already a standing warning.
		}
		if p.applyEdge(pe.rec, report, false) {
			delete(p.pending, key)
			continue
		}
		pe.attempts++
	}
}

// holdback caps the watermark so the records of still-deferred edges stay
// ahead of it; pending lives in process memory only, the rescan is what
// survives a restart. A dangler past its retry budget stops holding.
func (p *Projector) holdback(cursor ledger.Seq) ledger.Seq {
	wm := cursor
	for _, pe := range p.pending {
		if pe.attempts > p.MaxEdgeRetries {
			continue
		}
		if prev := prevSeq(pe.rec.Seq); prev.Less(wm) {
			wm = prev
		}
	}
	return wm
}

func prevSeq(s ledger.Seq) ledger.Seq {
	if s.Ordinal > 0 {
		return ledger.Seq{UnixMilli: s.UnixMilli, Ordinal: s.Ordinal - 1}
	}
	return ledger.Seq{UnixMilli: s.UnixMilli - 1, Ordinal: ^uint32(0)}
}

func (p *Projector) collectWarnings(report *Report) {
	keys := make([]string, 0, len(p.pending))
	for k := range p.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pe := p.pending[key]
		if pe.attempts > p.MaxEdgeRetries {
			warning := fmt.Sprintf("edge %s: endpoint missing after %d retries", key, pe.attempts)
			report.Warnings = append(report.Warnings, warning)
			slog.Warn("Standing dangling-edge warning", "key", key, "attempts", pe.attempts)
		}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
