package projector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/graph"
	"github.com/perimetra/perimetra/pkg/ledger"
)

func testPipeline(t *testing.T) (*delta.Store, *ledger.Log, *Projector) {
	t.Helper()
	log, err := ledger.NewLog(context.Background(), ledger.NewMemoryBackend())
	if err != nil {
		t.Fatal(err)
	}
	store := delta.NewStore(delta.NewMemoryKV(), log)
	p := New(log, graph.New(), NewMemoryWatermarks(), "graph")
	return store, log, p
}

func applyVertices(t *testing.T, store *delta.Store, kind fact.VertexKind, recs ...fact.VertexRecord) {
	t.Helper()
	if _, err := store.ApplyVertexBatch(context.Background(), delta.CompareConfig{}, kind, recs, delta.ApplyOptions{Full: true}); err != nil {
		t.Fatal(err)
	}
}

func applyEdges(t *testing.T, store *delta.Store, kind fact.EdgeKind, recs ...fact.EdgeRecord) {
	t.Helper()
	if _, err := store.ApplyEdgeBatch(context.Background(), delta.CompareConfig{}, kind, recs, delta.ApplyOptions{Full: true}); err != nil {
		t.Fatal(err)
	}
}

func TestSyncProjectsLedgerIntoGraph(t *testing.T) {
	ctx := context.Background()
	store, _, p := testPipeline(t)

	applyVertices(t, store, fact.KindUser,
		fact.VertexRecord{ID: "u1", Kind: fact.KindUser, DisplayName: "Alice", Attrs: map[string]any{"upn": "alice@corp"}})
	applyVertices(t, store, fact.KindGroup,
		fact.VertexRecord{ID: "g1", Kind: fact.KindGroup, DisplayName: "Admins"})
	applyEdges(t, store, fact.EdgeMemberOf,
		fact.EdgeRecord{Source: "user/u1", Target: "group/g1", Kind: fact.EdgeMemberOf, Class: fact.Physical})

	report, err := p.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.VertexUpserts != 2 || report.EdgeUpserts != 1 {
		t.Fatalf("report: %+v", report)
	}

	n := p.Graph.NodeByKey("user/u1")
	if n == nil || n.DisplayName != "Alice" || n.Props["upn"] != "alice@corp" || !n.Active {
		t.Fatalf("projected vertex: %+v", n)
	}
	out := p.Graph.OutEdges(n.Index)
	if len(out) != 1 || out[0].Label != "memberOf" {
		t.Fatalf("projected adjacency: %+v", out)
	}
}

func TestSyncResumesFromWatermark(t *testing.T) {
	ctx := context.Background()
	store, _, p := testPipeline(t)

	applyVertices(t, store, fact.KindUser,
		fact.VertexRecord{ID: "u1", Kind: fact.KindUser, DisplayName: "Alice"})
	first, err := p.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.Applied != 1 {
		t.Fatalf("first sync applied %d", first.Applied)
	}

	// Nothing new: the second sync applies nothing.
	second, err := p.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Applied != 0 {
		t.Fatalf("resync reapplied %d records", second.Applied)
	}
	if second.Watermark != first.Watermark {
		t.Errorf("watermark moved without records: %s -> %s", first.Watermark, second.Watermark)
	}

	applyVertices(t, store, fact.KindUser,
		fact.VertexRecord{ID: "u1", Kind: fact.KindUser, DisplayName: "Alice Smith"})
	third, err := p.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if third.Applied != 1 {
		t.Fatalf("incremental sync applied %d", third.Applied)
	}
	if p.Graph.NodeByKey("user/u1").DisplayName != "Alice Smith" {
		t.Error("rename not projected")
	}
}

func TestSyncReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, p := testPipeline(t)

	applyVertices(t, store, fact.KindUser,
		fact.VertexRecord{ID: "u1", Kind: fact.KindUser, DisplayName: "Alice"})
	applyVertices(t, store, fact.KindGroup,
		fact.VertexRecord{ID: "g1", Kind: fact.KindGroup, DisplayName: "Admins"})
	applyEdges(t, store, fact.EdgeMemberOf,
		fact.EdgeRecord{Source: "user/u1", Target: "group/g1", Kind: fact.EdgeMemberOf, Class: fact.Physical})

	if _, err := p.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	// A crashed run that lost its watermark reprocesses everything.
	fresh := New(p.Log, p.Graph, NewMemoryWatermarks(), "graph")
	if _, err := fresh.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	nodes, edges := p.Graph.Stats()
	if nodes != 2 || edges != 1 {
		t.Fatalf("replay duplicated graph elements: %d nodes, %d edges", nodes, edges)
	}
}

func TestSyncClosesDeletedElements(t *testing.T) {
	ctx := context.Background()
	store, _, p := testPipeline(t)

	applyVertices(t, store, fact.KindUser,
		fact.VertexRecord{ID: "u1", Kind: fact.KindUser, DisplayName: "Alice"})
	if _, err := p.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	applyVertices(t, store, fact.KindUser) // empty full batch closes u1
	report, err := p.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Closes != 1 {
		t.Fatalf("report: %+v", report)
	}
	if p.Graph.NodeByKey("user/u1").Active {
		t.Error("deleted vertex still active in graph")
	}
}

func TestSyncDefersDanglingEdgeUntilEndpointArrives(t *testing.T) {
	ctx := context.Background()
	store, _, p := testPipeline(t)

	// Edge referencing a vertex that was never collected.
	applyEdges(t, store, fact.EdgeMemberOf,
		fact.EdgeRecord{Source: "user/ghost", Target: "group/g1", Kind: fact.EdgeMemberOf, Class: fact.Physical})

	report, err := p.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Deferred != 1 || report.EdgeUpserts != 0 {
		t.Fatalf("dangling edge not deferred: %+v", report)
	}
	if _, edges := p.Graph.Stats(); edges != 0 {
		t.Error("dangling edge reached the graph")
	}

	// Endpoints arrive next cycle; the deferred edge applies.
	applyVertices(t, store, fact.KindUser,
		fact.VertexRecord{ID: "ghost", Kind: fact.KindUser, DisplayName: "Ghost"})
	applyVertices(t, store, fact.KindGroup,
		fact.VertexRecord{ID: "g1", Kind: fact.KindGroup, DisplayName: "Admins"})

	report, err = p.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.EdgeUpserts != 1 {
		t.Fatalf("deferred edge not applied: %+v", report)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", report.Warnings)
	}
}

func TestSyncRescansDeferredEdgeAfterRestart(t *testing.T) {
	ctx := context.Background()
	store, log, p := testPipeline(t)

	applyVertices(t, store, fact.KindGroup,
		fact.VertexRecord{ID: "g1", Kind: fact.KindGroup, DisplayName: "Admins"})
	applyEdges(t, store, fact.EdgeMemberOf,
		fact.EdgeRecord{Source: "user/ghost", Target: "group/g1", Kind: fact.EdgeMemberOf, Class: fact.Physical})

	report, err := p.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Deferred != 1 {
		t.Fatalf("dangling edge not deferred: %+v", report)
	}

	// The deferred record must stay ahead of the durable watermark.
	pos, err := p.Marks.Position(ctx, "graph")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	err = log.Scan(ctx, pos, 0, func(rec ledger.ChangeRecord) error {
		if rec.Key == "user/ghost|group/g1|memberOf|" {
			found = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("watermark advanced past the deferred edge record")
	}

	// Restart: a fresh projector has no pending map, only the watermark.
	applyVertices(t, store, fact.KindUser,
		fact.VertexRecord{ID: "ghost", Kind: fact.KindUser, DisplayName: "Ghost"})
	fresh := New(log, p.Graph, p.Marks, "graph")
	report, err = fresh.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.EdgeUpserts != 1 {
		t.Fatalf("deferred edge lost across restart: %+v", report)
	}
	if _, edges := p.Graph.Stats(); edges != 1 {
		t.Errorf("graph edges = %d, want 1", edges)
	}
}

func TestSyncExhaustedRetriesBecomeStandingWarning(t *testing.T) {
	ctx := context.Background()
	store, _, p := testPipeline(t)
	p.MaxEdgeRetries = 1

	applyEdges(t, store, fact.EdgeMemberOf,
		fact.EdgeRecord{Source: "user/ghost", Target: "group/ghost", Kind: fact.EdgeMemberOf, Class: fact.Physical})

	var warnings []string
	for i := 0; i < 4; i++ {
		report, err := p.Sync(ctx)
		if err != nil {
			t.Fatal(err)
		}
		warnings = report.Warnings
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v", warnings)
	}
	if !strings.Contains(warnings[0], "user/ghost|group/ghost|memberOf|") {
		t.Errorf("warning does not name the edge: %q", warnings[0])
	}
}

func TestSyncRejectsConcurrentLeaseHolder(t *testing.T) {
	ctx := context.Background()
	marks := NewMemoryWatermarks()

	lease, err := marks.Acquire(ctx, "graph", "other-holder", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer marks.Release(ctx, lease)

	log, err := ledger.NewLog(ctx, ledger.NewMemoryBackend())
	if err != nil {
		t.Fatal(err)
	}
	p := New(log, graph.New(), marks, "graph")
	if _, err := p.Sync(ctx); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("err = %v, want ErrLeaseHeld", err)
	}
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	marks := NewMemoryWatermarks()
	lease, err := marks.Acquire(ctx, "graph", "h1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ahead := ledger.Seq{UnixMilli: 2000, Ordinal: 0}
	if err := marks.Advance(ctx, lease, ahead); err != nil {
		t.Fatal(err)
	}
	if err := marks.Advance(ctx, lease, ledger.Seq{UnixMilli: 1000}); err != nil {
		t.Fatal(err)
	}
	pos, err := marks.Position(ctx, "graph")
	if err != nil {
		t.Fatal(err)
	}
	if pos != ahead {
		t.Errorf("watermark regressed to %s", pos)
	}
}
