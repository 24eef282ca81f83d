package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/graph"
	"github.com/perimetra/perimetra/pkg/ledger"
	"github.com/perimetra/perimetra/pkg/storage"
	"github.com/perimetra/perimetra/pkg/traverse"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	g.UpsertNode("user/u0", "user", "Alice", nil, true)
	g.UpsertNode("group/g0", "group", "Admins", nil, true)
	g.UpsertNode("resource/kv1", "resource", "kv-prod", nil, true)
	g.SetTier("resource/kv1", 0)
	require.NoError(t, g.UpsertEdge("user/u0|group/g0|memberOf|", "user/u0", "group/g0", "memberOf", "", false, fact.SeverityNone))
	require.NoError(t, g.UpsertEdge("group/g0|resource/kv1|canAbuse|readSecrets", "group/g0", "resource/kv1", "canAbuse", "readSecrets", true, fact.SeverityHigh))
	return g
}

func testTemplates() []traverse.Template {
	target := func(n *graph.Node) bool { return n.Tier == 0 }
	source := func(n *graph.Node) bool { return n.Kind == "user" }
	return []traverse.Template{
		{Name: "to-tier-zero", Source: source, Target: target, MaxDepth: 4, MaxResults: 10},
	}
}

func TestWriteProducesArtifactsThenManifest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocalStore(t.TempDir())
	w := New(store, "snapshots")
	w.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	mark := ledger.Seq{UnixMilli: 1700000000000, Ordinal: 3}
	m, err := w.Write(ctx, testGraph(t), testTemplates(), mark, "cycle-1")
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)

	entry := m.Entries[0]
	require.Equal(t, "to-tier-zero", entry.Template)
	require.Equal(t, 1, entry.Paths)
	require.False(t, entry.Truncated)

	// Every key the manifest names must exist.
	result, err := store.Get(ctx, entry.ResultKey)
	require.NoError(t, err)
	var res traverse.Result
	require.NoError(t, json.Unmarshal(result, &res))
	require.Equal(t, 1, res.Count)

	diagram, err := store.Get(ctx, entry.DiagramKey)
	require.NoError(t, err)
	require.Contains(t, string(diagram), "flowchart LR")

	latest, err := w.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, m.ID, latest.ID)
	require.Equal(t, mark, latest.Watermark)
	require.Equal(t, "cycle-1", latest.CycleID)
}

func TestLatestWithoutSnapshot(t *testing.T) {
	w := New(storage.NewLocalStore(t.TempDir()), "snapshots")
	m, err := w.Latest(context.Background())
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestMermaidGolden(t *testing.T) {
	res := &traverse.Result{
		Template: "to-tier-zero",
		Count:    1,
		Paths: []traverse.Path{{
			Vertices: []traverse.Step{
				{Key: "user/u0", Kind: "user", DisplayName: "Alice", Tier: -1},
				{Key: "group/g0", Kind: "group", DisplayName: "Admins", Tier: -1},
				{Key: "resource/kv1", Kind: "resource", DisplayName: "kv-prod", Tier: 0},
			},
			Edges: []traverse.Hop{
				{Key: "user/u0|group/g0|memberOf|", Label: "memberOf"},
				{Key: "group/g0|resource/kv1|canAbuse|readSecrets", Label: "canAbuse",
					Qualifier: "readSecrets", Derived: true, Severity: fact.SeverityHigh},
			},
			Severity: int(fact.SeverityHigh),
		}},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "mermaid_basic", []byte(Mermaid(res)))
}
