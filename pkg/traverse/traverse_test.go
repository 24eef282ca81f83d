package traverse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/graph"
)

func kindIs(kind string) Predicate {
	return func(n *graph.Node) bool { return n.Kind == kind }
}

func keyIs(key string) Predicate {
	return func(n *graph.Node) bool { return n.Key == key }
}

// chainGraph builds user/u0 -> group/g0 -> ... -> resource/r0.
func chainGraph(t *testing.T, hops int) *graph.Graph {
	t.Helper()
	g := graph.New()
	g.UpsertNode("user/u0", "user", "u0", nil, true)
	prev := "user/u0"
	for i := 0; i < hops-1; i++ {
		key := fmt.Sprintf("group/g%d", i)
		g.UpsertNode(key, "group", key, nil, true)
		edge := prev + "|" + key + "|memberOf|"
		if err := g.UpsertEdge(edge, prev, key, "memberOf", "", false, fact.SeverityNone); err != nil {
			t.Fatal(err)
		}
		prev = key
	}
	g.UpsertNode("resource/r0", "resource", "r0", nil, true)
	edge := prev + "|resource/r0|canAbuse|takeOver"
	if err := g.UpsertEdge(edge, prev, "resource/r0", "canAbuse", "takeOver", true, fact.SeverityHigh); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestRunFindsBoundedPath(t *testing.T) {
	g := chainGraph(t, 3)
	res, err := Run(context.Background(), g, Template{
		Name:       "chain",
		Source:     kindIs("user"),
		Target:     kindIs("resource"),
		MaxDepth:   5,
		MaxResults: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 || res.Truncated {
		t.Fatalf("result: %+v", res)
	}
	p := res.Paths[0]
	if p.Len() != 3 {
		t.Fatalf("path length %d, want 3", p.Len())
	}
	if p.Vertices[0].Key != "user/u0" || p.Vertices[3].Key != "resource/r0" {
		t.Errorf("endpoints: %v", p.Vertices)
	}
	if p.Severity != int(fact.SeverityHigh) {
		t.Errorf("cumulative severity %d", p.Severity)
	}
}

func TestRunRespectsMaxDepth(t *testing.T) {
	g := chainGraph(t, 4)
	res, err := Run(context.Background(), g, Template{
		Name:       "short",
		Source:     kindIs("user"),
		Target:     kindIs("resource"),
		MaxDepth:   2,
		MaxResults: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 0 {
		t.Fatalf("path beyond depth bound returned: %+v", res.Paths)
	}
}

func TestRunTruncatesToMaxResults(t *testing.T) {
	// Fifteen distinct single-hop paths into one target.
	g := graph.New()
	g.UpsertNode("resource/r0", "resource", "r0", nil, true)
	for i := 0; i < 15; i++ {
		key := fmt.Sprintf("user/u%02d", i)
		g.UpsertNode(key, "user", key, nil, true)
		edge := key + "|resource/r0|canAbuse|takeOver"
		if err := g.UpsertEdge(edge, key, "resource/r0", "canAbuse", "takeOver", true, fact.SeverityLow); err != nil {
			t.Fatal(err)
		}
	}

	res, err := Run(context.Background(), g, Template{
		Name:       "fan-in",
		Source:     kindIs("user"),
		Target:     kindIs("resource"),
		MaxDepth:   3,
		MaxResults: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 10 || !res.Truncated {
		t.Fatalf("result: count=%d truncated=%v", res.Count, res.Truncated)
	}
}

func TestRunSimplePathsOnly(t *testing.T) {
	// u0 <-> g0 cycle plus an exit to the target. Without simple-path
	// semantics this recurses forever.
	g := graph.New()
	g.UpsertNode("user/u0", "user", "u0", nil, true)
	g.UpsertNode("group/g0", "group", "g0", nil, true)
	g.UpsertNode("resource/r0", "resource", "r0", nil, true)
	for _, e := range [][2]string{
		{"user/u0", "group/g0"},
		{"group/g0", "user/u0"},
		{"group/g0", "resource/r0"},
	} {
		key := e[0] + "|" + e[1] + "|memberOf|"
		if err := g.UpsertEdge(key, e[0], e[1], "memberOf", "", false, fact.SeverityNone); err != nil {
			t.Fatal(err)
		}
	}

	res, err := Run(context.Background(), g, Template{
		Name:       "cyclic",
		Source:     keyIs("user/u0"),
		Target:     kindIs("resource"),
		MaxDepth:   10,
		MaxResults: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 {
		t.Fatalf("cycle produced %d paths", res.Count)
	}
	if res.Truncated {
		t.Error("bounded cyclic graph reported truncation")
	}
}

func TestRunSkipsInactiveVertices(t *testing.T) {
	g := chainGraph(t, 3)
	g.CloseNode("group/g1")

	res, err := Run(context.Background(), g, Template{
		Name:       "severed",
		Source:     kindIs("user"),
		Target:     kindIs("resource"),
		MaxDepth:   5,
		MaxResults: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 0 {
		t.Fatalf("path through inactive vertex: %+v", res.Paths)
	}
}

func TestRunVisitBudgetTruncates(t *testing.T) {
	g := chainGraph(t, 6)
	res, err := Run(context.Background(), g, Template{
		Name:        "starved",
		Source:      kindIs("user"),
		Target:      kindIs("resource"),
		MaxDepth:    10,
		MaxResults:  10,
		VisitBudget: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("budget exhaustion not reported as truncated")
	}
	if res.Count != 0 {
		t.Errorf("starved traversal returned %d paths", res.Count)
	}
}

func TestRunRanking(t *testing.T) {
	// Two routes from u0 to r0: a direct derived hop (severity high) and a
	// two-hop physical route.
	g := graph.New()
	g.UpsertNode("user/u0", "user", "u0", nil, true)
	g.UpsertNode("group/g0", "group", "g0", nil, true)
	g.UpsertNode("resource/r0", "resource", "r0", nil, true)
	if err := g.UpsertEdge("user/u0|resource/r0|canAbuse|takeOver", "user/u0", "resource/r0", "canAbuse", "takeOver", true, fact.SeverityHigh); err != nil {
		t.Fatal(err)
	}
	if err := g.UpsertEdge("user/u0|group/g0|memberOf|", "user/u0", "group/g0", "memberOf", "", false, fact.SeverityNone); err != nil {
		t.Fatal(err)
	}
	if err := g.UpsertEdge("group/g0|resource/r0|ownerOf|", "group/g0", "resource/r0", "ownerOf", "", false, fact.SeverityNone); err != nil {
		t.Fatal(err)
	}

	tpl := Template{
		Name:       "ranked",
		Source:     keyIs("user/u0"),
		Target:     kindIs("resource"),
		MaxDepth:   4,
		MaxResults: 10,
	}
	res, err := Run(context.Background(), g, tpl)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 2 {
		t.Fatalf("count = %d", res.Count)
	}
	// Default rank: shortest first.
	if res.Paths[0].Len() != 1 || res.Paths[1].Len() != 2 {
		t.Errorf("length ranking: %d then %d", res.Paths[0].Len(), res.Paths[1].Len())
	}

	tpl.Rank = []RankKey{RankSeverity}
	res, err = Run(context.Background(), g, tpl)
	if err != nil {
		t.Fatal(err)
	}
	if res.Paths[0].Severity <= res.Paths[1].Severity {
		t.Errorf("severity ranking: %d then %d", res.Paths[0].Severity, res.Paths[1].Severity)
	}
}

func TestTemplateValidate(t *testing.T) {
	target := kindIs("resource")
	cases := []struct {
		name string
		tpl  Template
		ok   bool
	}{
		{"valid", Template{Name: "t", Target: target, MaxDepth: 3, MaxResults: 5}, true},
		{"no name", Template{Target: target, MaxDepth: 3, MaxResults: 5}, false},
		{"no target", Template{Name: "t", MaxDepth: 3, MaxResults: 5}, false},
		{"zero depth", Template{Name: "t", Target: target, MaxResults: 5}, false},
		{"zero results", Template{Name: "t", Target: target, MaxDepth: 3}, false},
		{"bad rank key", Template{Name: "t", Target: target, MaxDepth: 3, MaxResults: 5, Rank: []RankKey{"weight"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tpl.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRunHonorsContext(t *testing.T) {
	g := chainGraph(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, g, Template{
		Name:       "canceled",
		Source:     kindIs("user"),
		Target:     kindIs("resource"),
		MaxDepth:   5,
		MaxResults: 10,
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	// A canceled context is truncation, not failure.
	if res == nil {
		t.Fatal("nil result")
	}
}
