package graph

import (
	"errors"
	"testing"

	"github.com/perimetra/perimetra/pkg/fact"
)

func TestUpsertNodeMergesProps(t *testing.T) {
	g := New()

	idx := g.UpsertNode("user/u1", "user", "Alice", map[string]any{
		"upn":            "alice@corp",
		"accountEnabled": true,
	}, true)

	// A later upsert mentioning only one prop must not lose the others.
	again := g.UpsertNode("user/u1", "", "", map[string]any{"department": "IT"}, true)
	if again != idx {
		t.Fatalf("reupsert changed index: %d then %d", idx, again)
	}

	n := g.NodeByKey("user/u1")
	if n.DisplayName != "Alice" || n.Kind != "user" {
		t.Errorf("empty fields overwrote node: %+v", n)
	}
	if n.Props["upn"] != "alice@corp" || n.Props["department"] != "IT" {
		t.Errorf("props not merged: %v", n.Props)
	}
}

func TestUpsertNodeNilPropDeletes(t *testing.T) {
	g := New()
	g.UpsertNode("user/u1", "user", "Alice", map[string]any{"tier": 0}, true)
	g.UpsertNode("user/u1", "", "", map[string]any{"tier": nil}, true)

	n := g.NodeByKey("user/u1")
	if _, ok := n.Props["tier"]; ok {
		t.Errorf("nil prop not deleted: %v", n.Props)
	}
}

func TestUpsertEdgeFailsClosedOnMissingEndpoint(t *testing.T) {
	g := New()
	g.UpsertNode("user/u1", "user", "Alice", nil, true)

	err := g.UpsertEdge("user/u1|group/g1|memberOf|", "user/u1", "group/g1", "memberOf", "", false, fact.SeverityNone)
	if !errors.Is(err, ErrMissingEndpoint) {
		t.Fatalf("err = %v, want ErrMissingEndpoint", err)
	}
	if _, edges := g.Stats(); edges != 0 {
		t.Error("failed upsert left a partial edge")
	}

	// Endpoint arrives; the retry succeeds.
	g.UpsertNode("group/g1", "group", "Admins", nil, true)
	if err := g.UpsertEdge("user/u1|group/g1|memberOf|", "user/u1", "group/g1", "memberOf", "", false, fact.SeverityNone); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestUpsertEdgeIsIdempotent(t *testing.T) {
	g := New()
	g.UpsertNode("user/u1", "user", "Alice", nil, true)
	g.UpsertNode("resource/kv1", "resource", "kv-prod", nil, true)

	key := "user/u1|resource/kv1|canAbuse|readSecrets"
	for i := 0; i < 3; i++ {
		if err := g.UpsertEdge(key, "user/u1", "resource/kv1", "canAbuse", "readSecrets", true, fact.SeverityHigh); err != nil {
			t.Fatal(err)
		}
	}
	if _, edges := g.Stats(); edges != 1 {
		t.Fatalf("replayed upsert duplicated edge: %d edges", edges)
	}
}

func TestCloseEdgeHidesBothDirections(t *testing.T) {
	g := New()
	u := g.UpsertNode("user/u1", "user", "Alice", nil, true)
	gr := g.UpsertNode("group/g1", "group", "Admins", nil, true)
	key := "user/u1|group/g1|memberOf|"
	if err := g.UpsertEdge(key, "user/u1", "group/g1", "memberOf", "", false, fact.SeverityNone); err != nil {
		t.Fatal(err)
	}

	if !g.CloseEdge(key) {
		t.Fatal("close returned false")
	}
	if out := g.OutEdges(u); len(out) != 0 {
		t.Errorf("closed edge still in out-adjacency: %v", out)
	}
	if in := g.InEdges(gr); len(in) != 0 {
		t.Errorf("closed edge still in in-adjacency: %v", in)
	}

	// Reupsert reactivates, again in both directions.
	if err := g.UpsertEdge(key, "user/u1", "group/g1", "memberOf", "", false, fact.SeverityNone); err != nil {
		t.Fatal(err)
	}
	if out := g.OutEdges(u); len(out) != 1 {
		t.Errorf("reopened edge missing: %v", out)
	}
	if in := g.InEdges(gr); len(in) != 1 {
		t.Errorf("reopened edge missing from in-adjacency: %v", in)
	}
}

func TestCloseNodeKeepsEdges(t *testing.T) {
	g := New()
	g.UpsertNode("user/u1", "user", "Alice", nil, true)
	g.UpsertNode("group/g1", "group", "Admins", nil, true)
	if err := g.UpsertEdge("user/u1|group/g1|memberOf|", "user/u1", "group/g1", "memberOf", "", false, fact.SeverityNone); err != nil {
		t.Fatal(err)
	}

	if !g.CloseNode("user/u1") {
		t.Fatal("close returned false")
	}
	n := g.NodeByKey("user/u1")
	if n.Active {
		t.Error("node still active")
	}
	// Edges persist; traversal filtering is the caller's concern.
	if _, edges := g.Stats(); edges != 1 {
		t.Error("closing node dropped its edges")
	}
}

func TestSetTier(t *testing.T) {
	g := New()
	g.UpsertNode("roleDefinition/r1", "roleDefinition", "Global Administrator", nil, true)

	if !g.SetTier("roleDefinition/r1", 0) {
		t.Fatal("set tier returned false")
	}
	if n := g.NodeByKey("roleDefinition/r1"); n.Tier != 0 {
		t.Errorf("tier = %d", n.Tier)
	}
	if g.SetTier("roleDefinition/missing", 0) {
		t.Error("set tier on absent key returned true")
	}
	g.SetTier("roleDefinition/r1", -1)
	if n := g.NodeByKey("roleDefinition/r1"); n.Tier != -1 {
		t.Errorf("tier not cleared: %d", n.Tier)
	}
}
