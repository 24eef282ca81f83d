// Package graph is the projected property graph: interned vertex indices,
// labeled adjacency in both directions, and inactive marking for closed
// elements. The projector is the only writer; traversals take read locks.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/sys/intern"
)

// ErrMissingEndpoint is returned when an edge upsert references a vertex not
// yet projected. The projector fails closed and retries next cycle.
var ErrMissingEndpoint = errors.New("edge endpoint not present in graph")

// Node is one projected vertex.
type Node struct {
	Index       uint32
	Key         string // identity key, "kind/id"
	Kind        string // interned discriminator
	DisplayName string
	Props       map[string]any
	Tier        int // -1 when untiered
	Active      bool
}

// Edge is one projected relationship, stored on its source adjacency row.
type Edge struct {
	TargetID  uint32
	Key       string // edge identity key
	Label     string // interned edge kind
	Qualifier string
	Derived   bool
	Severity  fact.Severity
	Active    bool
}

// Graph is the in-memory property graph.
type Graph struct {
	mu           sync.RWMutex
	nodes        []*Node
	edges        [][]Edge
	reverseEdges [][]Edge
	idMap        map[string]uint32
	edgeIndex    map[string][2]uint32 // edge key -> (source idx, position)
}

func New() *Graph {
	return &Graph{
		nodes:        make([]*Node, 0, 1024),
		edges:        make([][]Edge, 0, 1024),
		reverseEdges: make([][]Edge, 0, 1024),
		idMap:        make(map[string]uint32),
		edgeIndex:    make(map[string][2]uint32),
	}
}

// UpsertNode creates or updates a vertex by identity key. Field maps merge;
// an upsert never loses attributes it does not mention, which is what makes
// replaying a change-record prefix idempotent. Returns the index.
func (g *Graph) UpsertNode(key, kind, displayName string, props map[string]any, active bool) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if idx, ok := g.idMap[key]; ok {
		node := g.nodes[idx]
		if kind != "" {
			node.Kind = intern.String(kind)
		}
		if displayName != "" {
			node.DisplayName = displayName
		}
		for k, v := range props {
			if v == nil {
				delete(node.Props, k)
				continue
			}
			node.Props[k] = v
		}
		node.Active = active
		return idx
	}

	idx := uint32(len(g.nodes))
	node := &Node{
		Index:       idx,
		Key:         key,
		Kind:        intern.String(kind),
		DisplayName: displayName,
		Props:       make(map[string]any, len(props)),
		Tier:        -1,
		Active:      active,
	}
	for k, v := range props {
		if v != nil {
			node.Props[k] = v
		}
	}
	g.nodes = append(g.nodes, node)
	g.edges = append(g.edges, nil)
	g.reverseEdges = append(g.reverseEdges, nil)
	g.idMap[key] = idx
	return idx
}

// UpsertEdge creates or updates an edge between two projected vertices.
// Both endpoints must already exist; there is no auto-vivification, because
// a placeholder vertex would be indistinguishable from a real one.
func (g *Graph) UpsertEdge(edgeKey, sourceKey, targetKey, label, qualifier string, derived bool, severity fact.Severity) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	srcIdx, ok := g.idMap[sourceKey]
	if !ok {
		return fmt.Errorf("%w: source %s", ErrMissingEndpoint, sourceKey)
	}
	dstIdx, ok := g.idMap[targetKey]
	if !ok {
		return fmt.Errorf("%w: target %s", ErrMissingEndpoint, targetKey)
	}

	if pos, ok := g.edgeIndex[edgeKey]; ok {
		e := &g.edges[pos[0]][pos[1]]
		e.Derived = derived
		e.Severity = severity
		e.Active = true
		g.syncReverse(pos[0], *e)
		return nil
	}

	edge := Edge{
		TargetID:  dstIdx,
		Key:       edgeKey,
		Label:     intern.String(label),
		Qualifier: qualifier,
		Derived:   derived,
		Severity:  severity,
		Active:    true,
	}
	g.edgeIndex[edgeKey] = [2]uint32{srcIdx, uint32(len(g.edges[srcIdx]))}
	g.edges[srcIdx] = append(g.edges[srcIdx], edge)

	rev := edge
	rev.TargetID = srcIdx
	g.reverseEdges[dstIdx] = append(g.reverseEdges[dstIdx], rev)
	return nil
}

// syncReverse mirrors a forward edge mutation onto the reverse row.
func (g *Graph) syncReverse(srcIdx uint32, e Edge) {
	for i := range g.reverseEdges[e.TargetID] {
		r := &g.reverseEdges[e.TargetID][i]
		if r.Key == e.Key {
			r.Derived = e.Derived
			r.Severity = e.Severity
			r.Active = e.Active
			return
		}
	}
}

// SetTier updates the tier classification of a vertex. Pass -1 to clear.
func (g *Graph) SetTier(key string, tier int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.idMap[key]
	if !ok {
		return false
	}
	g.nodes[idx].Tier = tier
	return true
}

// CloseNode marks a vertex inactive. Its edges stay but traversals skip
// inactive endpoints.
func (g *Graph) CloseNode(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.idMap[key]
	if !ok {
		return false
	}
	g.nodes[idx].Active = false
	return true
}

// CloseEdge marks an edge inactive by identity key.
func (g *Graph) CloseEdge(edgeKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.edgeIndex[edgeKey]
	if !ok {
		return false
	}
	e := &g.edges[pos[0]][pos[1]]
	e.Active = false
	g.syncReverse(pos[0], *e)
	return true
}

// EdgeByKey returns a copy of the edge with the given identity key, plus its
// source index.
func (g *Graph) EdgeByKey(edgeKey string) (Edge, uint32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pos, ok := g.edgeIndex[edgeKey]
	if !ok {
		return Edge{}, 0, false
	}
	return g.edges[pos[0]][pos[1]], pos[0], true
}

// NodeByKey returns the vertex for an identity key, or nil.
func (g *Graph) NodeByKey(key string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.idMap[key]
	if !ok {
		return nil
	}
	return g.nodes[idx]
}

// NodeByIndex returns the vertex at idx, or nil.
func (g *Graph) NodeByIndex(idx uint32) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(idx) < len(g.nodes) {
		return g.nodes[idx]
	}
	return nil
}

// Nodes returns a snapshot slice of all vertices.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// OutEdges returns a copy of the active out-adjacency of a vertex.
func (g *Graph) OutEdges(idx uint32) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(idx) >= len(g.edges) {
		return nil
	}
	out := make([]Edge, 0, len(g.edges[idx]))
	for _, e := range g.edges[idx] {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}

// InEdges returns a copy of the active in-adjacency of a vertex.
func (g *Graph) InEdges(idx uint32) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(idx) >= len(g.reverseEdges) {
		return nil
	}
	out := make([]Edge, 0, len(g.reverseEdges[idx]))
	for _, e := range g.reverseEdges[idx] {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}

// Stats summarizes graph size.
func (g *Graph) Stats() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, row := range g.edges {
		total += len(row)
	}
	return len(g.nodes), total
}
