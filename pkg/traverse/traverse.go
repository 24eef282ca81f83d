// Package traverse answers bounded reachability questions against the
// projected graph. Every traversal carries simple-path semantics, a depth
// bound, a result bound, a node-visit budget and a timeout; an unbounded
// traversal is not expressible.
package traverse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/graph"
)

// Defaults applied by Run when a template leaves them zero.
const (
	DefaultVisitBudget = 200_000
	DefaultTimeout     = 30 * time.Second
)

// Predicate selects vertices. Compiled from template configuration.
type Predicate func(*graph.Node) bool

// RankKey names one ordering criterion.
type RankKey string

const (
	RankLength   RankKey = "length"   // path length ascending
	RankSeverity RankKey = "severity" // cumulative derived severity descending
	RankID       RankKey = "id"       // lexicographic vertex ids ascending
)

// DefaultRank orders by length, then severity, then id.
var DefaultRank = []RankKey{RankLength, RankSeverity, RankID}

// Template is one named, parameterized traversal.
type Template struct {
	Name        string
	Source      Predicate // nil means any active vertex
	Target      Predicate
	MaxDepth    int
	MaxResults  int
	VisitBudget int
	Timeout     time.Duration
	Rank        []RankKey
}

// Validate rejects templates missing their mandatory bounds.
func (t Template) Validate() error {
	if t.Name == "" {
		return errors.New("template without name")
	}
	if t.Target == nil {
		return fmt.Errorf("template %s: missing target predicate", t.Name)
	}
	if t.MaxDepth <= 0 {
		return fmt.Errorf("template %s: maxDepth must be positive", t.Name)
	}
	if t.MaxResults <= 0 {
		return fmt.Errorf("template %s: maxResults must be positive", t.Name)
	}
	for _, k := range t.Rank {
		switch k {
		case RankLength, RankSeverity, RankID:
		default:
			return fmt.Errorf("template %s: unknown rank key %q", t.Name, k)
		}
	}
	return nil
}

// Step is one vertex on a path.
type Step struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName,omitempty"`
	Tier        int    `json:"tier"`
}

// Hop is one edge on a path.
type Hop struct {
	Key       string        `json:"key"`
	Label     string        `json:"label"`
	Qualifier string        `json:"qualifier,omitempty"`
	Derived   bool          `json:"derived"`
	Severity  fact.Severity `json:"severity"`
}

// Path is one simple path: n+1 vertices joined by n edges.
type Path struct {
	Vertices []Step `json:"vertices"`
	Edges    []Hop  `json:"edges"`
	// Severity is the cumulative severity of derived edges on the path.
	Severity int `json:"severity"`
}

// Len is the hop count.
func (p Path) Len() int { return len(p.Edges) }

func (p Path) id() string {
	keys := make([]string, len(p.Vertices))
	for i, v := range p.Vertices {
		keys[i] = v.Key
	}
	return strings.Join(keys, "→")
}

// Result is one executed traversal.
type Result struct {
	Template     string        `json:"template"`
	Paths        []Path        `json:"paths"`
	Count        int           `json:"count"`
	Truncated    bool          `json:"truncated"`
	NodesVisited int           `json:"nodesVisited"`
	Elapsed      time.Duration `json:"elapsed"`
}

var errBudget = errors.New("traversal budget exceeded")

// Run executes one template. Exceeding the budget or the timeout cancels
// the traversal and reports Truncated; it is never an error and never
// conflated with "no path exists".
func Run(ctx context.Context, g *graph.Graph, t Template) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	budget := t.VisitBudget
	if budget <= 0 {
		budget = DefaultVisitBudget
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := &Result{Template: t.Name}

	// Sources in key order so repeated runs enumerate identically.
	sources := make([]*graph.Node, 0)
	for _, n := range g.Nodes() {
		if !n.Active {
			continue
		}
		if t.Source == nil || t.Source(n) {
			sources = append(sources, n)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Key < sources[j].Key })

	var (
		paths   []Path
		visited = make(map[uint32]bool) // per in-flight path
		steps   []Step
		hops    []Hop
	)

	var dfs func(node *graph.Node, depth, severity int) error
	dfs = func(node *graph.Node, depth, severity int) error {
		res.NodesVisited++
		if res.NodesVisited > budget {
			return errBudget
		}
		if res.NodesVisited%1024 == 0 && ctx.Err() != nil {
			return errBudget
		}

		steps = append(steps, Step{
			Key:         node.Key,
			Kind:        node.Kind,
			DisplayName: node.DisplayName,
			Tier:        node.Tier,
		})
		visited[node.Index] = true
		defer func() {
			steps = steps[:len(steps)-1]
			delete(visited, node.Index)
		}()

		if depth > 0 && t.Target(node) {
			paths = append(paths, Path{
				Vertices: append([]Step(nil), steps...),
				Edges:    append([]Hop(nil), hops...),
				Severity: severity,
			})
		}
		if depth == t.MaxDepth {
			return nil
		}

		edges := g.OutEdges(node.Index)
		sort.Slice(edges, func(i, j int) bool { return edges[i].Key < edges[j].Key })
		for _, e := range edges {
			if visited[e.TargetID] {
				continue // simple paths only
			}
			next := g.NodeByIndex(e.TargetID)
			if next == nil || !next.Active {
				continue
			}
			hopSeverity := severity
			if e.Derived {
				hopSeverity += int(e.Severity)
			}
			hops = append(hops, Hop{
				Key:       e.Key,
				Label:     e.Label,
				Qualifier: e.Qualifier,
				Derived:   e.Derived,
				Severity:  e.Severity,
			})
			err := dfs(next, depth+1, hopSeverity)
			hops = hops[:len(hops)-1]
			if err != nil {
				return err
			}
		}
		return nil
	}

	for _, src := range sources {
		if err := dfs(src, 0, 0); err != nil {
			if errors.Is(err, errBudget) {
				res.Truncated = true
				break
			}
			return nil, err
		}
	}

	rank := t.Rank
	if len(rank) == 0 {
		rank = DefaultRank
	}
	sortPaths(paths, rank)

	if len(paths) > t.MaxResults {
		paths = paths[:t.MaxResults]
		res.Truncated = true
	}
	res.Paths = paths
	res.Count = len(paths)
	res.Elapsed = time.Since(start)
	return res, nil
}

func sortPaths(paths []Path, rank []RankKey) {
	sort.SliceStable(paths, func(i, j int) bool {
		for _, key := range rank {
			switch key {
			case RankLength:
				if paths[i].Len() != paths[j].Len() {
					return paths[i].Len() < paths[j].Len()
				}
			case RankSeverity:
				if paths[i].Severity != paths[j].Severity {
					return paths[i].Severity > paths[j].Severity
				}
			case RankID:
				if paths[i].id() != paths[j].id() {
					return paths[i].id() < paths[j].id()
				}
			}
		}
		return paths[i].id() < paths[j].id()
	})
}
