package derive

import (
	"context"
	"log/slog"
	"sort"

	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/fact"
)

// StateReader is the slice of the delta store the engine consumes: current
// physical state, not deltas. Satisfied by *delta.Store.
type StateReader interface {
	ScanEdges(ctx context.Context, kind fact.EdgeKind, fn func(delta.StoredEdge) error) error
	ScanVertices(ctx context.Context, kind fact.VertexKind, fn func(delta.StoredVertex) error) error
}

// Result is one derivation pass: the complete derived edge set, sorted by
// identity key, plus the full tier classification.
type Result struct {
	Edges []fact.EdgeRecord
	Tiers map[string]int
}

// grantKinds is the "grants capability" edge family.
var grantKinds = []fact.EdgeKind{fact.EdgeHasPermission, fact.EdgeHoldsRole}

// justification ties one physical edge to the severity its matching rule
// assigns.
type justification struct {
	key      string
	ruleID   string
	severity fact.Severity
}

// Run executes one full derivation pass. Identical state plus identical
// rules yields a byte-identical result: candidates are merged in a map and
// the output is canonically ordered before returning.
func Run(ctx context.Context, rs *Ruleset, state StateReader) (*Result, error) {
	merged := make(map[string][]justification)
	skeleton := make(map[string]fact.EdgeRecord)

	for _, kind := range grantKinds {
		err := state.ScanEdges(ctx, kind, func(e delta.StoredEdge) error {
			if !e.Active() {
				return nil
			}
			for _, rule := range rs.RulesFor(kind, e.Record.Qualifier) {
				if rule.Guard != nil {
					ok, err := rule.Guard(guardVars(e.Record))
					if err != nil {
						// A failing guard never aborts the pass; the rule
						// simply does not match this edge.
						slog.Warn("Capability guard evaluation failed",
							"rule", rule.ID, "edge", e.Record.Key(), "error", err)
						continue
					}
					if !ok {
						continue
					}
				}

				derived := fact.EdgeRecord{
					Source:    e.Record.Source,
					Target:    e.Record.Target,
					Kind:      fact.EdgeCanAbuse,
					Qualifier: rule.Capability,
					Class:     fact.Derived,
				}
				key := derived.Key()
				skeleton[key] = derived
				merged[key] = append(merged[key], justification{
					key:      e.Record.Key(),
					ruleID:   rule.ID,
					severity: rule.Severity,
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(skeleton))
	for k := range skeleton {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	edges := make([]fact.EdgeRecord, 0, len(keys))
	for _, key := range keys {
		rec := skeleton[key]
		justs := merged[key]
		// Highest severity first; key order breaks ties. The primary
		// justification decides the edge's severity and rule id; the rest
		// are kept, never discarded.
		sort.Slice(justs, func(i, j int) bool {
			if justs[i].severity != justs[j].severity {
				return justs[i].severity > justs[j].severity
			}
			return justs[i].key < justs[j].key
		})
		// Duplicates of one physical edge merge idempotently.
		justs = dedupe(justs)

		justKeys := make([]string, len(justs))
		for i, j := range justs {
			justKeys[i] = j.key
		}
		rec.Derived = &fact.Derivation{
			RuleID:         justs[0].ruleID,
			Severity:       justs[0].severity,
			Justifications: justKeys,
		}
		rec.Props = map[string]any{
			"severity": justs[0].severity.String(),
			"rule":     justs[0].ruleID,
		}
		edges = append(edges, rec)
	}

	tiers, err := classifyTiers(ctx, rs, state)
	if err != nil {
		return nil, err
	}

	return &Result{Edges: edges, Tiers: tiers}, nil
}

func dedupe(justs []justification) []justification {
	out := justs[:0]
	seen := make(map[string]bool, len(justs))
	for _, j := range justs {
		if seen[j.key] {
			continue
		}
		seen[j.key] = true
		out = append(out, j)
	}
	return out
}

func guardVars(rec fact.EdgeRecord) map[string]any {
	props := rec.Props
	if props == nil {
		props = map[string]any{}
	}
	return map[string]any{
		"qualifier": rec.Qualifier,
		"source":    rec.Source,
		"target":    rec.Target,
		"props":     props,
	}
}

// classifyTiers recomputes the full tier assignment. Pure function of static
// configuration and vertex state.
func classifyTiers(ctx context.Context, rs *Ruleset, state StateReader) (map[string]int, error) {
	rules := rs.TierRules()
	if len(rules) == 0 {
		return map[string]int{}, nil
	}

	tiers := make(map[string]int)
	err := state.ScanVertices(ctx, "", func(v delta.StoredVertex) error {
		if !v.Active() {
			return nil
		}
		for _, rule := range rules {
			if rule.Kind != "" && rule.Kind != v.Record.Kind {
				continue
			}
			if rule.Match != nil {
				ok, err := rule.Match(vertexVars(v.Record))
				if err != nil {
					slog.Warn("Tier rule evaluation failed",
						"vertex", v.Record.Key(), "error", err)
					continue
				}
				if !ok {
					continue
				}
			}
			if cur, ok := tiers[v.Record.Key()]; !ok || rule.Tier < cur {
				tiers[v.Record.Key()] = rule.Tier
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tiers, nil
}

func vertexVars(rec fact.VertexRecord) map[string]any {
	attrs := rec.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"id":          rec.ID,
		"kind":        string(rec.Kind),
		"displayName": rec.DisplayName,
		"attrs":       attrs,
	}
}
