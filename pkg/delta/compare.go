package delta

import (
	"encoding/json"
	"sort"

	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/ledger"
)

// canonical renders a value in a stable, comparable form. encoding/json
// sorts map keys, so equal maps render identically.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "!" + err.Error()
	}
	return string(data)
}

// canonicalSet renders a list as a value set: element order is irrelevant,
// duplicates collapse.
func canonicalSet(items []any) string {
	elems := make([]string, 0, len(items))
	for _, it := range items {
		elems = append(elems, canonical(it))
	}
	sort.Strings(elems)
	// Dedupe adjacent.
	out := elems[:0]
	var prev string
	for i, e := range elems {
		if i > 0 && e == prev {
			continue
		}
		out = append(out, e)
		prev = e
	}
	return "[" + canonical(out) + "]"
}

// valuesEqual compares two attribute values. Lists compare by value-set
// equality; everything else by canonical form.
func valuesEqual(a, b any) bool {
	la, aIsList := a.([]any)
	lb, bIsList := b.([]any)
	if aIsList && bIsList {
		return canonicalSet(la) == canonicalSet(lb)
	}
	return canonical(a) == canonical(b)
}

// diffAttrs compares two sparse attribute bags over the configured field
// subset. A nil field list compares the union of present attributes.
func diffAttrs(fields []string, prev, next map[string]any, deltas map[string]ledger.FieldDelta) {
	if fields == nil {
		seen := make(map[string]bool, len(prev)+len(next))
		for k := range prev {
			seen[k] = true
		}
		for k := range next {
			seen[k] = true
		}
		fields = make([]string, 0, len(seen))
		for k := range seen {
			fields = append(fields, k)
		}
		sort.Strings(fields)
	}

	for _, f := range fields {
		pv, pok := prev[f]
		nv, nok := next[f]
		switch {
		case pok && nok:
			if !valuesEqual(pv, nv) {
				deltas[f] = ledger.FieldDelta{Old: pv, New: nv}
			}
		case pok:
			deltas[f] = ledger.FieldDelta{Old: pv}
		case nok:
			deltas[f] = ledger.FieldDelta{New: nv}
		}
	}
}

// diffVertex returns the changed-field deltas between the stored record and
// the incoming one. Empty result means unchanged.
func diffVertex(fields []string, prev, next fact.VertexRecord) map[string]ledger.FieldDelta {
	deltas := make(map[string]ledger.FieldDelta)
	if prev.DisplayName != next.DisplayName {
		deltas["displayName"] = ledger.FieldDelta{Old: prev.DisplayName, New: next.DisplayName}
	}
	diffAttrs(fields, prev.Attrs, next.Attrs, deltas)
	if len(deltas) == 0 {
		return nil
	}
	return deltas
}

// diffEdge returns the changed-field deltas between two edge records sharing
// an identity key. Provenance of derived edges participates so a severity or
// justification change surfaces as modified.
func diffEdge(fields []string, prev, next fact.EdgeRecord) map[string]ledger.FieldDelta {
	deltas := make(map[string]ledger.FieldDelta)
	diffAttrs(fields, prev.Props, next.Props, deltas)
	if prev.Class != next.Class {
		deltas["class"] = ledger.FieldDelta{Old: string(prev.Class), New: string(next.Class)}
	}
	if canonical(prev.Derived) != canonical(next.Derived) {
		deltas["derived"] = ledger.FieldDelta{Old: prev.Derived, New: next.Derived}
	}
	if len(deltas) == 0 {
		return nil
	}
	return deltas
}

// newVertexDeltas expands a first observation into full-field deltas, so a
// `new` change record alone can reconstruct the initial image.
func newVertexDeltas(rec fact.VertexRecord) map[string]ledger.FieldDelta {
	deltas := map[string]ledger.FieldDelta{
		"kind": {New: string(rec.Kind)},
	}
	if rec.DisplayName != "" {
		deltas["displayName"] = ledger.FieldDelta{New: rec.DisplayName}
	}
	for k, v := range rec.Attrs {
		deltas[k] = ledger.FieldDelta{New: v}
	}
	return deltas
}

// newEdgeDeltas expands a first edge observation into full-field deltas.
func newEdgeDeltas(rec fact.EdgeRecord) map[string]ledger.FieldDelta {
	deltas := map[string]ledger.FieldDelta{
		"class": {New: string(rec.Class)},
	}
	for k, v := range rec.Props {
		deltas[k] = ledger.FieldDelta{New: v}
	}
	if rec.Derived != nil {
		deltas["derived"] = ledger.FieldDelta{New: rec.Derived}
	}
	return deltas
}
