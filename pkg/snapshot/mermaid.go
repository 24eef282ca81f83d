package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/perimetra/perimetra/pkg/traverse"
)

// Mermaid renders one traversal result as a flowchart. Physical edges are
// solid, derived edges dashed and labeled with their capability and
// severity. Output is deterministic for a given result.
func Mermaid(res *traverse.Result) string {
	var b strings.Builder
	b.WriteString("flowchart LR\n")

	nodeIDs := make(map[string]string)
	var nodeKeys []string
	for _, p := range res.Paths {
		for _, v := range p.Vertices {
			if _, ok := nodeIDs[v.Key]; !ok {
				nodeIDs[v.Key] = fmt.Sprintf("n%d", len(nodeIDs))
				nodeKeys = append(nodeKeys, v.Key)
			}
		}
	}

	labels := make(map[string]traverse.Step)
	for _, p := range res.Paths {
		for _, v := range p.Vertices {
			labels[v.Key] = v
		}
	}
	for _, key := range nodeKeys {
		v := labels[key]
		label := v.DisplayName
		if label == "" {
			label = v.Key
		}
		b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", nodeIDs[key], escape(label)))
		if v.Tier == 0 {
			b.WriteString(fmt.Sprintf("    style %s fill:#f66,stroke:#333\n", nodeIDs[key]))
		}
	}

	type link struct {
		from, to, label string
		dashed          bool
	}
	seen := make(map[string]bool)
	var links []link
	for _, p := range res.Paths {
		for i, e := range p.Edges {
			from := nodeIDs[p.Vertices[i].Key]
			to := nodeIDs[p.Vertices[i+1].Key]
			label := e.Label
			if e.Qualifier != "" {
				label += ": " + e.Qualifier
			}
			if e.Derived {
				label += " (" + e.Severity.String() + ")"
			}
			id := from + "|" + to + "|" + label
			if seen[id] {
				continue
			}
			seen[id] = true
			links = append(links, link{from: from, to: to, label: label, dashed: e.Derived})
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].from != links[j].from {
			return links[i].from < links[j].from
		}
		if links[i].to != links[j].to {
			return links[i].to < links[j].to
		}
		return links[i].label < links[j].label
	})
	for _, l := range links {
		arrow := "-->"
		if l.dashed {
			arrow = "-.->"
		}
		b.WriteString(fmt.Sprintf("    %s %s|\"%s\"| %s\n", l.from, arrow, escape(l.label), l.to))
	}
	return b.String()
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
