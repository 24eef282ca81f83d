// Package fact defines the canonical typed shape of collected identity and
// resource facts. Collectors emit loosely-typed records; everything past this
// package works with the tagged variants defined here.
package fact

import (
	"fmt"
	"strings"
	"time"
)

// VertexKind discriminates principal and resource vertices.
type VertexKind string

const (
	KindUser             VertexKind = "user"
	KindGroup            VertexKind = "group"
	KindServicePrincipal VertexKind = "servicePrincipal"
	KindDevice           VertexKind = "device"
	KindApplication      VertexKind = "application"
	KindRoleDefinition   VertexKind = "roleDefinition"
	KindResource         VertexKind = "resource"
	KindPolicy           VertexKind = "policy"
)

// EdgeKind discriminates relationship types.
type EdgeKind string

const (
	EdgeMemberOf      EdgeKind = "memberOf"
	EdgeOwnerOf       EdgeKind = "ownerOf"
	EdgeHoldsRole     EdgeKind = "holdsRole"
	EdgeHasPermission EdgeKind = "hasPermission"
	EdgeManagedBy     EdgeKind = "managedBy"
	EdgeAppliesTo     EdgeKind = "appliesTo"
	// EdgeCanAbuse is the synthesized capability family. Never emitted by
	// collectors; the derivation engine is its only producer.
	EdgeCanAbuse EdgeKind = "canAbuse"
)

// Provenance classifies where an edge fact came from.
type Provenance string

const (
	Physical Provenance = "physical"
	Derived  Provenance = "derived"
)

// Severity ranks abuse capabilities. Higher is worse.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "none"
}

// ParseSeverity maps a config string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// KeySep separates identity key segments. Record IDs must not contain it;
// the normalizer rejects those records as malformed.
const KeySep = "|"

// VertexRecord is one canonicalized principal or resource fact.
// ID plus Kind is the globally unique identity key.
type VertexRecord struct {
	ID          string         `json:"id"`
	Kind        VertexKind     `json:"kind"`
	DisplayName string         `json:"displayName,omitempty"`
	// Attrs is the sparse attribute bag. Nil-valued attributes are dropped
	// during normalization and never stored.
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Key returns the immutable identity key for the vertex.
func (r VertexRecord) Key() string {
	return string(r.Kind) + "/" + r.ID
}

// EdgeRecord is one canonicalized relationship fact. Source and Target hold
// vertex identity keys. The identity key of the edge itself is deterministic
// across runs: source, target, kind and qualifier, in that order.
type EdgeRecord struct {
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Kind      EdgeKind       `json:"kind"`
	Qualifier string         `json:"qualifier,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
	Class     Provenance     `json:"class"`
	Derived   *Derivation    `json:"derived,omitempty"`
}

// Key returns the immutable identity key for the edge.
func (r EdgeRecord) Key() string {
	return strings.Join([]string{r.Source, r.Target, string(r.Kind), r.Qualifier}, KeySep)
}

// Derivation carries the provenance of a synthesized capability edge.
type Derivation struct {
	RuleID   string   `json:"ruleId"`
	Severity Severity `json:"severity"`
	// Justifications holds identity keys of the physical edges that justify
	// this edge, primary (highest severity) first.
	Justifications []string `json:"justifications"`
}

// SplitEdgeKey decomposes an edge identity key back into its segments.
func SplitEdgeKey(key string) (source, target string, kind EdgeKind, qualifier string, err error) {
	parts := strings.Split(key, KeySep)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("malformed edge key %q", key)
	}
	return parts[0], parts[1], EdgeKind(parts[2]), parts[3], nil
}

// Interval is one observation window. A nil To means currently observed.
type Interval struct {
	From time.Time  `json:"from"`
	To   *time.Time `json:"to,omitempty"`
}

// Open reports whether the interval is still current.
func (i Interval) Open() bool { return i.To == nil }
