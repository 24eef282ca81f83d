// Package derive synthesizes abuse-capability edges and tier classification
// from physical facts plus configuration. Output is a pure function of state
// and rules: no wall clock, no iteration-order dependence.
package derive

import (
	"fmt"

	"github.com/perimetra/perimetra/pkg/fact"
)

// Guard is an optional compiled predicate over rule-evaluation variables.
// Guards come from configuration (CEL expressions) and are compiled at
// config-load time; an evaluation error counts as no match.
type Guard func(vars map[string]any) (bool, error)

// Rule maps one granted role or permission to an abuse capability. Exactly
// one of Role or Permission selects the physical edges the rule applies to:
// Role matches holdsRole qualifiers, Permission matches hasPermission
// qualifiers.
type Rule struct {
	ID         string
	Role       string
	Permission string
	Capability string
	Severity   fact.Severity
	Guard      Guard
}

// TierRule classifies vertices into privilege tiers. A zero-value Kind
// matches every kind. When several rules match one vertex the lowest
// (most privileged) tier wins.
type TierRule struct {
	Kind  fact.VertexKind
	Tier  int
	Match Guard
}

// Ruleset is the validated, immutable rule table for one cycle.
type Ruleset struct {
	byRole       map[string][]Rule
	byPermission map[string][]Rule
	tiers        []TierRule
}

// NewRuleset validates and indexes the rule tables. Contradictory
// configuration is fatal here, at load time, never during a run.
func NewRuleset(rules []Rule, tiers []TierRule) (*Ruleset, error) {
	rs := &Ruleset{
		byRole:       make(map[string][]Rule),
		byPermission: make(map[string][]Rule),
		tiers:        append([]TierRule(nil), tiers...),
	}

	ids := make(map[string]bool, len(rules))
	// selector+capability -> severity, for contradiction detection.
	sevByMapping := make(map[string]fact.Severity)

	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("capability rule without id")
		}
		if ids[r.ID] {
			return nil, fmt.Errorf("duplicate capability rule id %q", r.ID)
		}
		ids[r.ID] = true

		if (r.Role == "") == (r.Permission == "") {
			return nil, fmt.Errorf("rule %s: exactly one of role or permission must be set", r.ID)
		}
		if r.Capability == "" {
			return nil, fmt.Errorf("rule %s: missing capability", r.ID)
		}
		if r.Severity == fact.SeverityNone {
			return nil, fmt.Errorf("rule %s: missing severity", r.ID)
		}

		var mapping string
		if r.Role != "" {
			mapping = "role:" + r.Role + ">" + r.Capability
			rs.byRole[r.Role] = append(rs.byRole[r.Role], r)
		} else {
			mapping = "perm:" + r.Permission + ">" + r.Capability
			rs.byPermission[r.Permission] = append(rs.byPermission[r.Permission], r)
		}
		if prev, ok := sevByMapping[mapping]; ok && prev != r.Severity {
			return nil, fmt.Errorf("contradictory rules for %s: severity %s vs %s",
				mapping, prev, r.Severity)
		}
		sevByMapping[mapping] = r.Severity
	}

	for i, t := range rs.tiers {
		if t.Tier < 0 {
			return nil, fmt.Errorf("tier rule %d: negative tier", i)
		}
	}
	return rs, nil
}

// RulesFor returns the rules matching one physical edge kind and qualifier.
func (rs *Ruleset) RulesFor(kind fact.EdgeKind, qualifier string) []Rule {
	switch kind {
	case fact.EdgeHoldsRole:
		return rs.byRole[qualifier]
	case fact.EdgeHasPermission:
		return rs.byPermission[qualifier]
	default:
		return nil
	}
}

// TierRules returns the tier table in declaration order.
func (rs *Ruleset) TierRules() []TierRule { return rs.tiers }
