// Package config loads and validates the rule file: comparison-field
// subsets, capability rules, tier rules and traversal templates. Invalid
// configuration is fatal at load time; a running cycle never sees a
// half-validated rule table.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perimetra/perimetra/pkg/delta"
	"github.com/perimetra/perimetra/pkg/derive"
	"github.com/perimetra/perimetra/pkg/fact"
	"github.com/perimetra/perimetra/pkg/traverse"
)

// File is the on-disk YAML schema.
type File struct {
	Compare struct {
		VertexFields map[string][]string `yaml:"vertexFields"`
		EdgeFields   map[string][]string `yaml:"edgeFields"`
	} `yaml:"compare"`
	Capabilities []CapabilitySpec `yaml:"capabilities"`
	Tiers        []TierSpec       `yaml:"tiers"`
	Traversals   []TraversalSpec  `yaml:"traversals"`
}

// CapabilitySpec is one capability rule before compilation.
type CapabilitySpec struct {
	ID         string `yaml:"id"`
	Role       string `yaml:"role,omitempty"`
	Permission string `yaml:"permission,omitempty"`
	Capability string `yaml:"capability"`
	Severity   string `yaml:"severity"`
	Guard      string `yaml:"guard,omitempty"` // CEL over {qualifier, source, target, props}
}

// TierSpec is one tier classification rule before compilation.
type TierSpec struct {
	Kind  string `yaml:"kind,omitempty"` // empty matches every kind
	Tier  int    `yaml:"tier"`
	Match string `yaml:"match,omitempty"` // CEL over {id, kind, displayName, attrs}
}

// TraversalSpec is one traversal template before compilation.
type TraversalSpec struct {
	Name           string   `yaml:"name"`
	Source         string   `yaml:"source,omitempty"` // CEL over node vars; empty means any
	Target         string   `yaml:"target"`
	MaxDepth       int      `yaml:"maxDepth"`
	MaxResults     int      `yaml:"maxResults"`
	VisitBudget    int      `yaml:"visitBudget,omitempty"`
	TimeoutSeconds int      `yaml:"timeoutSeconds,omitempty"`
	Rank           []string `yaml:"rank,omitempty"`
}

// Config is the compiled, validated runtime configuration.
type Config struct {
	Compare   delta.CompareConfig
	Rules     *derive.Ruleset
	Templates []traverse.Template
}

// Template returns a compiled traversal template by name.
func (c *Config) Template(name string) (traverse.Template, bool) {
	for _, t := range c.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return traverse.Template{}, false
}

// Load reads, parses and compiles one rule file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg, err := Compile(&f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Compile validates the parsed file and compiles every CEL expression.
func Compile(f *File) (*Config, error) {
	cmp, err := compileCompare(f)
	if err != nil {
		return nil, err
	}

	genv, err := grantEnv()
	if err != nil {
		return nil, err
	}
	venv, err := vertexEnv()
	if err != nil {
		return nil, err
	}
	nenv, err := nodeEnv()
	if err != nil {
		return nil, err
	}

	rules := make([]derive.Rule, 0, len(f.Capabilities))
	for _, spec := range f.Capabilities {
		sev, err := fact.ParseSeverity(spec.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", spec.ID, err)
		}
		r := derive.Rule{
			ID:         spec.ID,
			Role:       spec.Role,
			Permission: spec.Permission,
			Capability: spec.Capability,
			Severity:   sev,
		}
		if spec.Guard != "" {
			r.Guard, err = compileGuard(genv, spec.Guard)
			if err != nil {
				return nil, fmt.Errorf("rule %s: guard: %w", spec.ID, err)
			}
		}
		rules = append(rules, r)
	}

	tiers := make([]derive.TierRule, 0, len(f.Tiers))
	for i, spec := range f.Tiers {
		t := derive.TierRule{Kind: fact.VertexKind(spec.Kind), Tier: spec.Tier}
		if spec.Kind != "" && !knownVertexKind(spec.Kind) {
			return nil, fmt.Errorf("tier rule %d: unknown vertex kind %q", i, spec.Kind)
		}
		if spec.Match != "" {
			var err error
			t.Match, err = compileGuard(venv, spec.Match)
			if err != nil {
				return nil, fmt.Errorf("tier rule %d: match: %w", i, err)
			}
		}
		tiers = append(tiers, t)
	}

	rs, err := derive.NewRuleset(rules, tiers)
	if err != nil {
		return nil, err
	}

	templates := make([]traverse.Template, 0, len(f.Traversals))
	names := make(map[string]bool, len(f.Traversals))
	for _, spec := range f.Traversals {
		if names[spec.Name] {
			return nil, fmt.Errorf("duplicate traversal template %q", spec.Name)
		}
		names[spec.Name] = true

		t := traverse.Template{
			Name:        spec.Name,
			MaxDepth:    spec.MaxDepth,
			MaxResults:  spec.MaxResults,
			VisitBudget: spec.VisitBudget,
			Timeout:     time.Duration(spec.TimeoutSeconds) * time.Second,
		}
		for _, k := range spec.Rank {
			t.Rank = append(t.Rank, traverse.RankKey(k))
		}
		if spec.Source != "" {
			t.Source, err = compilePredicate(nenv, spec.Source)
			if err != nil {
				return nil, fmt.Errorf("traversal %s: source: %w", spec.Name, err)
			}
		}
		if spec.Target == "" {
			return nil, fmt.Errorf("traversal %s: missing target expression", spec.Name)
		}
		t.Target, err = compilePredicate(nenv, spec.Target)
		if err != nil {
			return nil, fmt.Errorf("traversal %s: target: %w", spec.Name, err)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}

	return &Config{Compare: cmp, Rules: rs, Templates: templates}, nil
}

func compileCompare(f *File) (delta.CompareConfig, error) {
	cmp := delta.CompareConfig{}
	if len(f.Compare.VertexFields) > 0 {
		cmp.VertexFields = make(map[fact.VertexKind][]string, len(f.Compare.VertexFields))
		for kind, fields := range f.Compare.VertexFields {
			if !knownVertexKind(kind) {
				return cmp, fmt.Errorf("compare: unknown vertex kind %q", kind)
			}
			cmp.VertexFields[fact.VertexKind(kind)] = fields
		}
	}
	if len(f.Compare.EdgeFields) > 0 {
		cmp.EdgeFields = make(map[fact.EdgeKind][]string, len(f.Compare.EdgeFields))
		for kind, fields := range f.Compare.EdgeFields {
			if !knownEdgeKind(kind) {
				return cmp, fmt.Errorf("compare: unknown edge kind %q", kind)
			}
			cmp.EdgeFields[fact.EdgeKind(kind)] = fields
		}
	}
	return cmp, nil
}

func knownVertexKind(s string) bool {
	for _, k := range fact.VertexKinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}

func knownEdgeKind(s string) bool {
	for _, k := range fact.EdgeKinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}
