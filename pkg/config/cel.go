package config

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/perimetra/perimetra/pkg/derive"
	"github.com/perimetra/perimetra/pkg/graph"
	"github.com/perimetra/perimetra/pkg/traverse"
)

// grantEnv evaluates capability guards against one physical grant edge.
func grantEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Declarations(
			decls.NewVar("qualifier", decls.String),
			decls.NewVar("source", decls.String),
			decls.NewVar("target", decls.String),
			decls.NewVar("props", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
}

// vertexEnv evaluates tier rules against one vertex.
func vertexEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Declarations(
			decls.NewVar("id", decls.String),
			decls.NewVar("kind", decls.String),
			decls.NewVar("displayName", decls.String),
			decls.NewVar("attrs", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
}

// nodeEnv evaluates traversal endpoint predicates against one graph node.
func nodeEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Declarations(
			decls.NewVar("key", decls.String),
			decls.NewVar("kind", decls.String),
			decls.NewVar("displayName", decls.String),
			decls.NewVar("tier", decls.Int),
			decls.NewVar("props", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
}

func compileProgram(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return prg, nil
}

// compileGuard turns a CEL expression into a derive.Guard. A non-boolean
// result is an evaluation error, not a match.
func compileGuard(env *cel.Env, expr string) (derive.Guard, error) {
	prg, err := compileProgram(env, expr)
	if err != nil {
		return nil, err
	}
	return func(vars map[string]any) (bool, error) {
		out, _, err := prg.Eval(vars)
		if err != nil {
			return false, err
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
		}
		return b, nil
	}, nil
}

// compilePredicate turns a CEL expression into a node predicate for
// traversal templates. Evaluation errors count as no match.
func compilePredicate(env *cel.Env, expr string) (traverse.Predicate, error) {
	prg, err := compileProgram(env, expr)
	if err != nil {
		return nil, err
	}
	return func(n *graph.Node) bool {
		props := n.Props
		if props == nil {
			props = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"key":         n.Key,
			"kind":        n.Kind,
			"displayName": n.DisplayName,
			"tier":        int64(n.Tier),
			"props":       props,
		})
		if err != nil {
			return false
		}
		b, _ := out.Value().(bool)
		return b
	}, nil
}
