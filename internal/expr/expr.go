// Package expr parses and evaluates the expression language used by edge
// conditions and expression-valued parameters. Expressions are HCL native
// syntax evaluated against cty values, the same machinery the station
// configuration uses.
package expr

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// functions is the closed set of functions available inside expressions.
var functions = map[string]function.Function{
	"min":   stdlib.MinFunc,
	"max":   stdlib.MaxFunc,
	"abs":   stdlib.AbsoluteFunc,
	"floor": stdlib.FloorFunc,
	"ceil":  stdlib.CeilFunc,
}

// Parse compiles expression source into a syntax tree.
func Parse(src string) (hclsyntax.Expression, error) {
	e, diags := hclsyntax.ParseExpression([]byte(src), "<expr>", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing expression %q: %s", src, diags.Error())
	}
	return e, nil
}

// IsStatic reports whether the expression references no variables, meaning
// it can be evaluated at compile time.
func IsStatic(e hclsyntax.Expression) bool {
	return len(e.Variables()) == 0
}

// Variables returns the root names of all variables the expression reads.
func Variables(e hclsyntax.Expression) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, tr := range e.Variables() {
		name := tr.RootName()
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Eval evaluates a parsed expression against the given variable scope.
func Eval(e hclsyntax.Expression, vars map[string]cty.Value) (cty.Value, error) {
	ectx := &hcl.EvalContext{
		Variables: vars,
		Functions: functions,
	}
	v, diags := e.Value(ectx)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("evaluating expression: %s", diags.Error())
	}
	if !v.IsWhollyKnown() {
		return cty.NilVal, fmt.Errorf("expression result is not fully known")
	}
	return v, nil
}

// EvalString parses and evaluates in one step. Convenience for callers that
// hold only source text.
func EvalString(src string, vars map[string]cty.Value) (cty.Value, error) {
	e, err := Parse(src)
	if err != nil {
		return cty.NilVal, err
	}
	return Eval(e, vars)
}
