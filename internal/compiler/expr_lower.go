package compiler

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/protolab/trialgrid/internal/expr"
	"github.com/protolab/trialgrid/internal/program"
)

// binOps maps HCL operators to the interpreter's binary opcodes.
var binOps = map[*hclsyntax.Operation]program.BinOp{
	hclsyntax.OpAdd:                program.BinAdd,
	hclsyntax.OpSubtract:           program.BinSub,
	hclsyntax.OpMultiply:           program.BinMul,
	hclsyntax.OpDivide:             program.BinDiv,
	hclsyntax.OpModulo:             program.BinMod,
	hclsyntax.OpEqual:              program.BinEq,
	hclsyntax.OpNotEqual:           program.BinNeq,
	hclsyntax.OpLessThan:           program.BinLt,
	hclsyntax.OpLessThanOrEqual:    program.BinLte,
	hclsyntax.OpGreaterThan:        program.BinGt,
	hclsyntax.OpGreaterThanOrEqual: program.BinGte,
	hclsyntax.OpLogicalAnd:         program.BinAnd,
	hclsyntax.OpLogicalOr:          program.BinOr,
}

// lowerExprSrc compiles condition source to stack code. Expressions with no
// variable references are folded to a single constant push instead.
func (e *emitter) lowerExprSrc(nodeID, src string) error {
	parsed, err := expr.Parse(src)
	if err != nil {
		return &Error{NodeID: nodeID, Message: fmt.Sprintf("%s: %v", ErrInternal, err)}
	}
	if expr.IsStatic(parsed) {
		v, err := expr.Eval(parsed, nil)
		if err != nil {
			return &Error{NodeID: nodeID, Message: fmt.Sprintf("folding condition: %v", err)}
		}
		e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(v)})
		return nil
	}
	return e.lowerExpr(nodeID, parsed)
}

// lowerExpr emits stack code for the supported expression forms: literals,
// variable/attribute traversals, parentheses, and unary/binary operators.
// Anything else (function calls, indexing, templates with interpolation) is
// only usable in static expressions, where folding handles it.
func (e *emitter) lowerExpr(nodeID string, x hclsyntax.Expression) error {
	switch t := x.(type) {
	case *hclsyntax.LiteralValueExpr:
		e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(t.Val)})
		return nil

	case *hclsyntax.TemplateExpr:
		if t.IsStringLiteral() {
			v, _ := t.Value(nil)
			e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(v)})
			return nil
		}
		return &Error{NodeID: nodeID, Message: "string interpolation is not supported in conditions"}

	case *hclsyntax.ParenthesesExpr:
		return e.lowerExpr(nodeID, t.Expression)

	case *hclsyntax.ScopeTraversalExpr:
		e.emit(program.Instruction{Op: program.OpLoadVar, Var: t.Traversal.RootName()})
		for _, step := range t.Traversal[1:] {
			attr, ok := step.(hcl.TraverseAttr)
			if !ok {
				return &Error{NodeID: nodeID, Message: "only attribute access is supported in condition traversals"}
			}
			e.emit(program.Instruction{Op: program.OpAttr, Attr: attr.Name})
		}
		return nil

	case *hclsyntax.UnaryOpExpr:
		if err := e.lowerExpr(nodeID, t.Val); err != nil {
			return err
		}
		switch t.Op {
		case hclsyntax.OpLogicalNot:
			e.emit(program.Instruction{Op: program.OpUnary, UnOp: program.UnNot})
		case hclsyntax.OpNegate:
			e.emit(program.Instruction{Op: program.OpUnary, UnOp: program.UnNeg})
		default:
			return &Error{NodeID: nodeID, Message: "unsupported unary operator in condition"}
		}
		return nil

	case *hclsyntax.BinaryOpExpr:
		if err := e.lowerExpr(nodeID, t.LHS); err != nil {
			return err
		}
		if err := e.lowerExpr(nodeID, t.RHS); err != nil {
			return err
		}
		op, ok := binOps[t.Op]
		if !ok {
			return &Error{NodeID: nodeID, Message: "unsupported binary operator in condition"}
		}
		e.emit(program.Instruction{Op: program.OpBinary, BinOp: op})
		return nil
	}
	return &Error{NodeID: nodeID, Message: fmt.Sprintf("unsupported condition expression %T", x)}
}
