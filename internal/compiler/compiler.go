// Package compiler lowers a validated task graph into a linear, versioned
// instruction sequence. Compilation is pure: no I/O, no shared state, and
// identical input always produces a byte-identical sealed program.
//
// The pipeline runs in stages: lowering (depth-first linearization plus
// per-kind instruction emission, with static parameter expressions folded
// into the constant pool), dead-code elimination (transitions into nodes
// that cannot reach an End land on a shared trap), jump resolution
// (symbolic labels to absolute indices), and sealing (content hash).
package compiler

import (
	"errors"
	"fmt"

	"github.com/protolab/trialgrid/internal/program"
	"github.com/protolab/trialgrid/internal/validate"
)

// ErrInternal marks a compiler bug: a condition the validator's contract
// says cannot happen on an accepted graph, such as an unresolved jump
// label. It is never a user error.
var ErrInternal = errors.New("internal compiler error")

// Error is a compile failure tied to a graph element.
type Error struct {
	NodeID  string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("compile: node %q: %s", e.NodeID, e.Message)
	}
	return fmt.Sprintf("compile: %s", e.Message)
}

// Compile lowers a validated graph to a sealed program. Accepting only
// *validate.Validated enforces check-then-compile at the type level.
func Compile(v *validate.Validated) (*program.Program, error) {
	e := newEmitter(v)
	if err := e.lower(); err != nil {
		return nil, err
	}
	if err := e.resolveJumps(); err != nil {
		return nil, err
	}

	g := v.Graph()
	p := &program.Program{
		GraphName:    g.Meta.Name,
		GraphVersion: g.Meta.Version,
		Entry:        0,
		Instructions: e.ins,
		Constants:    e.consts,
		ResultSchema: e.schema,
	}
	if err := p.Seal(); err != nil {
		return nil, err
	}
	return p, nil
}
