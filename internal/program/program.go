// Package program defines the compiled artifact the execution engine
// interprets: a flat instruction stream, a constant pool, and a result
// schema, content-addressed by a hash of its canonical encoding.
//
// A Program is immutable once sealed. Jumps reference absolute instruction
// indices; nothing in the artifact refers back to the source graph except
// its version metadata.
package program

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// ArtifactVersion is the artifact format / compiler version stamped into
// every Program. A runtime refuses to execute a program carrying a version
// it does not recognize, failing closed instead of guessing semantics.
const ArtifactVersion = 1

// Op is the instruction opcode.
type Op string

const (
	OpPush         Op = "push"           // push constant pool entry
	OpPop          Op = "pop"            // discard top of stack
	OpJump         Op = "jump"           // unconditional jump to Target
	OpJumpIfFalse  Op = "jump_if_false"  // pop; jump to Target unless true
	OpBinary       Op = "binary"         // pop rhs, pop lhs, push lhs <BinOp> rhs
	OpUnary        Op = "unary"          // pop, push <UnOp> value
	OpAttr         Op = "attr"           // pop object, push its Attr attribute
	OpRandom       Op = "random"         // pop max, pop min, push uniform int in [min,max]
	OpStoreVar     Op = "store_var"      // pop into variable Var with Scope
	OpLoadVar      Op = "load_var"       // push variable Var (null when unset)
	OpCallHardware Op = "call_hardware"  // dispatch Action on Resource with Args
	OpWaitForEvent Op = "wait_for_event" // suspend until Event or timeout
	OpBeginTrial   Op = "begin_trial"    // next trial: bump counter, reset trial vars
	OpRecordResult Op = "record_result"  // assemble Fields into a result record
	OpHalt         Op = "halt"           // terminate the session successfully
)

// BinOp names the operator of an OpBinary instruction.
type BinOp string

const (
	BinAdd BinOp = "add"
	BinSub BinOp = "sub"
	BinMul BinOp = "mul"
	BinDiv BinOp = "div"
	BinMod BinOp = "mod"
	BinEq  BinOp = "eq"
	BinNeq BinOp = "neq"
	BinLt  BinOp = "lt"
	BinLte BinOp = "lte"
	BinGt  BinOp = "gt"
	BinGte BinOp = "gte"
	BinAnd BinOp = "and"
	BinOr  BinOp = "or"
)

// UnOp names the operator of an OpUnary instruction.
type UnOp string

const (
	UnNot UnOp = "not"
	UnNeg UnOp = "neg"
)

// VarScope controls when a variable binding is cleared.
type VarScope string

const (
	// ScopeGlobal bindings persist for the whole session.
	ScopeGlobal VarScope = "global"
	// ScopeTrial bindings are cleared at every trial boundary.
	ScopeTrial VarScope = "trial"
)

// TimeoutPolicy decides what an expired wait means.
type TimeoutPolicy string

const (
	// TimeoutOutcome records the timeout as a legitimate result and
	// continues: the wait pushes false instead of true.
	TimeoutOutcome TimeoutPolicy = "outcome"
	// TimeoutFatal fails the session.
	TimeoutFatal TimeoutPolicy = "fatal"
)

// EventTimer is the reserved event kind for pure timer waits. A wait on it
// puts the session into the timer-waiting state and is resumed by the
// clock, not by hardware.
const EventTimer = "timer"

// ArgRef names one hardware action argument and where its value comes from:
// a constant pool index or a session variable.
type ArgRef struct {
	Name  string `json:"name"`
	Const int    `json:"const"`
	Var   string `json:"var,omitempty"`
}

// FieldRef names one result record field and the variable supplying it.
type FieldRef struct {
	Name string `json:"name"`
	Var  string `json:"var"`
}

// Instruction is one position-addressed step of a program. Only the fields
// relevant to Op are populated.
type Instruction struct {
	Op Op `json:"op"`

	Const  int    `json:"const"`
	Target int    `json:"target"`
	BinOp  BinOp  `json:"bin_op,omitempty"`
	UnOp   UnOp   `json:"un_op,omitempty"`
	Attr   string `json:"attr,omitempty"`

	Var   string   `json:"var,omitempty"`
	Scope VarScope `json:"scope,omitempty"`

	Action   string   `json:"action,omitempty"`
	Resource string   `json:"resource,omitempty"`
	Args     []ArgRef `json:"args,omitempty"`

	Event     string        `json:"event,omitempty"`
	TimeoutMS int64         `json:"timeout_ms,omitempty"`
	Policy    TimeoutPolicy `json:"policy,omitempty"`

	Fields []FieldRef `json:"fields,omitempty"`
}

// Program is the compiled artifact.
type Program struct {
	GraphName       string            `json:"graph_name"`
	GraphVersion    string            `json:"graph_version"`
	ArtifactVersion int               `json:"artifact_version"`
	Entry           int               `json:"entry"`
	Instructions    []Instruction     `json:"instructions"`
	Constants       []Constant        `json:"constants"`
	ResultSchema    map[string]string `json:"result_schema"`
	Hash            string            `json:"hash"`

	sealed bool
}

// ErrNotSealed is returned when an unsealed program is encoded or executed.
var ErrNotSealed = errors.New("program is not sealed")

// Sealed reports whether the program carries its content hash.
func (p *Program) Sealed() bool { return p.sealed }

// Constant looks up a constant pool entry, returning cty.NilVal for an
// out-of-range index.
func (p *Program) Constant(i int) cty.Value {
	if i < 0 || i >= len(p.Constants) {
		return cty.NilVal
	}
	return p.Constants[i].Value
}

// ID returns the content identifier of a sealed program.
func (p *Program) ID() string { return p.Hash }

// Disassemble renders the instruction stream for debugging and golden
// tests. The output is stable but not part of the artifact contract.
func (p *Program) Disassemble() string {
	var b strings.Builder
	for i, ins := range p.Instructions {
		fmt.Fprintf(&b, "%04d %s", i, ins.Op)
		switch ins.Op {
		case OpPush:
			fmt.Fprintf(&b, " #%d (%s)", ins.Const, valueString(p.Constant(ins.Const)))
		case OpJump, OpJumpIfFalse:
			fmt.Fprintf(&b, " -> %04d", ins.Target)
		case OpBinary:
			fmt.Fprintf(&b, " %s", ins.BinOp)
		case OpUnary:
			fmt.Fprintf(&b, " %s", ins.UnOp)
		case OpAttr:
			fmt.Fprintf(&b, " .%s", ins.Attr)
		case OpStoreVar, OpLoadVar:
			fmt.Fprintf(&b, " %s", ins.Var)
			if ins.Scope != "" {
				fmt.Fprintf(&b, " (%s)", ins.Scope)
			}
		case OpCallHardware:
			fmt.Fprintf(&b, " %s@%s", ins.Action, ins.Resource)
		case OpWaitForEvent:
			fmt.Fprintf(&b, " %s timeout=%dms policy=%s", ins.Event, ins.TimeoutMS, ins.Policy)
		case OpRecordResult:
			names := make([]string, len(ins.Fields))
			for fi, f := range ins.Fields {
				names[fi] = f.Name
			}
			fmt.Fprintf(&b, " {%s}", strings.Join(names, ","))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func valueString(v cty.Value) string {
	if v == cty.NilVal || v.IsNull() {
		return "null"
	}
	switch v.Type() {
	case cty.String:
		return fmt.Sprintf("%q", v.AsString())
	case cty.Number:
		return v.AsBigFloat().Text('g', -1)
	case cty.Bool:
		return fmt.Sprintf("%t", v.True())
	default:
		return v.Type().FriendlyName()
	}
}
