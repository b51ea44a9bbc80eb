package compiler

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/protolab/trialgrid/internal/expr"
	"github.com/protolab/trialgrid/internal/graph"
	"github.com/protolab/trialgrid/internal/program"
	"github.com/protolab/trialgrid/internal/validate"
)

// Well-known hardware actions and session variables produced by lowering.
const (
	actionDisplayStimulus = "display_stimulus"
	actionDispenseReward  = "dispense_reward"

	varStimulusSize = "stimulus_size"
	varResponse     = "response"
	varResponded    = "responded"
)

// parallelCtx tracks one Parallel lowering in progress: transfers that reach
// the join node jump to the next branch instead of the join itself, which
// serializes the branches deterministically.
type parallelCtx struct {
	join int
	next int
}

type emitter struct {
	v *validate.Validated
	g *graph.TaskGraph

	ins        []program.Instruction
	labels     []int
	consts     []program.Constant
	constIndex map[string]int
	emitted    map[int]int
	pending    map[int]int
	schema     map[string]string
	fieldTypes map[string]string
	parallels  []parallelCtx
	headers    map[int][]int
	postInit   map[int]int
	trap       int
}

func newEmitter(v *validate.Validated) *emitter {
	g := v.Graph()
	e := &emitter{
		v:          v,
		g:          g,
		constIndex: make(map[string]int),
		emitted:    make(map[int]int),
		pending:    make(map[int]int),
		schema:     make(map[string]string),
		fieldTypes: map[string]string{
			varStimulusSize: "number",
			varResponse:     "any",
			varResponded:    "bool",
		},
		headers:  make(map[int][]int),
		postInit: make(map[int]int),
		trap:     -1,
	}
	for name, val := range g.Variables {
		e.fieldTypes[name] = typeName(val.Type())
	}
	for ei := range g.Edges {
		if v.IsBackEdge(ei) {
			edge := &g.Edges[ei]
			e.headers[edge.TargetIndex()] = append(e.headers[edge.TargetIndex()], edge.SourceIndex())
		}
	}
	return e
}

// lower drives the whole emission: a preamble installing graph variables as
// global bindings, then a depth-first walk from Start, then the shared trap
// for transitions eliminated as dead code.
func (e *emitter) lower() error {
	names := make([]string, 0, len(e.g.Variables))
	for name := range e.g.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(e.g.Variables[name])})
		e.emit(program.Instruction{Op: program.OpStoreVar, Var: name, Scope: program.ScopeGlobal})
	}

	if err := e.emitNode(e.v.StartIndex()); err != nil {
		return err
	}

	if e.trap != -1 {
		e.bind(e.trap)
		e.emit(program.Instruction{Op: program.OpHalt})
	}
	return nil
}

func (e *emitter) emit(ins program.Instruction) {
	e.ins = append(e.ins, ins)
}

func (e *emitter) newLabel() int {
	e.labels = append(e.labels, -1)
	return len(e.labels) - 1
}

func (e *emitter) bind(label int) {
	e.labels[label] = len(e.ins)
}

// trapLabel lazily allocates the shared Halt that dead-code transitions
// jump to.
func (e *emitter) trapLabel() int {
	if e.trap == -1 {
		e.trap = e.newLabel()
	}
	return e.trap
}

// labelRef returns a label for a node that may not be emitted yet. Nodes
// flagged as dead code are never emitted; references to them resolve to the
// trap instead (the lossy half of dead-code elimination).
func (e *emitter) labelRef(n int) int {
	if e.v.IsDead(n) {
		return e.trapLabel()
	}
	if lbl, ok := e.emitted[n]; ok {
		return lbl
	}
	if lbl, ok := e.pending[n]; ok {
		return lbl
	}
	lbl := e.newLabel()
	e.pending[n] = lbl
	return lbl
}

// transfer emits the control handoff to a successor node: a jump to the
// enclosing Parallel continuation, to the trap, to an already-emitted
// label, or inline emission (fall-through) for a fresh node.
func (e *emitter) transfer(target int) error {
	for i := len(e.parallels) - 1; i >= 0; i-- {
		if e.parallels[i].join == target {
			e.emit(program.Instruction{Op: program.OpJump, Target: e.parallels[i].next})
			return nil
		}
	}
	if e.v.IsDead(target) {
		e.emit(program.Instruction{Op: program.OpJump, Target: e.trapLabel()})
		return nil
	}
	if lbl, ok := e.emitted[target]; ok {
		e.emit(program.Instruction{Op: program.OpJump, Target: lbl})
		return nil
	}
	return e.emitNode(target)
}

// emitNode lowers one node: its entry label, counter initializers for any
// loop headed here, its body, and its control transfer.
func (e *emitter) emitNode(n int) error {
	lbl, deferred := e.pending[n]
	if deferred {
		delete(e.pending, n)
	} else {
		lbl = e.newLabel()
	}
	e.bind(lbl)
	e.emitted[n] = lbl

	// Counter initializers sit inside the entry label so every way into the
	// header, fall-through or jump, zeroes the counters. Back-jumps target
	// the post-init label instead, keeping the count across iterations.
	if loops := e.headers[n]; len(loops) > 0 {
		for _, loop := range loops {
			e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(cty.NumberIntVal(0))})
			e.emit(program.Instruction{Op: program.OpStoreVar, Var: counterVar(e.g.Nodes[loop].ID), Scope: program.ScopeGlobal})
		}
		post := e.newLabel()
		e.bind(post)
		e.postInit[n] = post
	}

	node := &e.g.Nodes[n]
	if err := e.emitBody(n, node); err != nil {
		return err
	}
	return e.emitControl(n, node)
}

// emitBody emits a node kind's fixed instruction template. The switch is
// exhaustive over graph.Kinds; control-only kinds have no body.
func (e *emitter) emitBody(n int, node *graph.Node) error {
	switch node.Kind {
	case graph.KindStart, graph.KindEnd, graph.KindDecision, graph.KindLoop, graph.KindParallel:
		return nil

	case graph.KindStimulusDisplay:
		return e.emitStimulusDisplay(node)

	case graph.KindResponseCollection:
		timeout, err := e.numberParam(node, "timeout_ms")
		if err != nil {
			return err
		}
		event, err := e.stringParam(node, "event", "touch_input")
		if err != nil {
			return err
		}
		e.emit(program.Instruction{
			Op:        program.OpWaitForEvent,
			Event:     event,
			TimeoutMS: timeout,
			Policy:    program.TimeoutOutcome,
			Var:       varResponse,
		})
		e.emit(program.Instruction{Op: program.OpStoreVar, Var: varResponded, Scope: program.ScopeTrial})
		return nil

	case graph.KindRewardDelivery:
		amount, ok, err := e.foldParam(node, "amount")
		if err != nil || !ok {
			return e.missing(node, "amount", err)
		}
		feeder, err := e.stringParam(node, "feeder", graph.DefaultFeederResource)
		if err != nil {
			return err
		}
		e.emit(program.Instruction{
			Op:       program.OpCallHardware,
			Action:   actionDispenseReward,
			Resource: feeder,
			Args:     []program.ArgRef{{Name: "amount", Const: e.constRef(amount)}},
		})
		return nil

	case graph.KindDelay:
		ms, err := e.numberParam(node, "duration_ms")
		if err != nil {
			return err
		}
		e.emit(program.Instruction{Op: program.OpWaitForEvent, Event: program.EventTimer, TimeoutMS: ms})
		return nil

	case graph.KindDataCollect:
		fields, ok, err := e.foldParam(node, "fields")
		if err != nil || !ok {
			return e.missing(node, "fields", err)
		}
		var refs []program.FieldRef
		for it := fields.ElementIterator(); it.Next(); {
			_, fv := it.Element()
			name := fv.AsString()
			refs = append(refs, program.FieldRef{Name: name, Var: name})
			ty := e.fieldTypes[name]
			if ty == "" {
				ty = "any"
			}
			e.schema[name] = ty
		}
		e.emit(program.Instruction{Op: program.OpRecordResult, Fields: refs})
		return nil
	}
	return &Error{NodeID: node.ID, Message: fmt.Sprintf("no lowering for node kind %q", node.Kind)}
}

func (e *emitter) emitStimulusDisplay(node *graph.Node) error {
	stimulus, ok, err := e.foldParam(node, "stimulus")
	if err != nil || !ok {
		return e.missing(node, "stimulus", err)
	}
	screen, err := e.stringParam(node, "screen", graph.DefaultScreenResource)
	if err != nil {
		return err
	}

	args := []program.ArgRef{{Name: "stimulus", Const: e.constRef(stimulus)}}

	sizeMin, hasMin, err := e.foldParam(node, "size_min")
	if err != nil {
		return err
	}
	if hasMin {
		sizeMax, hasMax, err := e.foldParam(node, "size_max")
		if err != nil {
			return err
		}
		if !hasMax {
			return e.missing(node, "size_max", nil)
		}
		e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(sizeMin)})
		e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(sizeMax)})
		e.emit(program.Instruction{Op: program.OpRandom})
		e.emit(program.Instruction{Op: program.OpStoreVar, Var: varStimulusSize, Scope: program.ScopeTrial})
		args = append(args, program.ArgRef{Name: "size", Const: -1, Var: varStimulusSize})
	} else if size, hasSize, err := e.foldParam(node, "size"); err != nil {
		return err
	} else if hasSize {
		args = append(args, program.ArgRef{Name: "size", Const: e.constRef(size)})
	}

	e.emit(program.Instruction{
		Op:       program.OpCallHardware,
		Action:   actionDisplayStimulus,
		Resource: screen,
		Args:     args,
	})

	if duration, hasDuration, err := e.foldParam(node, "duration_ms"); err != nil {
		return err
	} else if hasDuration {
		ms, _ := duration.AsBigFloat().Int64()
		if ms > 0 {
			e.emit(program.Instruction{Op: program.OpWaitForEvent, Event: program.EventTimer, TimeoutMS: ms})
		}
	}
	return nil
}

// emitControl emits the transition out of a node.
func (e *emitter) emitControl(n int, node *graph.Node) error {
	switch node.Kind {
	case graph.KindEnd:
		e.emit(program.Instruction{Op: program.OpHalt})
		return nil
	case graph.KindDecision:
		return e.emitDecision(n)
	case graph.KindLoop:
		return e.emitLoop(n, node)
	case graph.KindParallel:
		return e.emitParallel(n)
	default:
		out := e.g.FlowOut(n)
		if len(out) != 1 {
			return &Error{NodeID: node.ID, Message: fmt.Sprintf("%s: expected one successor, found %d", ErrInternal, len(out))}
		}
		return e.transfer(e.g.Edges[out[0]].TargetIndex())
	}
}

// emitDecision lowers a Decision node's conditional out-edges into a
// check-and-jump chain in edge declaration order, with the unconditional
// edge (if any) as the final fallthrough.
func (e *emitter) emitDecision(n int) error {
	var conditional []int
	defaultTarget := -1
	for _, ei := range e.g.FlowOut(n) {
		if e.g.Edges[ei].Condition == "" {
			defaultTarget = e.g.Edges[ei].TargetIndex()
		} else {
			conditional = append(conditional, ei)
		}
	}

	for _, ei := range conditional {
		edge := &e.g.Edges[ei]
		if err := e.lowerExprSrc(edge.Source, edge.Condition); err != nil {
			return err
		}
		skip := e.newLabel()
		e.emit(program.Instruction{Op: program.OpJumpIfFalse, Target: skip})
		e.emit(program.Instruction{Op: program.OpJump, Target: e.branchLabel(edge.TargetIndex())})
		e.bind(skip)
	}

	if defaultTarget >= 0 {
		if err := e.transfer(defaultTarget); err != nil {
			return err
		}
	} else {
		// Every condition false and no default branch: the trial cannot
		// proceed, so the session halts.
		e.emit(program.Instruction{Op: program.OpJump, Target: e.trapLabel()})
	}

	for _, ei := range conditional {
		t := e.g.Edges[ei].TargetIndex()
		if _, done := e.emitted[t]; done || e.v.IsDead(t) || e.isParallelJoin(t) {
			continue
		}
		if err := e.emitNode(t); err != nil {
			return err
		}
	}
	return nil
}

// branchLabel is labelRef with awareness of enclosing Parallel lowerings: a
// branch edge straight to the join jumps to the branch continuation.
func (e *emitter) branchLabel(target int) int {
	for i := len(e.parallels) - 1; i >= 0; i-- {
		if e.parallels[i].join == target {
			return e.parallels[i].next
		}
	}
	return e.labelRef(target)
}

func (e *emitter) isParallelJoin(target int) bool {
	for i := range e.parallels {
		if e.parallels[i].join == target {
			return true
		}
	}
	return false
}

// emitLoop lowers a Loop node to its counter/condition check and back-jump.
// Trial loops mark the boundary with BeginTrial before jumping back.
func (e *emitter) emitLoop(n int, node *graph.Node) error {
	var repeatTarget, exitTarget = -1, -1
	for _, ei := range e.g.FlowOut(n) {
		edge := &e.g.Edges[ei]
		if edge.SourcePort == "repeat" {
			repeatTarget = edge.TargetIndex()
		} else {
			exitTarget = edge.TargetIndex()
		}
	}
	if repeatTarget < 0 || exitTarget < 0 {
		return &Error{NodeID: node.ID, Message: ErrInternal.Error() + ": Loop node missing repeat or exit edge"}
	}

	newTrial := true
	if v, ok, err := e.foldParam(node, "new_trial"); err != nil {
		return err
	} else if ok {
		newTrial = v.True()
	}

	exit := e.newLabel()
	counter := counterVar(node.ID)

	if count, hasCount, err := e.foldParam(node, "count"); err != nil {
		return err
	} else if hasCount {
		e.emit(program.Instruction{Op: program.OpLoadVar, Var: counter})
		e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(cty.NumberIntVal(1))})
		e.emit(program.Instruction{Op: program.OpBinary, BinOp: program.BinAdd})
		e.emit(program.Instruction{Op: program.OpStoreVar, Var: counter, Scope: program.ScopeGlobal})
		e.emit(program.Instruction{Op: program.OpLoadVar, Var: counter})
		e.emit(program.Instruction{Op: program.OpPush, Const: e.constRef(count)})
		e.emit(program.Instruction{Op: program.OpBinary, BinOp: program.BinLt})
		e.emit(program.Instruction{Op: program.OpJumpIfFalse, Target: exit})
	} else {
		until, hasUntil := node.Exprs["until"]
		if !hasUntil {
			if v, ok := node.Params["until"]; ok && v.Type() == cty.String {
				until, hasUntil = v.AsString(), true
			}
		}
		if !hasUntil {
			return &Error{NodeID: node.ID, Message: ErrInternal.Error() + ": Loop node has neither count nor until"}
		}
		if err := e.lowerExprSrc(node.ID, until); err != nil {
			return err
		}
		e.emit(program.Instruction{Op: program.OpUnary, UnOp: program.UnNot})
		e.emit(program.Instruction{Op: program.OpJumpIfFalse, Target: exit})
	}

	if newTrial {
		e.emit(program.Instruction{Op: program.OpBeginTrial})
	}
	e.emit(program.Instruction{Op: program.OpJump, Target: e.repeatLabel(repeatTarget)})
	e.bind(exit)
	return e.transfer(exitTarget)
}

// repeatLabel is the back-jump target into a loop header: past the header's
// counter initializers, so iterating does not reset the counter.
func (e *emitter) repeatLabel(target int) int {
	if lbl, ok := e.postInit[target]; ok {
		return lbl
	}
	return e.labelRef(target)
}

// emitParallel serializes the branches of a Parallel node in declared port
// order; all branches run to the join before execution continues past it.
func (e *emitter) emitParallel(n int) error {
	out := e.g.FlowOut(n)
	if len(out) == 1 {
		return e.transfer(e.g.Edges[out[0]].TargetIndex())
	}
	join, ok := e.v.JoinOf(n)
	if !ok {
		return &Error{NodeID: e.g.Nodes[n].ID, Message: ErrInternal.Error() + ": Parallel node has no computed join"}
	}

	continuations := make([]int, len(out))
	for i := range out {
		continuations[i] = e.newLabel()
	}

	for i, ei := range out {
		if i > 0 {
			e.bind(continuations[i-1])
		}
		e.parallels = append(e.parallels, parallelCtx{join: join, next: continuations[i]})
		err := e.transfer(e.g.Edges[ei].TargetIndex())
		e.parallels = e.parallels[:len(e.parallels)-1]
		if err != nil {
			return err
		}
	}

	e.bind(continuations[len(continuations)-1])
	return e.transfer(join)
}

// resolveJumps rewrites symbolic label targets to absolute instruction
// indices. An unbound label here means the emitter has a bug; the validator
// guarantees every accepted graph lowers completely.
func (e *emitter) resolveJumps() error {
	for i := range e.ins {
		ins := &e.ins[i]
		if ins.Op != program.OpJump && ins.Op != program.OpJumpIfFalse {
			continue
		}
		if ins.Target < 0 || ins.Target >= len(e.labels) || e.labels[ins.Target] < 0 {
			return fmt.Errorf("%w: unresolved jump label %d at instruction %d", ErrInternal, ins.Target, i)
		}
		ins.Target = e.labels[ins.Target]
	}
	return nil
}

// constRef interns a value in the constant pool, deduplicating by the
// value's canonical JSON encoding.
func (e *emitter) constRef(v cty.Value) int {
	key := v.Type().FriendlyName()
	if enc, err := ctyjson.Marshal(v, v.Type()); err == nil {
		key += ":" + string(enc)
	} else {
		key += ":" + v.GoString()
	}
	if idx, ok := e.constIndex[key]; ok {
		return idx
	}
	e.consts = append(e.consts, program.Constant{Value: v})
	idx := len(e.consts) - 1
	e.constIndex[key] = idx
	return idx
}

// foldParam resolves a node parameter to its compile-time value, evaluating
// expression parameters against the graph variables (constant folding).
func (e *emitter) foldParam(node *graph.Node, name string) (cty.Value, bool, error) {
	if v, ok := node.Params[name]; ok {
		return v, true, nil
	}
	if src, ok := node.Exprs[name]; ok {
		v, err := expr.EvalString(src, e.g.Variables)
		if err != nil {
			return cty.NilVal, false, &Error{NodeID: node.ID, Message: fmt.Sprintf("folding %s: %v", name, err)}
		}
		return v, true, nil
	}
	return cty.NilVal, false, nil
}

func (e *emitter) numberParam(node *graph.Node, name string) (int64, error) {
	v, ok, err := e.foldParam(node, name)
	if err != nil || !ok {
		return 0, e.missing(node, name, err)
	}
	n, _ := v.AsBigFloat().Int64()
	return n, nil
}

func (e *emitter) stringParam(node *graph.Node, name, fallback string) (string, error) {
	v, ok, err := e.foldParam(node, name)
	if err != nil {
		return "", err
	}
	if !ok || v.IsNull() {
		return fallback, nil
	}
	return v.AsString(), nil
}

func (e *emitter) missing(node *graph.Node, name string, err error) error {
	if err != nil {
		return err
	}
	return &Error{NodeID: node.ID, Message: fmt.Sprintf("%s: required parameter %q not present", ErrInternal, name)}
}

func counterVar(loopID string) string {
	return "__loop_" + loopID
}

func typeName(t cty.Type) string {
	switch t {
	case cty.Number:
		return "number"
	case cty.Bool:
		return "bool"
	case cty.String:
		return "string"
	default:
		return "any"
	}
}
