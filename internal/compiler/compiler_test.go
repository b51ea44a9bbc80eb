package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/protolab/trialgrid/internal/graph"
	"github.com/protolab/trialgrid/internal/program"
	"github.com/protolab/trialgrid/internal/validate"
)

func num(v int64) cty.Value { return cty.NumberIntVal(v) }

func compile(t *testing.T, nodes []graph.Node, edges []graph.Edge, vars map[string]cty.Value) *program.Program {
	t.Helper()
	g, err := graph.Build(graph.Metadata{Name: "test", Version: "1.0.0"}, nodes, edges, vars)
	require.NoError(t, err)
	v, issues := validate.Validate(g, validate.Options{ConflictPolicy: validate.ConflictSerialize})
	require.NotNil(t, v, "validation failed: %v", issues)
	p, err := Compile(v)
	require.NoError(t, err)
	return p
}

// trialNodes is a full conditioning protocol: 100 trials of stimulus,
// response window, reward on response, and a result record.
func trialNodes() ([]graph.Node, []graph.Edge, map[string]cty.Value) {
	nodes := []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "stim", Kind: graph.KindStimulusDisplay, Params: map[string]cty.Value{
			"stimulus": cty.StringVal("circle.png"),
			"size_min": num(32),
			"size_max": num(256),
		}},
		{ID: "respond", Kind: graph.KindResponseCollection, Params: map[string]cty.Value{
			"timeout_ms": num(3000),
		}},
		{ID: "dec", Kind: graph.KindDecision},
		{ID: "reward", Kind: graph.KindRewardDelivery, Exprs: map[string]string{
			"amount": "base_amount",
		}},
		{ID: "log", Kind: graph.KindDataCollect, Params: map[string]cty.Value{
			"fields": cty.ListVal([]cty.Value{cty.StringVal("stimulus_size"), cty.StringVal("responded")}),
		}},
		{ID: "loop", Kind: graph.KindLoop, Params: map[string]cty.Value{"count": num(100)}},
		{ID: "end", Kind: graph.KindEnd},
	}
	edges := []graph.Edge{
		{Source: "start", Target: "stim"},
		{Source: "stim", Target: "respond"},
		{Source: "respond", Target: "dec"},
		{Source: "dec", SourcePort: "true", Target: "reward", Condition: "responded"},
		{Source: "dec", SourcePort: "false", Target: "log"},
		{Source: "reward", Target: "log"},
		{Source: "log", Target: "loop"},
		{Source: "loop", SourcePort: "repeat", Target: "stim"},
		{Source: "loop", SourcePort: "out", Target: "end"},
	}
	vars := map[string]cty.Value{"base_amount": num(2)}
	return nodes, edges, vars
}

func TestCompileIsDeterministic(t *testing.T) {
	nodes, edges, vars := trialNodes()
	a := compile(t, nodes, edges, vars)

	nodes2, edges2, vars2 := trialNodes()
	b := compile(t, nodes2, edges2, vars2)

	assert.Equal(t, a.Hash, b.Hash)
	encA, err := a.Encode()
	require.NoError(t, err)
	encB, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, encA, encB)
}

func TestCompileTrialProtocolShape(t *testing.T) {
	nodes, edges, vars := trialNodes()
	p := compile(t, nodes, edges, vars)

	assert.Equal(t, "test", p.GraphName)
	assert.Equal(t, program.ArtifactVersion, p.ArtifactVersion)
	assert.True(t, p.Sealed())

	counts := make(map[program.Op]int)
	for _, ins := range p.Instructions {
		counts[ins.Op]++
	}

	// One stimulus call, one reward call; one response wait plus no timer
	// waits; one result record; one trial boundary inside the loop.
	assert.Equal(t, 2, counts[program.OpCallHardware])
	assert.Equal(t, 1, counts[program.OpWaitForEvent])
	assert.Equal(t, 1, counts[program.OpRecordResult])
	assert.Equal(t, 1, counts[program.OpBeginTrial])
	assert.Equal(t, 1, counts[program.OpRandom])
	assert.GreaterOrEqual(t, counts[program.OpHalt], 1)

	// The randomized size flows into the stimulus call as a variable arg.
	var stimCall *program.Instruction
	for i := range p.Instructions {
		ins := &p.Instructions[i]
		if ins.Op == program.OpCallHardware && ins.Action == "display_stimulus" {
			stimCall = ins
		}
	}
	require.NotNil(t, stimCall)
	assert.Equal(t, "screen", stimCall.Resource)
	var sizeArg *program.ArgRef
	for i := range stimCall.Args {
		if stimCall.Args[i].Name == "size" {
			sizeArg = &stimCall.Args[i]
		}
	}
	require.NotNil(t, sizeArg)
	assert.Equal(t, "stimulus_size", sizeArg.Var)

	// The folded reward amount lands in the constant pool.
	var rewardCall *program.Instruction
	for i := range p.Instructions {
		ins := &p.Instructions[i]
		if ins.Op == program.OpCallHardware && ins.Action == "dispense_reward" {
			rewardCall = ins
		}
	}
	require.NotNil(t, rewardCall)
	require.Len(t, rewardCall.Args, 1)
	assert.True(t, num(2).RawEquals(p.Constant(rewardCall.Args[0].Const)))

	assert.Equal(t, map[string]string{
		"stimulus_size": "number",
		"responded":     "bool",
	}, p.ResultSchema)
}

func TestCompileResolvesAllJumps(t *testing.T) {
	nodes, edges, vars := trialNodes()
	p := compile(t, nodes, edges, vars)

	for i, ins := range p.Instructions {
		if ins.Op == program.OpJump || ins.Op == program.OpJumpIfFalse {
			assert.GreaterOrEqual(t, ins.Target, 0, "instruction %d", i)
			assert.Less(t, ins.Target, len(p.Instructions), "instruction %d", i)
		}
	}
}

func TestCompileFoldsStaticConditions(t *testing.T) {
	p := compile(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "dec", Kind: graph.KindDecision},
		{ID: "wait", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(5)}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "dec"},
		{Source: "dec", SourcePort: "true", Target: "wait", Condition: "1 < 2"},
		{Source: "dec", SourcePort: "false", Target: "end"},
		{Source: "wait", Target: "end"},
	}, nil)

	// The static condition folds to a single push; no binary op remains.
	for _, ins := range p.Instructions {
		assert.NotEqual(t, program.OpBinary, ins.Op)
	}
}

func TestCompileLowersDynamicConditions(t *testing.T) {
	p := compile(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "respond", Kind: graph.KindResponseCollection, Params: map[string]cty.Value{"timeout_ms": num(500)}},
		{ID: "dec", Kind: graph.KindDecision},
		{ID: "reward", Kind: graph.KindRewardDelivery, Params: map[string]cty.Value{"amount": num(1)}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "respond"},
		{Source: "respond", Target: "dec"},
		{Source: "dec", SourcePort: "true", Target: "reward", Condition: "response.latency_ms < 500"},
		{Source: "dec", SourcePort: "false", Target: "end"},
		{Source: "reward", Target: "end"},
	}, nil)

	var loads, attrs, binaries int
	for _, ins := range p.Instructions {
		switch ins.Op {
		case program.OpLoadVar:
			if ins.Var == "response" {
				loads++
			}
		case program.OpAttr:
			if ins.Attr == "latency_ms" {
				attrs++
			}
		case program.OpBinary:
			if ins.BinOp == program.BinLt {
				binaries++
			}
		}
	}
	assert.Equal(t, 1, loads)
	assert.Equal(t, 1, attrs)
	assert.Equal(t, 1, binaries)
}

func TestCompileSerializesParallelBranches(t *testing.T) {
	p := compile(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "par", Kind: graph.KindParallel},
		{ID: "a", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(10)}},
		{ID: "b", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(20)}},
		{ID: "join", Kind: graph.KindDataCollect, Params: map[string]cty.Value{
			"fields": cty.ListVal([]cty.Value{cty.StringVal("responded")}),
		}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "par"},
		{ID: "b1", Source: "par", Target: "a"},
		{ID: "b2", Source: "par", Target: "b"},
		{Source: "a", Target: "join"},
		{Source: "b", Target: "join"},
		{Source: "join", Target: "end"},
	}, nil)

	// Both branch delays appear, in branch declaration order, before the
	// single join record.
	var waits []int64
	recordAt := -1
	for i, ins := range p.Instructions {
		switch ins.Op {
		case program.OpWaitForEvent:
			waits = append(waits, ins.TimeoutMS)
		case program.OpRecordResult:
			recordAt = i
		}
	}
	assert.Equal(t, []int64{10, 20}, waits)
	require.NotEqual(t, -1, recordAt)

	counts := make(map[program.Op]int)
	for _, ins := range p.Instructions {
		counts[ins.Op]++
	}
	assert.Equal(t, 1, counts[program.OpRecordResult])
}

func TestCompileLoopCounterSemantics(t *testing.T) {
	p := compile(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "wait", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(1)}},
		{ID: "loop", Kind: graph.KindLoop, Params: map[string]cty.Value{"count": num(3)}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "wait"},
		{Source: "wait", Target: "loop"},
		{Source: "loop", SourcePort: "repeat", Target: "wait"},
		{Source: "loop", SourcePort: "out", Target: "end"},
	}, nil)

	// The counter is zero-initialized once before the loop body and
	// incremented at the Loop node; the comparison pops counter < count.
	var stores, loads int
	for _, ins := range p.Instructions {
		if ins.Var == "__loop_loop" {
			switch ins.Op {
			case program.OpStoreVar:
				stores++
			case program.OpLoadVar:
				loads++
			}
		}
	}
	assert.Equal(t, 2, stores, "init and increment")
	assert.Equal(t, 2, loads, "increment read and comparison read")
}

func TestCompileVariablePreambleIsSorted(t *testing.T) {
	nodes := []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "end", Kind: graph.KindEnd},
	}
	edges := []graph.Edge{{Source: "start", Target: "end"}}
	vars := map[string]cty.Value{
		"zeta":  num(1),
		"alpha": num(2),
		"mid":   num(3),
	}
	p := compile(t, nodes, edges, vars)

	var order []string
	for _, ins := range p.Instructions {
		if ins.Op == program.OpStoreVar && ins.Scope == program.ScopeGlobal {
			order = append(order, ins.Var)
		}
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, order)
}

func TestCompileBranchEntryInitializesLoopCounter(t *testing.T) {
	// The loop header is reachable only through a Decision branch jump,
	// never by falling through from the preceding node. The jump must still
	// land on the counter zero-initialization.
	p := compile(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "dec", Kind: graph.KindDecision},
		{ID: "wait", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(100)}},
		{ID: "loop", Kind: graph.KindLoop, Params: map[string]cty.Value{"count": num(2)}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "dec"},
		{Source: "dec", SourcePort: "true", Target: "wait", Condition: "flag"},
		{Source: "dec", SourcePort: "false", Target: "end"},
		{Source: "wait", Target: "loop"},
		{Source: "loop", SourcePort: "repeat", Target: "wait"},
		{Source: "loop", SourcePort: "out", Target: "end"},
	}, map[string]cty.Value{"flag": cty.True})

	init := -1
	for i := 0; i+1 < len(p.Instructions); i++ {
		ins, next := p.Instructions[i], p.Instructions[i+1]
		if ins.Op == program.OpPush && next.Op == program.OpStoreVar &&
			next.Var == "__loop_loop" && p.Constant(ins.Const).RawEquals(num(0)) {
			init = i
			break
		}
	}
	require.NotEqual(t, -1, init, "loop counter zero-initialization not found")

	var entries, backJumps int
	for _, ins := range p.Instructions {
		if ins.Op != program.OpJump && ins.Op != program.OpJumpIfFalse {
			continue
		}
		switch {
		case ins.Target == init:
			entries++
		case ins.Target == init+2:
			backJumps++
		}
	}
	assert.Positive(t, entries, "branch entry must land on the initializer")
	assert.Positive(t, backJumps, "the back-jump must land past the initializer")
}
