package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/protolab/trialgrid/internal/graph"
)

func mustBuild(t *testing.T, nodes []graph.Node, edges []graph.Edge, vars map[string]cty.Value) *graph.TaskGraph {
	t.Helper()
	g, err := graph.Build(graph.Metadata{Name: "test"}, nodes, edges, vars)
	require.NoError(t, err)
	return g
}

func num(v int64) cty.Value { return cty.NumberIntVal(v) }

// linearNodes builds Start -> Delay -> End.
func linearNodes() ([]graph.Node, []graph.Edge) {
	nodes := []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "wait", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(100)}},
		{ID: "end", Kind: graph.KindEnd},
	}
	edges := []graph.Edge{
		{Source: "start", Target: "wait"},
		{Source: "wait", Target: "end"},
	}
	return nodes, edges
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	nodes, edges := linearNodes()
	g := mustBuild(t, nodes, edges, nil)

	v, issues := Validate(g, Options{})
	require.NotNil(t, v)
	assert.Empty(t, issues)

	startIdx, _ := g.Index("start")
	assert.Equal(t, startIdx, v.StartIndex())
}

func TestValidateRequiresExactlyOneStart(t *testing.T) {
	g := mustBuild(t, []graph.Node{
		{ID: "end", Kind: graph.KindEnd},
	}, nil, nil)

	v, issues := Validate(g, Options{})
	assert.Nil(t, v)
	require.True(t, HasErrors(issues))
	assert.Contains(t, issues[0].Message, "exactly one Start")
}

func TestValidateAccumulatesIssues(t *testing.T) {
	// Two independent problems must both be reported in one pass.
	g := mustBuild(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "wait", Kind: graph.KindDelay}, // missing required duration_ms
		{ID: "reward", Kind: graph.KindRewardDelivery, Params: map[string]cty.Value{"amount": num(0)}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "wait"},
		{Source: "wait", Target: "reward"},
		{Source: "reward", Target: "end"},
	}, nil)

	v, issues := Validate(g, Options{})
	assert.Nil(t, v)
	require.GreaterOrEqual(t, len(issues), 2)

	var fields []string
	for _, issue := range issues {
		assert.Equal(t, CodeParameter, issue.Code)
		fields = append(fields, issue.Field)
	}
	assert.Contains(t, fields, "duration_ms")
	assert.Contains(t, fields, "amount")
}

func TestValidateRejectsCycleWithoutLoop(t *testing.T) {
	g := mustBuild(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "a", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(1)}},
		{ID: "b", Kind: graph.KindDecision},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "a"},
		{Source: "a", Target: "b"},
		{ID: "back", Source: "b", SourcePort: "true", Target: "a", Condition: "true"},
		{Source: "b", SourcePort: "false", Target: "end"},
	}, nil)

	v, issues := Validate(g, Options{})
	assert.Nil(t, v)
	require.True(t, HasErrors(issues))

	var found bool
	for _, issue := range issues {
		if issue.Code == CodeCycle {
			found = true
			assert.Contains(t, issue.NodeIDs, "a")
			assert.Contains(t, issue.NodeIDs, "b")
		}
	}
	assert.True(t, found, "expected a cycle issue")
}

func TestValidateAllowsLoopBackEdge(t *testing.T) {
	g := mustBuild(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "wait", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(10)}},
		{ID: "loop", Kind: graph.KindLoop, Params: map[string]cty.Value{"count": num(5)}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "wait"},
		{Source: "wait", Target: "loop"},
		{ID: "repeat", Source: "loop", SourcePort: "repeat", Target: "wait"},
		{Source: "loop", SourcePort: "out", Target: "end"},
	}, nil)

	v, issues := Validate(g, Options{})
	require.NotNil(t, v)
	assert.Empty(t, issues)

	repeatIdx := -1
	for ei := range g.Edges {
		if g.Edges[ei].ID == "repeat" {
			repeatIdx = ei
		}
	}
	require.NotEqual(t, -1, repeatIdx)
	assert.True(t, v.IsBackEdge(repeatIdx))
}

func TestValidateRejectsStrayRepeatEdge(t *testing.T) {
	// The repeat edge jumps forward past the loop instead of back into its
	// body.
	g := mustBuild(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "loop", Kind: graph.KindLoop, Params: map[string]cty.Value{"count": num(2)}},
		{ID: "after", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(1)}},
		{ID: "end", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "loop"},
		{Source: "loop", SourcePort: "repeat", Target: "after"},
		{Source: "loop", SourcePort: "out", Target: "after"},
		{Source: "after", Target: "end"},
	}, nil)

	v, issues := Validate(g, Options{})
	assert.Nil(t, v)
	require.True(t, HasErrors(issues))
}

func TestValidateRejectsUnreachableNodes(t *testing.T) {
	g := mustBuild(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "island", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(1)}},
		{ID: "end", Kind: graph.KindEnd},
		{ID: "end2", Kind: graph.KindEnd},
	}, []graph.Edge{
		{Source: "start", Target: "end"},
		{Source: "island", Target: "end2"},
	}, nil)

	v, issues := Validate(g, Options{})
	assert.Nil(t, v)
	require.True(t, HasErrors(issues))

	var found bool
	for _, issue := range issues {
		if issue.Code == CodeStructural && contains(issue.NodeIDs, "island") {
			found = true
			assert.Contains(t, issue.Message, "not reachable")
		}
	}
	assert.True(t, found, "expected the island to be reported as unreachable")
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func TestValidateEdgeTypeCompatibility(t *testing.T) {
	nodes := []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{
			ID: "collect", Kind: graph.KindResponseCollection,
			Params:  map[string]cty.Value{"timeout_ms": num(500)},
			Outputs: []graph.PortSpec{{Name: "out", Type: graph.PortTypeFlow}, {Name: "latency", Type: "integer"}},
		},
		{
			ID: "log", Kind: graph.KindDataCollect,
			Params: map[string]cty.Value{"fields": cty.ListVal([]cty.Value{cty.StringVal("response")})},
			Inputs: []graph.PortSpec{{Name: "in", Type: graph.PortTypeFlow}, {Name: "value", Type: "number"}},
		},
		{ID: "end", Kind: graph.KindEnd},
	}

	t.Run("safe widening is accepted", func(t *testing.T) {
		g := mustBuild(t, nodes, []graph.Edge{
			{Source: "start", Target: "collect"},
			{Source: "collect", Target: "log"},
			{ID: "data", Source: "collect", SourcePort: "latency", Target: "log", TargetPort: "value"},
			{Source: "log", Target: "end"},
		}, nil)
		v, issues := Validate(g, Options{})
		require.NotNil(t, v)
		assert.Empty(t, issues)
	})

	t.Run("flow to data is rejected", func(t *testing.T) {
		g := mustBuild(t, nodes, []graph.Edge{
			{Source: "start", Target: "collect"},
			{ID: "bad", Source: "collect", SourcePort: "out", Target: "log", TargetPort: "value"},
			{Source: "log", Target: "end"},
		}, nil)
		v, issues := Validate(g, Options{})
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
		var found bool
		for _, issue := range issues {
			if issue.Code == CodeType && issue.EdgeID == "bad" {
				found = true
			}
		}
		assert.True(t, found)
	})
}

func TestValidateParameterExpressions(t *testing.T) {
	vars := map[string]cty.Value{"base_amount": num(2)}

	t.Run("static expression over graph variables folds", func(t *testing.T) {
		g := mustBuild(t, []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "reward", Kind: graph.KindRewardDelivery, Exprs: map[string]string{"amount": "base_amount * 2"}},
			{ID: "end", Kind: graph.KindEnd},
		}, []graph.Edge{
			{Source: "start", Target: "reward"},
			{Source: "reward", Target: "end"},
		}, vars)
		v, issues := Validate(g, Options{})
		require.NotNil(t, v)
		assert.Empty(t, issues)
	})

	t.Run("expression over unknown name is rejected", func(t *testing.T) {
		g := mustBuild(t, []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "reward", Kind: graph.KindRewardDelivery, Exprs: map[string]string{"amount": "response_count"}},
			{ID: "end", Kind: graph.KindEnd},
		}, []graph.Edge{
			{Source: "start", Target: "reward"},
			{Source: "reward", Target: "end"},
		}, vars)
		v, issues := Validate(g, Options{})
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
		assert.Contains(t, issues[0].Message, "not a graph variable")
	})
}

func TestValidateLoopParameterRules(t *testing.T) {
	build := func(params map[string]cty.Value, exprs map[string]string) (*Validated, []Issue) {
		g := mustBuild(t, []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "wait", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(1)}},
			{ID: "loop", Kind: graph.KindLoop, Params: params, Exprs: exprs},
			{ID: "end", Kind: graph.KindEnd},
		}, []graph.Edge{
			{Source: "start", Target: "wait"},
			{Source: "wait", Target: "loop"},
			{Source: "loop", SourcePort: "repeat", Target: "wait"},
			{Source: "loop", SourcePort: "out", Target: "end"},
		}, nil)
		return Validate(g, Options{})
	}

	t.Run("unbounded loop is rejected", func(t *testing.T) {
		v, issues := build(nil, nil)
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
		assert.Contains(t, issues[0].Message, "unbounded")
	})

	t.Run("count and until together are rejected", func(t *testing.T) {
		v, issues := build(
			map[string]cty.Value{"count": num(10), "until": cty.StringVal("responded")},
			nil,
		)
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
	})

	t.Run("until alone is accepted", func(t *testing.T) {
		v, issues := build(map[string]cty.Value{"until": cty.StringVal("responded")}, nil)
		require.NotNil(t, v)
		assert.Empty(t, issues)
	})
}

func TestValidateStimulusSizeRange(t *testing.T) {
	build := func(params map[string]cty.Value, exprs map[string]string) (*Validated, []Issue) {
		params["stimulus"] = cty.StringVal("circle.png")
		g := mustBuild(t, []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "stim", Kind: graph.KindStimulusDisplay, Params: params, Exprs: exprs},
			{ID: "end", Kind: graph.KindEnd},
		}, []graph.Edge{
			{Source: "start", Target: "stim"},
			{Source: "stim", Target: "end"},
		}, nil)
		return Validate(g, Options{})
	}

	t.Run("size_min without size_max is rejected", func(t *testing.T) {
		v, issues := build(map[string]cty.Value{"size_min": num(10)}, nil)
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
	})

	t.Run("size_min as expression without size_max is rejected", func(t *testing.T) {
		v, issues := build(map[string]cty.Value{}, map[string]string{"size_min": "40 + 10"})
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
		assert.Contains(t, issues[0].Message, "supplied together")
	})

	t.Run("expression range is accepted", func(t *testing.T) {
		v, issues := build(map[string]cty.Value{}, map[string]string{
			"size_min": "40 + 10",
			"size_max": "150",
		})
		require.NotNil(t, v)
		assert.Empty(t, issues)
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		v, issues := build(map[string]cty.Value{"size_min": num(200), "size_max": num(100)}, nil)
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
	})

	t.Run("size outside bounds is rejected", func(t *testing.T) {
		v, issues := build(map[string]cty.Value{"size": num(9000)}, nil)
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
		assert.Contains(t, issues[0].Message, "above maximum")
	})
}

func TestValidateResourceConflicts(t *testing.T) {
	// Two stimulus displays on sibling Parallel branches claim the screen
	// with no ordering between them.
	buildGraph := func() *graph.TaskGraph {
		return mustBuild(t, []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "par", Kind: graph.KindParallel},
			{ID: "stimA", Kind: graph.KindStimulusDisplay, Params: map[string]cty.Value{"stimulus": cty.StringVal("a.png")}},
			{ID: "stimB", Kind: graph.KindStimulusDisplay, Params: map[string]cty.Value{"stimulus": cty.StringVal("b.png")}},
			{ID: "end", Kind: graph.KindEnd},
		}, []graph.Edge{
			{Source: "start", Target: "par"},
			{ID: "b1", Source: "par", Target: "stimA"},
			{ID: "b2", Source: "par", Target: "stimB"},
			{Source: "stimA", Target: "end"},
			{Source: "stimB", Target: "end"},
		}, nil)
	}

	t.Run("warn policy flags a warning", func(t *testing.T) {
		v, issues := Validate(buildGraph(), Options{})
		require.NotNil(t, v)
		require.Len(t, issues, 1)
		assert.Equal(t, SeverityWarning, issues[0].Severity)
		assert.Equal(t, CodeResourceConflict, issues[0].Code)
		assert.Equal(t, []string{"stimA", "stimB"}, issues[0].NodeIDs)
	})

	t.Run("reject policy escalates to an error", func(t *testing.T) {
		v, issues := Validate(buildGraph(), Options{ConflictPolicy: ConflictReject})
		assert.Nil(t, v)
		require.True(t, HasErrors(issues))
	})

	t.Run("serialize policy suppresses the finding", func(t *testing.T) {
		v, issues := Validate(buildGraph(), Options{ConflictPolicy: ConflictSerialize})
		require.NotNil(t, v)
		assert.Empty(t, issues)
	})

	t.Run("non-exclusive resources are ignored", func(t *testing.T) {
		v, issues := Validate(buildGraph(), Options{Exclusive: map[string]bool{"feeder": true}})
		require.NotNil(t, v)
		assert.Empty(t, issues)
	})

	t.Run("ordered claimants do not conflict", func(t *testing.T) {
		g := mustBuild(t, []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "stimA", Kind: graph.KindStimulusDisplay, Params: map[string]cty.Value{"stimulus": cty.StringVal("a.png")}},
			{ID: "stimB", Kind: graph.KindStimulusDisplay, Params: map[string]cty.Value{"stimulus": cty.StringVal("b.png")}},
			{ID: "end", Kind: graph.KindEnd},
		}, []graph.Edge{
			{Source: "start", Target: "stimA"},
			{Source: "stimA", Target: "stimB"},
			{Source: "stimB", Target: "end"},
		}, nil)
		v, issues := Validate(g, Options{})
		require.NotNil(t, v)
		assert.Empty(t, issues)
	})
}

func TestValidateComputesParallelJoin(t *testing.T) {
	g := mustBuild(t, []graph.Node{
		{ID: "start", Kind: graph.KindStart},
		{ID: "par", Kind: graph.KindParallel},
		{ID: "a", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(1)}},
		{ID: "b", Kind: graph.KindDelay, Params: map[string]cty.Value{"duration_ms": num(2)}},
		{ID: "join", Kind: graph.KindDataCollect, Params: map[string]cty.Value{
			"fields": cty.ListVal([]cty.Value{cty.StringVal("response")}),
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

	v, issues := Validate(g, Options{})
	require.NotNil(t, v)
	assert.Empty(t, issues)

	parIdx, _ := g.Index("par")
	joinIdx, _ := g.Index("join")
	got, ok := v.JoinOf(parIdx)
	require.True(t, ok)
	assert.Equal(t, joinIdx, got)
}
