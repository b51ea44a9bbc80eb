// Package validate statically checks a task graph for structural and type
// correctness before compilation. All checks run and accumulate their
// findings so the authoring UI can show everything at once; the validator is
// not fail-fast.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/protolab/trialgrid/internal/expr"
	"github.com/protolab/trialgrid/internal/graph"
)

// ConflictPolicy decides what an exclusive-resource conflict becomes.
type ConflictPolicy string

const (
	// ConflictWarn flags unordered claimants of an exclusive resource as a
	// warning and lets compilation proceed.
	ConflictWarn ConflictPolicy = "warn"
	// ConflictReject escalates the conflict to a fatal error.
	ConflictReject ConflictPolicy = "reject"
	// ConflictSerialize suppresses the finding; the single-threaded engine
	// serializes hardware actions by construction.
	ConflictSerialize ConflictPolicy = "serialize"
)

// Options tunes validation against a concrete station.
type Options struct {
	// ConflictPolicy defaults to ConflictWarn.
	ConflictPolicy ConflictPolicy
	// Exclusive marks which hardware resources allow only one unordered
	// claimant. When nil, every claimed resource is treated as exclusive.
	Exclusive map[string]bool
}

// Validate runs every check against the graph. When the accumulated issues
// contain no errors the returned *Validated is non-nil and accepted by the
// compiler; otherwise it is nil and the issues explain why.
func Validate(g *graph.TaskGraph, opts Options) (*Validated, []Issue) {
	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = ConflictWarn
	}

	v := &checker{g: g, opts: opts}
	v.structural()
	v.parameters()
	if !HasErrors(v.issues) {
		v.topology()
	}
	if HasErrors(v.issues) {
		return nil, v.issues
	}
	return &Validated{
		g:         g,
		start:     v.start,
		backEdges: v.backEdges,
		dead:      v.dead,
		joins:     v.joins,
	}, v.issues
}

type checker struct {
	g    *graph.TaskGraph
	opts Options

	issues    []Issue
	start     int
	backEdges map[int]bool
	dead      map[int]bool
	joins     map[int]int
}

func (c *checker) errorf(code Code, nodes []string, edgeID, field, format string, args ...any) {
	c.issues = append(c.issues, Issue{
		Severity: SeverityError,
		Code:     code,
		NodeIDs:  nodes,
		EdgeID:   edgeID,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (c *checker) warnf(code Code, nodes []string, edgeID, format string, args ...any) {
	c.issues = append(c.issues, Issue{
		Severity: SeverityWarning,
		Code:     code,
		NodeIDs:  nodes,
		EdgeID:   edgeID,
		Message:  fmt.Sprintf(format, args...),
	})
}

// structural checks node/edge shape: the Start/End contract, known kinds,
// existing ports, and the out-degree each kind requires.
func (c *checker) structural() {
	g := c.g
	c.start = -1
	c.backEdges = make(map[int]bool)

	var starts, ends int
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if !n.Kind.Valid() {
			c.errorf(CodeStructural, []string{n.ID}, "", "", "unknown node kind %q", n.Kind)
			continue
		}
		switch n.Kind {
		case graph.KindStart:
			starts++
			c.start = i
		case graph.KindEnd:
			ends++
		}
	}
	if starts != 1 {
		c.errorf(CodeStructural, nil, "", "", "graph must contain exactly one Start node, found %d", starts)
	}
	if ends < 1 {
		c.errorf(CodeStructural, nil, "", "", "graph must contain at least one End node")
	}

	for ei := range g.Edges {
		e := &g.Edges[ei]
		if _, ok := g.OutputPort(e.SourceIndex(), e.SourcePort); !ok {
			c.errorf(CodeStructural, []string{e.Source}, e.ID, "",
				"node %q has no output port %q", e.Source, e.SourcePort)
		}
		if _, ok := g.InputPort(e.TargetIndex(), e.TargetPort); !ok {
			c.errorf(CodeStructural, []string{e.Target}, e.ID, "",
				"node %q has no input port %q", e.Target, e.TargetPort)
		}
		src := &g.Nodes[e.SourceIndex()]
		if src.Kind == graph.KindLoop && e.SourcePort == "repeat" {
			c.backEdges[ei] = true
		}
		if e.Condition != "" {
			if src.Kind != graph.KindDecision {
				c.errorf(CodeStructural, []string{e.Source}, e.ID, "",
					"edge conditions are only valid on Decision out-edges")
			} else if _, err := expr.Parse(e.Condition); err != nil {
				c.errorf(CodeParameter, []string{e.Source}, e.ID, "condition", "%v", err)
			}
		}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		out := g.FlowOut(i)
		switch n.Kind {
		case graph.KindEnd:
			if len(out) != 0 {
				c.errorf(CodeStructural, []string{n.ID}, "", "", "End node must have no outgoing edges")
			}
		case graph.KindDecision:
			if len(out) == 0 {
				c.errorf(CodeStructural, []string{n.ID}, "", "", "Decision node must have at least one outgoing edge")
				break
			}
			unconditional := 0
			for _, ei := range out {
				if g.Edges[ei].Condition == "" {
					unconditional++
				}
			}
			if unconditional > 1 {
				c.errorf(CodeStructural, []string{n.ID}, "", "",
					"Decision node has %d unconditional outgoing edges, at most one default branch is allowed", unconditional)
			}
		case graph.KindLoop:
			var repeats, exits int
			for _, ei := range out {
				switch g.Edges[ei].SourcePort {
				case "repeat":
					repeats++
				default:
					exits++
				}
			}
			if repeats != 1 || exits != 1 {
				c.errorf(CodeStructural, []string{n.ID}, "", "",
					"Loop node needs exactly one repeat edge and one exit edge, found %d and %d", repeats, exits)
			}
		case graph.KindParallel:
			if len(out) < 1 {
				c.errorf(CodeStructural, []string{n.ID}, "", "", "Parallel node must have at least one branch")
			}
		default:
			if len(out) != 1 {
				c.errorf(CodeStructural, []string{n.ID}, "", "",
					"%s node must have exactly one outgoing edge, found %d", n.Kind, len(out))
			}
		}
	}
}

// parameters checks every node's parameter map against its kind's schema,
// folding static expression parameters to verify their type and range.
func (c *checker) parameters() {
	for i := range c.g.Nodes {
		c.nodeParameters(&c.g.Nodes[i])
	}
}

func (c *checker) nodeParameters(n *graph.Node) {
	if !n.Kind.Valid() {
		return
	}
	specs := graph.ParamSchema(n.Kind)
	known := make(map[string]graph.ParamSpec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}

	for name := range n.Params {
		if _, ok := known[name]; !ok {
			c.errorf(CodeParameter, []string{n.ID}, "", name, "unknown parameter for %s node", n.Kind)
		}
	}
	for name := range n.Exprs {
		if _, ok := known[name]; !ok {
			c.errorf(CodeParameter, []string{n.ID}, "", name, "unknown parameter for %s node", n.Kind)
		}
	}

	for _, spec := range specs {
		literal, hasLiteral := n.Params[spec.Name]
		src, hasExpr := n.Exprs[spec.Name]
		if !hasLiteral && !hasExpr {
			if spec.Required {
				c.errorf(CodeParameter, []string{n.ID}, "", spec.Name, "required parameter is missing")
			}
			continue
		}

		// Loop's until condition references runtime bindings; it is parsed
		// here and compiled to branch code later, never folded.
		if n.Kind == graph.KindLoop && spec.Name == "until" {
			if hasExpr {
				if _, err := expr.Parse(src); err != nil {
					c.errorf(CodeParameter, []string{n.ID}, "", spec.Name, "%v", err)
				}
			}
			continue
		}

		value := literal
		if hasExpr {
			parsed, err := expr.Parse(src)
			if err != nil {
				c.errorf(CodeParameter, []string{n.ID}, "", spec.Name, "%v", err)
				continue
			}
			for _, root := range expr.Variables(parsed) {
				if _, ok := c.g.Variables[root]; !ok {
					c.errorf(CodeParameter, []string{n.ID}, "", spec.Name,
						"expression references %q, which is not a graph variable", root)
				}
			}
			folded, err := expr.Eval(parsed, c.g.Variables)
			if err != nil {
				c.errorf(CodeParameter, []string{n.ID}, "", spec.Name, "%v", err)
				continue
			}
			value = folded
		}

		converted, err := convert.Convert(value, spec.Type)
		if err != nil {
			c.errorf(CodeParameter, []string{n.ID}, "", spec.Name,
				"expected %s: %v", spec.Type.FriendlyName(), err)
			continue
		}
		if spec.Type == cty.Number && (spec.Min != nil || spec.Max != nil) {
			f, _ := converted.AsBigFloat().Float64()
			if spec.Min != nil && f < *spec.Min {
				c.errorf(CodeParameter, []string{n.ID}, "", spec.Name, "value %g is below minimum %g", f, *spec.Min)
			}
			if spec.Max != nil && f > *spec.Max {
				c.errorf(CodeParameter, []string{n.ID}, "", spec.Name, "value %g is above maximum %g", f, *spec.Max)
			}
		}
	}

	// Cross-field rules the flat schema cannot express.
	switch n.Kind {
	case graph.KindLoop:
		hasCount := hasParam(n, "count")
		hasUntil := hasParam(n, "until")
		if !hasCount && !hasUntil {
			c.errorf(CodeParameter, []string{n.ID}, "", "count",
				"Loop node needs a count or an until condition; unbounded loops are not compilable")
		}
		if hasCount && hasUntil {
			c.errorf(CodeParameter, []string{n.ID}, "", "count",
				"Loop node may declare count or until, not both")
		}
	case graph.KindStimulusDisplay:
		if hasParam(n, "size_min") != hasParam(n, "size_max") {
			c.errorf(CodeParameter, []string{n.ID}, "", "size_min",
				"size_min and size_max must be supplied together")
		}
		minVal, minLit := n.Params["size_min"]
		maxVal, maxLit := n.Params["size_max"]
		if minLit && maxLit {
			lo, _ := minVal.AsBigFloat().Float64()
			hi, _ := maxVal.AsBigFloat().Float64()
			if lo > hi {
				c.errorf(CodeParameter, []string{n.ID}, "", "size_min", "size_min %g exceeds size_max %g", lo, hi)
			}
		}
	}
}

// hasParam reports whether a parameter was supplied at all, as a literal or
// as an expression.
func hasParam(n *graph.Node, name string) bool {
	if _, ok := n.Params[name]; ok {
		return true
	}
	_, ok := n.Exprs[name]
	return ok
}

// topology runs the graph-shape checks that need a structurally sound graph:
// cycle detection, reachability, termination, port type compatibility,
// parallel join computation, and resource conflicts.
func (c *checker) topology() {
	c.detectCycles()
	c.checkTermination()
	c.checkEdgeTypes()
	c.computeJoins()
	c.checkResourceConflicts()
}

// detectCycles walks forward from Start skipping Loop back-edges. Any cycle
// it still finds is authored without a Loop node and rejected. Nodes the
// walk never reaches are unreachable and rejected too.
func (c *checker) detectCycles() {
	g := c.g
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.Nodes))
	parent := make([]int, len(g.Nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []string
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, ei := range g.FlowOut(u) {
			if c.backEdges[ei] {
				continue
			}
			v := g.Edges[ei].TargetIndex()
			switch color[v] {
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			case gray:
				// Reconstruct the cycle v .. u -> v for the error report.
				ids := []string{g.Nodes[v].ID}
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					ids = append(ids, g.Nodes[cur].ID)
				}
				for l, r := 0, len(ids)-1; l < r; l, r = l+1, r-1 {
					ids[l], ids[r] = ids[r], ids[l]
				}
				cycle = ids
				return true
			}
		}
		color[u] = black
		return false
	}

	if visit(c.start) {
		c.errorf(CodeCycle, cycle, "", "",
			"cycle without a Loop node: %s", strings.Join(cycle, " -> "))
	}

	var unreachable []string
	for i := range g.Nodes {
		if color[i] == white {
			unreachable = append(unreachable, g.Nodes[i].ID)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		c.errorf(CodeStructural, unreachable, "", "",
			"nodes not reachable from Start: %s", strings.Join(unreachable, ", "))
	}

	// A repeat edge must point back into the loop's own body: its target
	// has to reach the Loop node again without using back-edges.
	for ei := range c.backEdges {
		e := &g.Edges[ei]
		if !c.reaches(e.TargetIndex(), e.SourceIndex(), false) {
			c.errorf(CodeStructural, []string{e.Source}, e.ID, "",
				"repeat edge target %q does not lead back to the Loop node", e.Target)
		}
	}
}

// checkTermination flags nodes with no path to any End node. Non-fatal: the
// compiler's dead-code elimination handles them.
func (c *checker) checkTermination() {
	g := c.g
	reachesEnd := make([]bool, len(g.Nodes))
	var mark func(u int)
	mark = func(u int) {
		if reachesEnd[u] {
			return
		}
		reachesEnd[u] = true
		for _, ei := range g.FlowIn(u) {
			mark(g.Edges[ei].SourceIndex())
		}
	}
	for i := range g.Nodes {
		if g.Nodes[i].Kind == graph.KindEnd {
			mark(i)
		}
	}

	c.dead = make(map[int]bool)
	var deadIDs []string
	for i := range g.Nodes {
		if !reachesEnd[i] {
			c.dead[i] = true
			deadIDs = append(deadIDs, g.Nodes[i].ID)
		}
	}
	if len(deadIDs) > 0 {
		sort.Strings(deadIDs)
		c.warnf(CodeDeadCode, deadIDs, "", "no path to an End node: %s", strings.Join(deadIDs, ", "))
	}
}

// checkEdgeTypes verifies port compatibility per edge: flow only connects to
// flow, and data ports must match exactly or be safely widenable.
func (c *checker) checkEdgeTypes() {
	g := c.g
	for ei := range g.Edges {
		e := &g.Edges[ei]
		srcPort, ok1 := g.OutputPort(e.SourceIndex(), e.SourcePort)
		dstPort, ok2 := g.InputPort(e.TargetIndex(), e.TargetPort)
		if !ok1 || !ok2 {
			continue // reported by structural
		}

		srcFlow := srcPort.Type == graph.PortTypeFlow
		dstFlow := dstPort.Type == graph.PortTypeFlow
		if srcFlow && dstFlow {
			continue
		}
		if srcFlow != dstFlow {
			c.errorf(CodeType, nil, e.ID, "",
				"cannot connect %q port to %q port", srcPort.Type, dstPort.Type)
			continue
		}

		actual, ok := graph.DataType(srcPort.Type)
		if !ok {
			c.errorf(CodeType, []string{e.Source}, e.ID, "", "unknown port type %q", srcPort.Type)
			continue
		}
		expected, ok := graph.DataType(dstPort.Type)
		if !ok {
			c.errorf(CodeType, []string{e.Target}, e.ID, "", "unknown port type %q", dstPort.Type)
			continue
		}
		if actual.Equals(expected) {
			continue
		}
		if conv := convert.GetConversion(actual, expected); conv == nil {
			c.errorf(CodeType, nil, e.ID, "",
				"expected %s, got %s", expected.FriendlyName(), actual.FriendlyName())
		}
	}
}

// computeJoins finds, for each Parallel node, the nearest node every branch
// reaches. Branches that never reconverge cannot be linearized.
func (c *checker) computeJoins() {
	g := c.g
	c.joins = make(map[int]int)
	for i := range g.Nodes {
		if g.Nodes[i].Kind != graph.KindParallel {
			continue
		}
		out := g.FlowOut(i)
		if len(out) < 2 {
			continue // single branch degenerates to pass-through
		}

		depths := c.bfsDepths(g.Edges[out[0]].TargetIndex())
		common := depths
		for _, ei := range out[1:] {
			branch := c.bfsDepths(g.Edges[ei].TargetIndex())
			merged := make(map[int]int)
			for n, d := range common {
				if bd, ok := branch[n]; ok {
					if bd > d {
						d = bd
					}
					merged[n] = d
				}
			}
			common = merged
		}

		join, best := -1, -1
		for n, d := range common {
			if best == -1 || d < best || (d == best && n < join) {
				join, best = n, d
			}
		}
		if join == -1 {
			c.errorf(CodeStructural, []string{g.Nodes[i].ID}, "", "",
				"Parallel branches never reconverge on a common node")
			continue
		}
		c.joins[i] = join
	}
}

// bfsDepths returns the minimal forward distance (skipping back-edges) from
// start to every reachable node.
func (c *checker) bfsDepths(start int) map[int]int {
	depths := map[int]int{start: 0}
	queue := []int{start}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, ei := range c.g.FlowOut(u) {
			if c.backEdges[ei] {
				continue
			}
			v := c.g.Edges[ei].TargetIndex()
			if _, seen := depths[v]; !seen {
				depths[v] = depths[u] + 1
				queue = append(queue, v)
			}
		}
	}
	return depths
}

// reaches reports whether `to` is forward-reachable from `from`.
func (c *checker) reaches(from, to int, useBackEdges bool) bool {
	seen := make([]bool, len(c.g.Nodes))
	stack := []int{from}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if u == to {
			return true
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		for _, ei := range c.g.FlowOut(u) {
			if !useBackEdges && c.backEdges[ei] {
				continue
			}
			stack = append(stack, c.g.Edges[ei].TargetIndex())
		}
	}
	return false
}

// checkResourceConflicts finds pairs of nodes that claim the same exclusive
// hardware resource with no execution-order guarantee between them.
func (c *checker) checkResourceConflicts() {
	if c.opts.ConflictPolicy == ConflictSerialize {
		return
	}
	g := c.g

	claims := make(map[string][]int)
	for i := range g.Nodes {
		res, ok := g.Nodes[i].ResourceClaim()
		if !ok {
			continue
		}
		if c.opts.Exclusive != nil && !c.opts.Exclusive[res] {
			continue
		}
		claims[res] = append(claims[res], i)
	}

	resources := make([]string, 0, len(claims))
	for res := range claims {
		resources = append(resources, res)
	}
	sort.Strings(resources)

	for _, res := range resources {
		claimants := claims[res]
		for a := 0; a < len(claimants); a++ {
			for b := a + 1; b < len(claimants); b++ {
				na, nb := claimants[a], claimants[b]
				if c.reaches(na, nb, true) || c.reaches(nb, na, true) {
					continue
				}
				ids := []string{g.Nodes[na].ID, g.Nodes[nb].ID}
				sort.Strings(ids)
				if c.opts.ConflictPolicy == ConflictReject {
					c.errorf(CodeResourceConflict, ids, "", "",
						"nodes claim exclusive resource %q without a temporal ordering", res)
				} else {
					c.warnf(CodeResourceConflict, ids, "",
						"nodes claim exclusive resource %q without a temporal ordering", res)
				}
			}
		}
	}
}
