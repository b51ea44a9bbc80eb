package graph

import (
	"fmt"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// PortTypeFlow is the port type of control-flow ports. Flow ports carry no
// value; two flow ports are always compatible with each other and never with
// a data port.
const PortTypeFlow = "flow"

// PortSpec declares one named input or output port on a node. Type is either
// PortTypeFlow or a data type name resolvable via DataType.
type PortSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DataType resolves a data port type name to its cty type. The second return
// is false for unknown names and for PortTypeFlow, which has no data type.
func DataType(name string) (cty.Type, bool) {
	switch name {
	case "number", "integer", "float":
		return cty.Number, true
	case "bool", "boolean":
		return cty.Bool, true
	case "string":
		return cty.String, true
	case "any":
		return cty.DynamicPseudoType, true
	default:
		return cty.NilType, false
	}
}

// Node is one vertex of a task graph.
//
// Params holds literal parameter values already decoded to cty. Exprs holds
// parameters supplied as expression source instead of a literal; the
// validator checks them and the compiler folds the static ones.
type Node struct {
	ID      string
	Kind    NodeKind
	Params  map[string]cty.Value
	Exprs   map[string]string
	Inputs  []PortSpec
	Outputs []PortSpec
}

// Edge is one directed connection between two node ports. Condition is an
// optional expression source; an edge with a condition is only taken when
// the condition evaluates to true.
type Edge struct {
	ID         string
	Source     string
	SourcePort string
	Target     string
	TargetPort string
	Condition  string

	src, dst int
}

// SourceIndex returns the bound arena index of the edge's source node.
func (e *Edge) SourceIndex() int { return e.src }

// TargetIndex returns the bound arena index of the edge's target node.
func (e *Edge) TargetIndex() int { return e.dst }

// Metadata identifies a published graph version.
type Metadata struct {
	Name      string
	Version   string
	Author    string
	CreatedAt time.Time
}

// TaskGraph is the full authored protocol. Nodes and edges live in flat
// slices; all cross-references are integer indices resolved by Build.
type TaskGraph struct {
	Meta      Metadata
	Nodes     []Node
	Edges     []Edge
	Variables map[string]cty.Value

	byID map[string]int
	out  [][]int
	in   [][]int
}

// Build assembles a TaskGraph from its parts, binds edge endpoints to node
// indices, and applies per-kind default ports. It rejects duplicate node
// ids, duplicate edge ids, and edges whose endpoints name missing nodes or
// ports; deeper checks belong to the validator.
func Build(meta Metadata, nodes []Node, edges []Edge, variables map[string]cty.Value) (*TaskGraph, error) {
	g := &TaskGraph{
		Meta:      meta,
		Nodes:     nodes,
		Edges:     edges,
		Variables: variables,
		byID:      make(map[string]int, len(nodes)),
		out:       make([][]int, len(nodes)),
		in:        make([][]int, len(nodes)),
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node at position %d has an empty id", i)
		}
		if prev, dup := g.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q (positions %d and %d)", n.ID, prev, i)
		}
		g.byID[n.ID] = i
		applyDefaultPorts(n)
	}

	edgeIDs := make(map[string]struct{}, len(edges))
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s->%s", e.Source, e.Target)
		}
		if _, dup := edgeIDs[e.ID]; dup {
			return nil, fmt.Errorf("duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = struct{}{}

		src, ok := g.byID[e.Source]
		if !ok {
			return nil, fmt.Errorf("edge %q references unknown source node %q", e.ID, e.Source)
		}
		dst, ok := g.byID[e.Target]
		if !ok {
			return nil, fmt.Errorf("edge %q references unknown target node %q", e.ID, e.Target)
		}
		if e.SourcePort == "" {
			e.SourcePort = "out"
		}
		if e.TargetPort == "" {
			e.TargetPort = "in"
		}
		e.src, e.dst = src, dst
		g.out[src] = append(g.out[src], i)
		g.in[dst] = append(g.in[dst], i)
	}

	return g, nil
}

// FlowOut returns the indices of control-flow edges leaving node i, in
// declaration order. Data edges carry values, not control, and are excluded;
// edges naming a missing port are kept so the validator can report them.
func (g *TaskGraph) FlowOut(i int) []int {
	return filterFlow(g, g.out[i], func(e *Edge) (PortSpec, bool) {
		return findPort(g.Nodes[e.src].Outputs, e.SourcePort)
	})
}

// FlowIn returns the indices of control-flow edges entering node i, in
// declaration order.
func (g *TaskGraph) FlowIn(i int) []int {
	return filterFlow(g, g.in[i], func(e *Edge) (PortSpec, bool) {
		return findPort(g.Nodes[e.src].Outputs, e.SourcePort)
	})
}

func filterFlow(g *TaskGraph, edges []int, port func(*Edge) (PortSpec, bool)) []int {
	out := make([]int, 0, len(edges))
	for _, ei := range edges {
		p, ok := port(&g.Edges[ei])
		if !ok || p.Type == PortTypeFlow {
			out = append(out, ei)
		}
	}
	return out
}

// Index returns the arena index for a node id.
func (g *TaskGraph) Index(id string) (int, bool) {
	i, ok := g.byID[id]
	return i, ok
}

// Out returns the indices of edges leaving node i, in declaration order.
func (g *TaskGraph) Out(i int) []int { return g.out[i] }

// In returns the indices of edges entering node i, in declaration order.
func (g *TaskGraph) In(i int) []int { return g.in[i] }

// OutputPort looks up a declared output port on node i by name.
func (g *TaskGraph) OutputPort(i int, name string) (PortSpec, bool) {
	return findPort(g.Nodes[i].Outputs, name)
}

// InputPort looks up a declared input port on node i by name.
func (g *TaskGraph) InputPort(i int, name string) (PortSpec, bool) {
	return findPort(g.Nodes[i].Inputs, name)
}

func findPort(ports []PortSpec, name string) (PortSpec, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

// applyDefaultPorts fills in the conventional port sets for nodes the editor
// exported without explicit ports.
func applyDefaultPorts(n *Node) {
	if len(n.Inputs) == 0 && n.Kind != KindStart {
		n.Inputs = []PortSpec{{Name: "in", Type: PortTypeFlow}}
	}
	if len(n.Outputs) == 0 {
		switch n.Kind {
		case KindEnd:
			// terminal, no outputs
		case KindDecision:
			n.Outputs = []PortSpec{
				{Name: "true", Type: PortTypeFlow},
				{Name: "false", Type: PortTypeFlow},
			}
		case KindLoop:
			n.Outputs = []PortSpec{
				{Name: "repeat", Type: PortTypeFlow},
				{Name: "out", Type: PortTypeFlow},
			}
		default:
			n.Outputs = []PortSpec{{Name: "out", Type: PortTypeFlow}}
		}
	}
}
