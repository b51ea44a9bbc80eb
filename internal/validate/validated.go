package validate

import "github.com/protolab/trialgrid/internal/graph"

// Validated wraps a graph that passed validation. The wrapped graph is
// unexported, so the only way to obtain a Validated is through Validate:
// the compiler accepts *Validated and is therefore statically unable to
// compile an unchecked graph.
type Validated struct {
	g         *graph.TaskGraph
	start     int
	backEdges map[int]bool
	dead      map[int]bool
	joins     map[int]int
}

// Graph returns the underlying read-only task graph.
func (v *Validated) Graph() *graph.TaskGraph { return v.g }

// StartIndex returns the arena index of the single Start node.
func (v *Validated) StartIndex() int { return v.start }

// IsBackEdge reports whether edge index e is a Loop back-edge.
func (v *Validated) IsBackEdge(e int) bool { return v.backEdges[e] }

// IsDead reports whether node index n was flagged as dead code (no path to
// any End node).
func (v *Validated) IsDead(n int) bool { return v.dead[n] }

// JoinOf returns the join node index computed for a Parallel node.
func (v *Validated) JoinOf(parallel int) (int, bool) {
	j, ok := v.joins[parallel]
	return j, ok
}
