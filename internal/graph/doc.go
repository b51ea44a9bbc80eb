// Package graph defines the in-memory model of a task graph: the nodes,
// edges, parameters, and variables that make up an authored protocol.
//
// The model mirrors the editor's export format but stores nodes and edges in
// flat slices addressed by integer index. Edges are bound to node indices
// when the graph is built, so later stages never chase object references or
// share mutable node objects.
//
// A TaskGraph is read-only after Build/Decode. The authoring system owns the
// graph; everything downstream (validator, compiler) only reads it.
package graph
