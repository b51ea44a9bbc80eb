package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Wire shapes for the editor's JSON export. Parameter and variable values
// arrive as raw JSON: a plain value is decoded to cty by implied type, and
// an object of the form {"$expr": "..."} carries expression source instead.
type wireGraph struct {
	Metadata  wireMetadata               `json:"metadata"`
	Variables map[string]json.RawMessage `json:"variables"`
	Nodes     []wireNode                 `json:"nodes"`
	Edges     []wireEdge                 `json:"edges"`
}

type wireMetadata struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at"`
}

type wireNode struct {
	ID          string                     `json:"id"`
	Kind        string                     `json:"kind"`
	Parameters  map[string]json.RawMessage `json:"parameters"`
	InputPorts  []PortSpec                 `json:"input_ports"`
	OutputPorts []PortSpec                 `json:"output_ports"`
}

type wireEdge struct {
	ID         string `json:"id"`
	Source     string `json:"source_node_id"`
	SourcePort string `json:"source_port"`
	Target     string `json:"target_node_id"`
	TargetPort string `json:"target_port"`
	Condition  string `json:"condition,omitempty"`
}

type wireExpr struct {
	Expr string `json:"$expr"`
}

// Decode parses an editor graph export and builds the bound TaskGraph.
func Decode(data []byte) (*TaskGraph, error) {
	var w wireGraph
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing graph JSON: %w", err)
	}

	meta := Metadata{
		Name:    w.Metadata.Name,
		Version: w.Metadata.Version,
		Author:  w.Metadata.Author,
	}
	if w.Metadata.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339, w.Metadata.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("metadata.created_at: %w", err)
		}
		meta.CreatedAt = ts
	}

	variables := make(map[string]cty.Value, len(w.Variables))
	for name, raw := range w.Variables {
		v, _, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		variables[name] = v
	}

	nodes := make([]Node, 0, len(w.Nodes))
	for _, wn := range w.Nodes {
		n := Node{
			ID:      wn.ID,
			Kind:    NodeKind(wn.Kind),
			Inputs:  wn.InputPorts,
			Outputs: wn.OutputPorts,
		}
		if len(wn.Parameters) > 0 {
			n.Params = make(map[string]cty.Value)
			for name, raw := range wn.Parameters {
				v, exprSrc, err := decodeValue(raw)
				if err != nil {
					return nil, fmt.Errorf("node %q parameter %q: %w", wn.ID, name, err)
				}
				if exprSrc != "" {
					if n.Exprs == nil {
						n.Exprs = make(map[string]string)
					}
					n.Exprs[name] = exprSrc
					continue
				}
				n.Params[name] = v
			}
		}
		nodes = append(nodes, n)
	}

	edges := make([]Edge, 0, len(w.Edges))
	for _, we := range w.Edges {
		edges = append(edges, Edge{
			ID:         we.ID,
			Source:     we.Source,
			SourcePort: we.SourcePort,
			Target:     we.Target,
			TargetPort: we.TargetPort,
			Condition:  we.Condition,
		})
	}

	return Build(meta, nodes, edges, variables)
}

// decodeValue turns one raw JSON value into either a cty value or, for the
// {"$expr": ...} form, unevaluated expression source.
func decodeValue(raw json.RawMessage) (cty.Value, string, error) {
	var we wireExpr
	if err := sonic.Unmarshal(raw, &we); err == nil && we.Expr != "" {
		return cty.NilVal, we.Expr, nil
	}

	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, "", fmt.Errorf("unsupported value: %w", err)
	}
	v, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return cty.NilVal, "", err
	}
	return v, "", nil
}
