package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const sampleGraphJSON = `{
  "metadata": {
    "name": "fixed-ratio",
    "version": "1.2.0",
    "author": "lab",
    "created_at": "2026-03-01T10:00:00Z"
  },
  "variables": {
    "stimulus_file": "circle.png",
    "reward_amount": 2
  },
  "nodes": [
    {"id": "start", "kind": "Start"},
    {
      "id": "stim",
      "kind": "StimulusDisplay",
      "parameters": {
        "stimulus": {"$expr": "stimulus_file"},
        "size": 128
      }
    },
    {"id": "end", "kind": "End"}
  ],
  "edges": [
    {"id": "e1", "source_node_id": "start", "target_node_id": "stim"},
    {"id": "e2", "source_node_id": "stim", "target_node_id": "end"}
  ]
}`

func TestDecodeSampleGraph(t *testing.T) {
	g, err := Decode([]byte(sampleGraphJSON))
	require.NoError(t, err)

	assert.Equal(t, "fixed-ratio", g.Meta.Name)
	assert.Equal(t, "1.2.0", g.Meta.Version)
	assert.False(t, g.Meta.CreatedAt.IsZero())

	require.Len(t, g.Nodes, 3)
	require.Len(t, g.Edges, 2)

	assert.Equal(t, cty.StringVal("circle.png"), g.Variables["stimulus_file"])
	assert.True(t, cty.NumberIntVal(2).RawEquals(g.Variables["reward_amount"]))

	stimIdx, ok := g.Index("stim")
	require.True(t, ok)
	stim := g.Nodes[stimIdx]

	// The $expr parameter lands in Exprs, the literal one in Params.
	assert.Equal(t, "stimulus_file", stim.Exprs["stimulus"])
	assert.True(t, cty.NumberIntVal(128).RawEquals(stim.Params["size"]))
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"metadata": `))
	require.Error(t, err)
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	_, err := Decode([]byte(`{
	  "metadata": {"name": "g", "created_at": "yesterday"},
	  "nodes": [{"id": "start", "kind": "Start"}],
	  "edges": []
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "created_at")
}

func TestDecodeRejectsUnknownEdgeNode(t *testing.T) {
	_, err := Decode([]byte(`{
	  "metadata": {"name": "g"},
	  "nodes": [{"id": "start", "kind": "Start"}],
	  "edges": [{"id": "e1", "source_node_id": "start", "target_node_id": "missing"}]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
