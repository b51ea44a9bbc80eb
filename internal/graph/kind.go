package graph

import (
	"github.com/zclconf/go-cty/cty"
)

// NodeKind classifies a node by the behavior it contributes to a protocol.
// The set is closed: the validator's parameter check and the compiler's
// instruction emission both switch exhaustively over it, so a new kind does
// not compile until every match site handles it.
type NodeKind string

const (
	KindStart              NodeKind = "Start"
	KindEnd                NodeKind = "End"
	KindStimulusDisplay    NodeKind = "StimulusDisplay"
	KindResponseCollection NodeKind = "ResponseCollection"
	KindDecision           NodeKind = "Decision"
	KindRewardDelivery     NodeKind = "RewardDelivery"
	KindDelay              NodeKind = "Delay"
	KindLoop               NodeKind = "Loop"
	KindDataCollect        NodeKind = "DataCollect"
	KindParallel           NodeKind = "Parallel"
)

// Kinds lists every node kind in a stable order.
var Kinds = []NodeKind{
	KindStart,
	KindEnd,
	KindStimulusDisplay,
	KindResponseCollection,
	KindDecision,
	KindRewardDelivery,
	KindDelay,
	KindLoop,
	KindDataCollect,
	KindParallel,
}

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParamSpec describes one parameter a node kind accepts: its wire name, the
// cty type a supplied value must convert to, whether it is required, and an
// optional inclusive numeric range.
type ParamSpec struct {
	Name     string
	Type     cty.Type
	Required bool
	Min      *float64
	Max      *float64
}

func rangeOf(min, max float64) (*float64, *float64) {
	return &min, &max
}

func atLeast(min float64) *float64 {
	return &min
}

// ParamSchema returns the declared parameter specs for a node kind. The
// switch is exhaustive over Kinds.
func ParamSchema(k NodeKind) []ParamSpec {
	switch k {
	case KindStart, KindEnd, KindDecision, KindParallel:
		return nil
	case KindStimulusDisplay:
		sizeMin, sizeMax := rangeOf(1, 4096)
		return []ParamSpec{
			{Name: "stimulus", Type: cty.String, Required: true},
			{Name: "size", Type: cty.Number, Min: sizeMin, Max: sizeMax},
			{Name: "size_min", Type: cty.Number, Min: sizeMin, Max: sizeMax},
			{Name: "size_max", Type: cty.Number, Min: sizeMin, Max: sizeMax},
			{Name: "duration_ms", Type: cty.Number, Min: atLeast(0)},
			{Name: "screen", Type: cty.String},
		}
	case KindResponseCollection:
		return []ParamSpec{
			{Name: "timeout_ms", Type: cty.Number, Required: true, Min: atLeast(1)},
			{Name: "event", Type: cty.String},
		}
	case KindRewardDelivery:
		return []ParamSpec{
			{Name: "amount", Type: cty.Number, Required: true, Min: atLeast(1)},
			{Name: "feeder", Type: cty.String},
		}
	case KindDelay:
		return []ParamSpec{
			{Name: "duration_ms", Type: cty.Number, Required: true, Min: atLeast(1)},
		}
	case KindLoop:
		return []ParamSpec{
			{Name: "count", Type: cty.Number, Min: atLeast(1)},
			{Name: "until", Type: cty.String},
			{Name: "new_trial", Type: cty.Bool},
		}
	case KindDataCollect:
		return []ParamSpec{
			{Name: "fields", Type: cty.List(cty.String), Required: true},
		}
	}
	return nil
}

// Default resource names claimed by hardware-facing kinds when the node does
// not name one explicitly.
const (
	DefaultScreenResource = "screen"
	DefaultFeederResource = "feeder"
)

// ResourceClaim returns the hardware resource a node occupies, if any.
// Exclusive-use conflicts between claimants of the same resource are the
// validator's concern.
func (n *Node) ResourceClaim() (string, bool) {
	switch n.Kind {
	case KindStimulusDisplay:
		return n.stringParam("screen", DefaultScreenResource), true
	case KindRewardDelivery:
		return n.stringParam("feeder", DefaultFeederResource), true
	default:
		return "", false
	}
}

func (n *Node) stringParam(name, fallback string) string {
	v, ok := n.Params[name]
	if !ok || v.IsNull() || v.Type() != cty.String {
		return fallback
	}
	return v.AsString()
}
