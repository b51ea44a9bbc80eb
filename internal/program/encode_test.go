package program

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func sampleProgram() *Program {
	return &Program{
		GraphName:    "fixed-ratio",
		GraphVersion: "1.2.0",
		Entry:        0,
		Instructions: []Instruction{
			{Op: OpPush, Const: 0},
			{Op: OpStoreVar, Var: "reward_amount", Scope: ScopeGlobal},
			{Op: OpCallHardware, Action: "dispense_reward", Resource: "feeder",
				Args: []ArgRef{{Name: "amount", Const: 0}}},
			{Op: OpHalt},
		},
		Constants: []Constant{
			{Value: cty.NumberIntVal(2)},
		},
		ResultSchema: map[string]string{"response": "any"},
	}
}

func TestSealStampsVersionAndHash(t *testing.T) {
	p := sampleProgram()
	require.False(t, p.Sealed())

	require.NoError(t, p.Seal())
	assert.True(t, p.Sealed())
	assert.Equal(t, ArtifactVersion, p.ArtifactVersion)
	assert.NotEmpty(t, p.Hash)
	assert.Equal(t, p.Hash, p.ID())

	// Sealing twice is a bug in the caller.
	assert.Error(t, p.Seal())
}

func TestSealIsDeterministic(t *testing.T) {
	a, b := sampleProgram(), sampleProgram()
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())
	assert.Equal(t, a.Hash, b.Hash)

	encA, err := a.Encode()
	require.NoError(t, err)
	encB, err := b.Encode()
	require.NoError(t, err)
	assert.Equal(t, encA, encB)
}

func TestHashCoversContent(t *testing.T) {
	a, b := sampleProgram(), sampleProgram()
	b.Instructions[2].Resource = "feeder-2"
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestEncodeRequiresSeal(t *testing.T) {
	p := sampleProgram()
	_, err := p.Encode()
	assert.ErrorIs(t, err, ErrNotSealed)
}

func TestDecodeRoundTrip(t *testing.T) {
	p := sampleProgram()
	require.NoError(t, p.Seal())
	data, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Sealed())
	assert.Equal(t, p.Hash, got.Hash)
	assert.Equal(t, p.GraphName, got.GraphName)
	require.Len(t, got.Instructions, len(p.Instructions))
	assert.Equal(t, OpCallHardware, got.Instructions[2].Op)
	assert.True(t, cty.NumberIntVal(2).RawEquals(got.Constant(0)))
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	p := sampleProgram()
	require.NoError(t, p.Seal())
	p.ArtifactVersion = ArtifactVersion + 1
	// Re-derive the hash so only the version is wrong.
	p.sealed = false
	p.Hash = ""
	hash, err := p.contentHash()
	require.NoError(t, err)
	p.Hash = hash
	p.sealed = true

	data, err := p.Encode()
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsTamperedContent(t *testing.T) {
	p := sampleProgram()
	require.NoError(t, p.Seal())
	data, err := p.Encode()
	require.NoError(t, err)

	// Flip the resource name inside the payload without updating the hash.
	tampered := strings.Replace(string(data), `"feeder"`, `"hopper"`, 1)
	require.NotEqual(t, string(data), tampered)
	_, err = Decode([]byte(tampered))
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestConstantLookupOutOfRange(t *testing.T) {
	p := sampleProgram()
	assert.Equal(t, cty.NilVal, p.Constant(-1))
	assert.Equal(t, cty.NilVal, p.Constant(99))
}

func TestDisassembleRendersOps(t *testing.T) {
	p := sampleProgram()
	out := p.Disassemble()
	assert.Contains(t, out, "push")
	assert.Contains(t, out, "dispense_reward@feeder")
	assert.Contains(t, out, "halt")
}
