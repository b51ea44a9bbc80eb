package program

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// canonical is the codec for program artifacts. The std-compatible config
// sorts object keys, which makes the encoding deterministic: identical
// programs always serialize to identical bytes, so the content hash is
// reproducible across processes and hosts.
var canonical = sonic.ConfigStd

// ErrUnsupportedVersion is returned when an artifact's version is not one
// this build understands. Execution fails closed rather than guessing.
var ErrUnsupportedVersion = errors.New("unsupported program artifact version")

// ErrHashMismatch is returned when an artifact's recorded hash does not
// match its content, indicating corruption or tampering.
var ErrHashMismatch = errors.New("program hash does not match content")

// Constant is one constant pool entry. Its JSON form carries the cty type
// alongside the value so decoding is lossless without type inference.
type Constant struct {
	Value cty.Value
}

type wireConstant struct {
	Type  json.RawMessage `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (c Constant) MarshalJSON() ([]byte, error) {
	ty := c.Value.Type()
	tyJSON, err := ctyjson.MarshalType(ty)
	if err != nil {
		return nil, fmt.Errorf("encoding constant type: %w", err)
	}
	valJSON, err := ctyjson.Marshal(c.Value, ty)
	if err != nil {
		return nil, fmt.Errorf("encoding constant value: %w", err)
	}
	return canonical.Marshal(wireConstant{Type: tyJSON, Value: valJSON})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Constant) UnmarshalJSON(data []byte) error {
	var w wireConstant
	if err := canonical.Unmarshal(data, &w); err != nil {
		return err
	}
	ty, err := ctyjson.UnmarshalType(w.Type)
	if err != nil {
		return fmt.Errorf("decoding constant type: %w", err)
	}
	v, err := ctyjson.Unmarshal(w.Value, ty)
	if err != nil {
		return fmt.Errorf("decoding constant value: %w", err)
	}
	c.Value = v
	return nil
}

// Seal stamps the artifact version and computes the content hash over the
// canonical encoding. A program must be sealed exactly once, by the
// compiler; a sealed program is immutable.
func (p *Program) Seal() error {
	if p.sealed {
		return errors.New("program is already sealed")
	}
	p.ArtifactVersion = ArtifactVersion
	hash, err := p.contentHash()
	if err != nil {
		return err
	}
	p.Hash = hash
	p.sealed = true
	return nil
}

// contentHash hashes the canonical encoding with the Hash field blanked.
func (p *Program) contentHash() (string, error) {
	shadow := *p
	shadow.Hash = ""
	data, err := canonical.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("encoding program for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Encode serializes a sealed program to its canonical artifact bytes.
func (p *Program) Encode() ([]byte, error) {
	if !p.sealed {
		return nil, ErrNotSealed
	}
	return canonical.Marshal(p)
}

// Decode parses an artifact, verifies its version is supported, and checks
// the recorded hash against the content.
func Decode(data []byte) (*Program, error) {
	var p Program
	if err := canonical.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing program artifact: %w", err)
	}
	if p.ArtifactVersion != ArtifactVersion {
		return nil, fmt.Errorf("%w: got %d, this build supports %d",
			ErrUnsupportedVersion, p.ArtifactVersion, ArtifactVersion)
	}
	want, err := p.contentHash()
	if err != nil {
		return nil, err
	}
	if p.Hash != want {
		return nil, ErrHashMismatch
	}
	p.sealed = true
	return &p, nil
}
