package codec

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/nasdf/vercol/object"
	"github.com/wI2L/jsondiff"
)

// Patch is an encoded RFC 6902 JSON Patch.
type Patch []byte

// Identity is a patch without operations.
var Identity = Patch("[]")

// IsEmpty returns true if the patch does not change anything.
func (p Patch) IsEmpty() bool {
	if len(p) == 0 {
		return true
	}
	var ops []json.RawMessage
	if err := json.Unmarshal(p, &ops); err != nil {
		return false
	}
	return len(ops) == 0
}

func (p Patch) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("[]"), nil
	}
	return p, nil
}

func (p *Patch) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

func (p Patch) String() string {
	return string(p)
}

// Diff returns the forward patch transforming old into new and the backward patch reverting it.
// Both patches are nil when the documents are equal.
func Diff(old, new object.Document) (Patch, Patch, error) {
	if old == nil {
		old = object.Document{}
	}
	if new == nil {
		new = object.Document{}
	}
	forward, err := jsondiff.Compare(old, new)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute forward patch: %w", err)
	}
	if len(forward) == 0 {
		return nil, nil, nil
	}
	backward, err := jsondiff.Compare(new, old)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute backward patch: %w", err)
	}
	fwd, err := json.Marshal(forward)
	if err != nil {
		return nil, nil, err
	}
	bwd, err := json.Marshal(backward)
	if err != nil {
		return nil, nil, err
	}
	return fwd, bwd, nil
}

// Compiled is a decoded patch that can be applied many times.
type Compiled struct {
	ops jsonpatch.Patch
}

// Compile decodes the patch.
func (p Patch) Compile() (Compiled, error) {
	if p.IsEmpty() {
		return Compiled{}, nil
	}
	ops, err := jsonpatch.DecodePatch(p)
	if err != nil {
		return Compiled{}, fmt.Errorf("failed to decode patch: %w", err)
	}
	return Compiled{ops: ops}, nil
}

// Apply applies the given patches in order and returns the resulting document.
// A missing document is treated as empty.
func Apply(doc object.Document, patches ...Patch) (object.Document, error) {
	compiled := make([]Compiled, len(patches))
	for i, p := range patches {
		c, err := p.Compile()
		if err != nil {
			return nil, err
		}
		compiled[i] = c
	}
	return ApplyCompiled(doc, compiled...)
}

// ApplyCompiled is like Apply for patches that were already decoded.
func ApplyCompiled(doc object.Document, patches ...Compiled) (object.Document, error) {
	data, err := Encode(doc)
	if err != nil {
		return nil, err
	}
	for _, p := range patches {
		if len(p.ops) == 0 {
			continue
		}
		data, err = p.ops.Apply(data)
		if err != nil {
			return nil, fmt.Errorf("failed to apply patch: %w", err)
		}
	}
	return Decode(data)
}
