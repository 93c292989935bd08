package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/nasdf/vercol/object"
)

// Encode returns the canonical encoding of the given document.
func Encode(doc object.Document) ([]byte, error) {
	if doc == nil {
		doc = object.Document{}
	}
	return json.Marshal(doc)
}

// Decode parses a document from its encoding.
func Decode(data []byte) (object.Document, error) {
	doc := object.NewDocument()
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc == nil {
		doc = object.NewDocument()
	}
	return doc, nil
}

// Normalize returns a deep copy of the document where every value has its canonical type.
// Numbers become float64, lists become []any and maps become map[string]any.
func Normalize(doc object.Document) (object.Document, error) {
	data, err := Encode(doc)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// NormalizeValue returns the canonical form of a single value.
func NormalizeValue(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal converts a record struct into a document.
func Marshal(value any) (object.Document, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Unmarshal converts a document into the given record struct.
func Unmarshal(doc object.Document, value any) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// Equal returns true if both documents hold the same values.
// A nil document is equal to an empty document.
func Equal(a, b object.Document) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// Clone returns a deep copy of the given document.
func Clone(doc object.Document) object.Document {
	if doc == nil {
		return nil
	}
	out, err := Normalize(doc)
	if err != nil {
		return doc
	}
	return out
}
