package storage

import (
	"reflect"
	"slices"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
)

// Normalize returns a copy of the filter with canonical field values.
func (f Filter) Normalize() (Filter, error) {
	if len(f.Fields) == 0 {
		return f, nil
	}
	fields := make(map[string]any, len(f.Fields))
	for k, v := range f.Fields {
		nv, err := codec.NormalizeValue(v)
		if err != nil {
			return Filter{}, err
		}
		fields[k] = nv
	}
	return Filter{IDs: f.IDs, Fields: fields}, nil
}

// Match returns true if the normalized document matches the normalized filter.
func (f Filter) Match(doc object.Document) bool {
	if f.IDs != nil && !slices.Contains(f.IDs, doc.ID()) {
		return false
	}
	for k, v := range f.Fields {
		if !reflect.DeepEqual(doc[k], v) {
			return false
		}
	}
	return true
}

// None returns true if the filter cannot match any document.
func (f Filter) None() bool {
	return f.IDs != nil && len(f.IDs) == 0
}
