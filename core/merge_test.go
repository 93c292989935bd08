package core

import (
	"testing"

	"github.com/nasdf/vercol/object"

	"github.com/stretchr/testify/assert"
)

func TestMergeDocument(t *testing.T) {
	original := object.Document{"_id": "a", "n": 1.0, "s": "x", "gone": true}

	cases := []struct {
		name      string
		dest      object.Document
		source    object.Document
		expect    object.Document
		conflicts []string
	}{
		{
			name:   "disjoint fields",
			dest:   object.Document{"_id": "a", "n": 2.0, "s": "x", "gone": true},
			source: object.Document{"_id": "a", "n": 1.0, "s": "y", "gone": true},
			expect: object.Document{"_id": "a", "n": 2.0, "s": "y", "gone": true},
		},
		{
			name:   "same change on both sides",
			dest:   object.Document{"_id": "a", "n": 5.0, "s": "x", "gone": true},
			source: object.Document{"_id": "a", "n": 5, "s": "x", "gone": true},
			expect: object.Document{"_id": "a", "n": 5, "s": "x", "gone": true},
		},
		{
			name:      "different changes keep the destination",
			dest:      object.Document{"_id": "a", "n": 2.0, "s": "x", "gone": true},
			source:    object.Document{"_id": "a", "n": 3.0, "s": "x", "added": 1.0, "gone": true},
			expect:    object.Document{"_id": "a", "n": 2.0, "s": "x", "added": 1.0, "gone": true},
			conflicts: []string{"n"},
		},
		{
			name:   "field removed on the source",
			dest:   object.Document{"_id": "a", "n": 1.0, "s": "z", "gone": true},
			source: object.Document{"_id": "a", "n": 1.0, "s": "x"},
			expect: object.Document{"_id": "a", "n": 1.0, "s": "z"},
		},
		{
			name:      "field removed on the source and changed on the destination",
			dest:      object.Document{"_id": "a", "n": 1.0, "s": "x", "gone": false},
			source:    object.Document{"_id": "a", "n": 1.0, "s": "x"},
			expect:    object.Document{"_id": "a", "n": 1.0, "s": "x", "gone": false},
			conflicts: []string{"gone"},
		},
		{
			name:      "deleted on the destination",
			dest:      object.Document{},
			source:    object.Document{"_id": "a", "n": 3.0},
			expect:    object.Document{},
			conflicts: []string{object.IDField},
		},
		{
			name:      "deleted on the source",
			dest:      object.Document{"_id": "a", "n": 3.0},
			source:    object.Document{},
			expect:    object.Document{"_id": "a", "n": 3.0},
			conflicts: []string{object.IDField},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := mergeDocument(original, c.dest, c.source)
			assert.Equal(t, c.expect, r.doc)
			assert.Equal(t, c.conflicts, r.conflicts)
		})
	}
}

func TestSameDocument(t *testing.T) {
	assert.True(t, sameDocument(nil, object.Document{}))
	assert.True(t, sameDocument(object.Document{"n": 1}, object.Document{"n": 1.0}))
	assert.False(t, sameDocument(object.Document{"n": 1}, object.Document{"n": 2}))
	assert.False(t, sameDocument(nil, object.Document{"n": 1}))
}
