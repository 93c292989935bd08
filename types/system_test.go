package types

import (
	"testing"

	"github.com/nasdf/vercol/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kitchenSink = `type KitchenSink {
	int: Int
	intList: [Int]
	nonNullIntList: [Int!]

	float: Float
	floatList: [Float]

	string: String!
	stringList: [String]

	boolean: Boolean
	booleanList: [Boolean]

	ref: Address
	refList: [Address]

	color: Color
}

type Address {
	city: String!
}

enum Color {
	RED
	BLUE
}`

func TestNewSystem(t *testing.T) {
	sys, err := NewSystem(kitchenSink)
	require.NoError(t, err)

	assert.Equal(t, "KitchenSink", sys.Root())
	assert.Contains(t, sys.Fields(), "nonNullIntList")
	assert.Equal(t, kitchenSink, sys.Schema())
}

func TestNewSystemWithoutObject(t *testing.T) {
	_, err := NewSystem("enum Color { RED }")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	sys, err := NewSystem(kitchenSink)
	require.NoError(t, err)

	valid := []object.Document{
		{"string": "a"},
		{"_id": "1", "string": "a", "extra": []any{1.0}},
		{"string": "a", "int": 3.0, "float": 1.5, "boolean": true},
		{"string": "a", "intList": []any{1.0, nil}, "nonNullIntList": []any{2.0}},
		{"string": "a", "ref": map[string]any{"city": "Paris"}, "color": "RED"},
		{"string": "a", "refList": []any{map[string]any{"city": "Rome"}}},
	}
	for _, doc := range valid {
		assert.NoError(t, sys.Validate(doc), "%v", doc)
	}

	invalid := []object.Document{
		{},
		{"string": 1.0},
		{"string": "a", "int": 1.5},
		{"string": "a", "nonNullIntList": []any{nil}},
		{"string": "a", "ref": map[string]any{}},
		{"string": "a", "color": "GREEN"},
		{"string": "a", "booleanList": true},
	}
	for _, doc := range invalid {
		assert.ErrorIs(t, sys.Validate(doc), ErrInvalidDocument, "%v", doc)
	}
}
