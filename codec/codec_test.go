package codec

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nasdf/vercol/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInput = []object.Document{
	{},
	{"name": "Bob"},
	{"count": int64(9), "nested": map[string]any{"ok": true}},
	{"list": []any{int64(5), "hello"}, "pi": 3.14},
}

func TestEncodeDecode(t *testing.T) {
	for _, doc := range testInput {
		data, err := Encode(doc)
		require.NoError(t, err)

		actual, err := Decode(data)
		require.NoError(t, err)

		assert.True(t, Equal(doc, actual))
	}
}

func TestNormalizeNumbers(t *testing.T) {
	doc, err := Normalize(object.Document{"a": 1, "b": int64(2), "c": []int{3}})
	require.NoError(t, err)

	assert.Equal(t, object.Document{"a": 1.0, "b": 2.0, "c": []any{3.0}}, doc)
}

func TestMarshalUnmarshal(t *testing.T) {
	branch := object.Branch{Name: "dev", PointsToVersion: 2, PointsToBranch: "main"}

	doc, err := Marshal(branch)
	require.NoError(t, err)
	assert.Equal(t, "dev", doc.ID())

	var actual object.Branch
	err = Unmarshal(doc, &actual)
	require.NoError(t, err)
	assert.Equal(t, branch, actual)
}

func TestDiffNoChange(t *testing.T) {
	fwd, bwd, err := Diff(object.Document{"a": 1.0}, object.Document{"a": 1.0})
	require.NoError(t, err)

	assert.Nil(t, fwd)
	assert.Nil(t, bwd)
}

func TestDiffInsertAndDelete(t *testing.T) {
	doc := object.Document{"_id": "1", "name": "Alice"}

	fwd, bwd, err := Diff(nil, doc)
	require.NoError(t, err)

	created, err := Apply(nil, fwd)
	require.NoError(t, err)
	assert.Equal(t, doc, created)

	deleted, err := Apply(created, bwd)
	require.NoError(t, err)
	assert.True(t, deleted.IsEmpty())
}

func TestApplySequence(t *testing.T) {
	v0 := object.Document{"_id": "1", "n": 0.0}
	v1 := object.Document{"_id": "1", "n": 1.0, "tag": "x"}
	v2 := object.Document{"_id": "1", "n": 2.0}

	f1, b1, err := Diff(v0, v1)
	require.NoError(t, err)

	f2, b2, err := Diff(v1, v2)
	require.NoError(t, err)

	forward, err := Apply(v0, f1, f2)
	require.NoError(t, err)
	assert.Equal(t, v2, forward)

	backward, err := Apply(v2, b2, b1)
	require.NoError(t, err)
	assert.Equal(t, v0, backward)
}

func TestPatchIsEmpty(t *testing.T) {
	assert.True(t, Patch(nil).IsEmpty())
	assert.True(t, Identity.IsEmpty())
	assert.False(t, Patch(`[{"op":"remove","path":"/a"}]`).IsEmpty())
}

func genValue() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.Float64Range(-1000, 1000),
		gen.AlphaString(),
		gen.Bool(),
	).Map(func(values []any) any {
		switch values[0].(int) {
		case 0:
			return values[1]
		case 1:
			return values[2]
		case 2:
			return values[3]
		default:
			return []any{values[1], values[2]}
		}
	})
}

func TestDiffRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("forward then backward restores the document", prop.ForAll(
		func(a, b map[string]any) bool {
			fwd, bwd, err := Diff(a, b)
			if err != nil {
				return false
			}
			next, err := Apply(a, fwd)
			if err != nil || !Equal(next, b) {
				return false
			}
			prev, err := Apply(next, bwd)
			if err != nil {
				return false
			}
			return Equal(prev, a)
		},
		gen.MapOf(gen.Identifier(), genValue()),
		gen.MapOf(gen.Identifier(), genValue()),
	))

	properties.TestingRun(t)
}
