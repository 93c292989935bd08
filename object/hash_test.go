package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := Document{"name": "Bob", "age": 30.0, "tags": []any{"a", "b"}}
	b := Document{"tags": []any{"a", "b"}, "age": 30.0, "name": "Bob"}

	ha, err := Fingerprint(a)
	require.NoError(t, err)

	hb, err := Fingerprint(b)
	require.NoError(t, err)

	assert.True(t, ha.Equal(hb))
	assert.Len(t, ha.String(), 64)
}

func TestFingerprintNilIsEmpty(t *testing.T) {
	ha, err := Fingerprint(nil)
	require.NoError(t, err)

	hb, err := Fingerprint(Document{})
	require.NoError(t, err)

	assert.True(t, ha.Equal(hb))
}

func TestBranchIsEmpty(t *testing.T) {
	assert.False(t, Branch{Name: "main", PointsToVersion: 3, PointsToBranch: "main"}.IsEmpty())
	assert.True(t, Branch{Name: "dev", PointsToVersion: 3, PointsToBranch: "main"}.IsEmpty())
}
