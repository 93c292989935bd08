package storage

import (
	"testing"

	"github.com/nasdf/vercol/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	filter, err := Filter{Fields: map[string]any{"n": 1, "ok": true}}.Normalize()
	require.NoError(t, err)

	assert.True(t, filter.Match(object.Document{"_id": "a", "n": 1.0, "ok": true}))
	assert.False(t, filter.Match(object.Document{"_id": "a", "n": 2.0, "ok": true}))
	assert.False(t, filter.Match(object.Document{"_id": "a", "n": 1.0}))
}

func TestFilterIDs(t *testing.T) {
	assert.True(t, ByID().None())
	assert.False(t, Filter{}.None())
	assert.True(t, ByID("a").Match(object.Document{"_id": "a"}))
	assert.False(t, ByID("a").Match(object.Document{"_id": "b"}))
}

func TestIsInternal(t *testing.T) {
	assert.True(t, IsInternal("__log_users"))
	assert.False(t, IsInternal("users"))
}
