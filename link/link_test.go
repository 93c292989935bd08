package link

import (
	"bytes"
	"context"
	"testing"

	"github.com/nasdf/vercol/core"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func versioned(t *testing.T) *core.Collection {
	ctx := context.Background()
	col, err := core.Open(ctx, storage.NewMemory(), "notes", core.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { col.Close() })

	_, err = col.Documents().InsertOne(ctx, object.Document{"_id": "a", "title": "first"})
	require.NoError(t, err)
	require.NoError(t, col.InitWithSchema(ctx, "root", "type Note { title: String! }"))

	_, err = col.Documents().ReplaceOne(ctx, "a", object.Document{"title": "edited", "tags": []any{"x"}}, false)
	require.NoError(t, err)
	_, err = col.Documents().InsertOne(ctx, object.Document{"_id": "b", "title": "second"})
	require.NoError(t, err)
	ok, err := col.Register(ctx, "edit", "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = col.CreateBranch(ctx, "drafts")
	require.NoError(t, err)
	_, err = col.Documents().DeleteMany(ctx, storage.ByID("b"))
	require.NoError(t, err)
	ok, err = col.Register(ctx, "drop b", "")
	require.NoError(t, err)
	require.True(t, ok)
	return col
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	h, err := versioned(t).History(ctx)
	require.NoError(t, err)

	s := NewMemoryStore()
	root, err := s.Put(ctx, h)
	require.NoError(t, err)

	out, err := s.Get(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, h.Collection, out.Collection)
	assert.Equal(t, h.Schema, out.Schema)
	assert.Equal(t, h.Documents, out.Documents)
	assert.Equal(t, h.Branches, out.Branches)
	require.Len(t, out.Entries, len(h.Entries))
	for i, e := range h.Entries {
		assert.True(t, e.WeaklyEquals(out.Entries[i]))
		assert.Equal(t, e.Parent, out.Entries[i].Parent)
		assert.Equal(t, e.Message, out.Entries[i].Message)
		assert.True(t, e.Timestamp.Equal(out.Entries[i].Timestamp))
	}
	assert.Len(t, out.Deltas, len(h.Deltas))

	// equal histories share the root link
	again, err := s.Put(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, root.String(), again.String())
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	h, err := versioned(t).History(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, h, &buf))

	imported, err := Import(ctx, &buf)
	require.NoError(t, err)

	col, err := core.Open(ctx, storage.NewMemory(), "notes", core.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { col.Close() })
	require.NoError(t, col.Restore(ctx, imported))

	docs, err := col.Documents().Find(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []object.Document{
		{"_id": "a", "title": "edited", "tags": []any{"x"}},
		{"_id": "b", "title": "second"},
	}, docs)

	require.NoError(t, col.CheckoutBranch(ctx, "drafts"))
	docs, err = col.Documents().Find(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []object.Document{{"_id": "a", "title": "edited", "tags": []any{"x"}}}, docs)

	log, err := col.Log(ctx, "")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, "drop b", log[0].Message)
}

func TestImportGarbage(t *testing.T) {
	_, err := Import(context.Background(), bytes.NewReader([]byte("not a car file")))
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	ctx := context.Background()
	h, err := versioned(t).History(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, h, &buf))

	s, root, err := Read(ctx, &buf)
	require.NoError(t, err)

	docs, err := s.Dump(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"(0, main)":   {},
		"(1, main)":   {"a", "b"},
		"(0, drafts)": {"b"},
	}, docs)
}
