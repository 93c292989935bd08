// Package storagetest contains a conformance suite for storage.Database implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes every conformance test against databases returned by open.
func Run(t *testing.T, open func(t *testing.T) storage.Database) {
	tests := map[string]func(t *testing.T, db storage.Database){
		"InsertFind":        testInsertFind,
		"DuplicateID":       testDuplicateID,
		"ReplaceOne":        testReplaceOne,
		"UpdateMany":        testUpdateMany,
		"DeleteMany":        testDeleteMany,
		"Distinct":          testDistinct,
		"CopyTo":            testCopyTo,
		"Collections":       testCollections,
		"Watch":             testWatch,
		"WatchResume":       testWatchResume,
		"InternalNoChanges": testInternalNoChanges,
	}
	for name, fn := range tests {
		t.Run(name, func(st *testing.T) {
			db := open(st)
			st.Cleanup(func() { db.Close() })
			fn(st, db)
		})
	}
}

func testInsertFind(t *testing.T, db storage.Database) {
	ctx := context.Background()
	col := db.Collection("users")

	id, err := col.InsertOne(ctx, object.Document{"name": "Alice", "age": 30})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ids, err := col.InsertMany(ctx, []object.Document{
		{"_id": "bob", "name": "Bob", "age": 30},
		{"_id": "carol", "name": "Carol", "age": 25},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, ids)

	doc, err := col.FindOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, object.Document{"_id": id, "name": "Alice", "age": 30.0}, doc)

	_, err = col.FindOne(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	docs, err := col.Find(ctx, storage.ByField("age", 30))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = col.Find(ctx, storage.ByID("carol", "missing"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Carol", docs[0]["name"])

	docs, err = col.Find(ctx, storage.ByID())
	require.NoError(t, err)
	assert.Empty(t, docs)

	count, err := col.Count(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func testDuplicateID(t *testing.T, db storage.Database) {
	ctx := context.Background()
	col := db.Collection("users")

	_, err := col.InsertOne(ctx, object.Document{"_id": "1"})
	require.NoError(t, err)

	_, err = col.InsertOne(ctx, object.Document{"_id": "1"})
	assert.ErrorIs(t, err, storage.ErrDuplicateID)
}

func testReplaceOne(t *testing.T, db storage.Database) {
	ctx := context.Background()
	col := db.Collection("users")

	res, err := col.ReplaceOne(ctx, "1", object.Document{"name": "Alice"}, false)
	require.NoError(t, err)
	assert.Equal(t, storage.UpdateResult{}, res)

	res, err = col.ReplaceOne(ctx, "1", object.Document{"name": "Alice"}, true)
	require.NoError(t, err)
	assert.Equal(t, "1", res.UpsertedID)

	res, err = col.ReplaceOne(ctx, "1", object.Document{"name": "Alice"}, true)
	require.NoError(t, err)
	assert.Equal(t, storage.UpdateResult{Matched: 1}, res)

	res, err = col.ReplaceOne(ctx, "1", object.Document{"_id": "1", "name": "Bob"}, false)
	require.NoError(t, err)
	assert.Equal(t, storage.UpdateResult{Matched: 1, Modified: 1}, res)

	doc, err := col.FindOne(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, object.Document{"_id": "1", "name": "Bob"}, doc)
}

func testUpdateMany(t *testing.T, db storage.Database) {
	ctx := context.Background()
	col := db.Collection("__locks")

	_, err := col.InsertOne(ctx, object.Document{"_id": "a", "locked": false})
	require.NoError(t, err)

	n, err := col.UpdateMany(ctx, storage.Filter{IDs: []string{"a"}, Fields: map[string]any{"locked": false}}, object.Document{"locked": true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = col.UpdateMany(ctx, storage.Filter{IDs: []string{"a"}, Fields: map[string]any{"locked": false}}, object.Document{"locked": true})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testDeleteMany(t *testing.T, db storage.Database) {
	ctx := context.Background()
	col := db.Collection("users")

	_, err := col.InsertMany(ctx, []object.Document{{"_id": "1"}, {"_id": "2"}, {"_id": "3"}})
	require.NoError(t, err)

	n, err := col.DeleteMany(ctx, storage.ByID("1", "3"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	docs, err := col.Find(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []object.Document{{"_id": "2"}}, docs)
}

func testDistinct(t *testing.T, db storage.Database) {
	ctx := context.Background()
	col := db.Collection("__trackers")

	_, err := col.InsertMany(ctx, []object.Document{
		{"document_id": "a", "op": "i"},
		{"document_id": "a", "op": "u"},
		{"document_id": "b", "op": "d"},
	})
	require.NoError(t, err)

	values, err := col.Distinct(ctx, "document_id", storage.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b"}, values)
}

func testCopyTo(t *testing.T, db storage.Database) {
	ctx := context.Background()
	col := db.Collection("users")

	_, err := col.InsertMany(ctx, []object.Document{{"_id": "1"}, {"_id": "2"}})
	require.NoError(t, err)

	_, err = db.Collection("__replica").InsertOne(ctx, object.Document{"_id": "stale"})
	require.NoError(t, err)

	n, err := col.CopyTo(ctx, storage.ByID("2"), "__replica")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err := db.Collection("__replica").Find(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []object.Document{{"_id": "2"}}, docs)

	n, err = col.CopyTo(ctx, storage.ByID(), "__empty")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ok, err := db.HasCollection(ctx, "__empty")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testCollections(t *testing.T, db storage.Database) {
	ctx := context.Background()

	_, err := db.Collection("b").InsertOne(ctx, object.Document{})
	require.NoError(t, err)

	_, err = db.Collection("a").InsertOne(ctx, object.Document{})
	require.NoError(t, err)

	names, err := db.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	err = db.DropCollection(ctx, "a")
	require.NoError(t, err)

	ok, err := db.HasCollection(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := db.Collection("a").Count(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func testWatch(t *testing.T, db storage.Database) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := db.Watch(ctx, "users", 0)
	require.NoError(t, err)
	defer stream.Close()

	col := db.Collection("users")
	_, err = col.InsertOne(ctx, object.Document{"_id": "1", "n": 1})
	require.NoError(t, err)

	_, err = db.Collection("other").InsertOne(ctx, object.Document{"_id": "x"})
	require.NoError(t, err)

	_, err = col.ReplaceOne(ctx, "1", object.Document{"n": 2}, false)
	require.NoError(t, err)

	_, err = col.DeleteMany(ctx, storage.ByID("1"))
	require.NoError(t, err)

	var ops []string
	var last uint64
	for i := 0; i < 3; i++ {
		ev, err := stream.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1", ev.DocumentID)
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		ops = append(ops, ev.Op)
	}
	assert.Equal(t, []string{storage.OpInsert, storage.OpUpdate, storage.OpDelete}, ops)

	seq, err := db.LastSeq(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, last, seq)

	_, ok, err := stream.TryNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testWatchResume(t *testing.T, db storage.Database) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	col := db.Collection("users")
	_, err := col.InsertOne(ctx, object.Document{"_id": "1"})
	require.NoError(t, err)

	seq, err := db.LastSeq(ctx, "users")
	require.NoError(t, err)

	_, err = col.InsertOne(ctx, object.Document{"_id": "2"})
	require.NoError(t, err)

	stream, err := db.Watch(ctx, "users", seq)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", ev.DocumentID)
}

func testInternalNoChanges(t *testing.T, db storage.Database) {
	ctx := context.Background()

	_, err := db.Collection("__log_users").InsertOne(ctx, object.Document{"_id": "1"})
	require.NoError(t, err)

	seq, err := db.LastSeq(ctx, "__log_users")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}
