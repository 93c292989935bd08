package http

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
	"github.com/nasdf/vercol/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, db storage.Database) *Client {
	srv := httptest.NewServer(NewServer(db, nil))
	t.Cleanup(srv.Close)

	client, err := Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	client.poll = 5 * time.Millisecond
	return client
}

func TestClient(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Database {
		return dial(t, storage.NewMemory())
	})
}

func TestClientEscapesNames(t *testing.T) {
	ctx := context.Background()
	client := dial(t, storage.NewMemory())
	col := client.Collection("my docs")

	_, err := col.InsertOne(ctx, object.Document{"_id": "a/b c", "n": 1})
	require.NoError(t, err)

	doc, err := col.FindOne(ctx, "a/b c")
	require.NoError(t, err)
	assert.Equal(t, "a/b c", doc.ID())

	names, err := client.ListCollections(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "my docs")
}

func TestClientEmptyFilter(t *testing.T) {
	ctx := context.Background()
	client := dial(t, storage.NewMemory())
	col := client.Collection("docs")

	_, err := col.InsertMany(ctx, []object.Document{{"_id": "1"}, {"_id": "2"}})
	require.NoError(t, err)

	n, err := col.DeleteMany(ctx, storage.ByID())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = col.Count(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	client := dial(t, storage.NewMemory())
	col := client.Collection("docs")

	_, err := col.FindOne(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = col.InsertOne(ctx, object.Document{"_id": "1"})
	require.NoError(t, err)
	_, err = col.InsertOne(ctx, object.Document{"_id": "1"})
	assert.ErrorIs(t, err, storage.ErrDuplicateID)

	require.NoError(t, client.Close())
	_, err = col.Count(ctx, storage.Filter{})
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStreamClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := dial(t, storage.NewMemory())
	stream, err := client.Watch(ctx, "docs", 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stream.Close())
	assert.ErrorIs(t, <-done, storage.ErrClosed)
}
