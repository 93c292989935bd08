package core

import (
	"context"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// replicaStore mirrors the tracked collection at the last registered version.
type replicaStore struct {
	source storage.Collection
	col    storage.Collection
}

// snapshot replaces the replica with the current contents of the tracked collection.
func (r *replicaStore) snapshot(ctx context.Context) error {
	_, err := r.source.CopyTo(ctx, storage.Filter{}, r.col.Name())
	return err
}

// find returns the replicated documents with the given ids.
func (r *replicaStore) find(ctx context.Context, ids []string) (map[string]object.Document, error) {
	return findByID(ctx, r.col, ids)
}

func (r *replicaStore) reset(ctx context.Context) error {
	_, err := r.col.DeleteMany(ctx, storage.Filter{})
	return err
}

// findByID returns the documents with the given ids keyed by id.
func findByID(ctx context.Context, col storage.Collection, ids []string) (map[string]object.Document, error) {
	docs, err := col.Find(ctx, storage.ByID(ids...))
	if err != nil {
		return nil, err
	}
	out := make(map[string]object.Document, len(docs))
	for _, doc := range docs {
		out[doc.ID()] = doc
	}
	return out, nil
}
