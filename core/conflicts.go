package core

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

type conflictStore struct {
	col storage.Collection
}

func (s *conflictStore) add(ctx context.Context, conflicts []object.Conflict) error {
	docs := make([]object.Document, len(conflicts))
	for i, c := range conflicts {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		doc, err := codec.Marshal(c)
		if err != nil {
			return err
		}
		docs[i] = doc
	}
	_, err := s.col.InsertMany(ctx, docs)
	return err
}

// list returns the conflicts ordered by document id.
func (s *conflictStore) list(ctx context.Context) ([]object.Conflict, error) {
	docs, err := s.col.Find(ctx, storage.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]object.Conflict, len(docs))
	for i, doc := range docs {
		if err := codec.Unmarshal(doc, &out[i]); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (s *conflictStore) remove(ctx context.Context, id string) error {
	_, err := s.col.DeleteMany(ctx, storage.ByID(id))
	return err
}

func (s *conflictStore) reset(ctx context.Context) error {
	_, err := s.col.DeleteMany(ctx, storage.Filter{})
	return err
}
