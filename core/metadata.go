package core

import (
	"context"
	"errors"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

var errNoMetadata = errors.New("metadata not found")

// metadataStore persists the head state of a tracked collection.
//
// Fields are written individually so the listener and the engine never overwrite each other's updates.
type metadataStore struct {
	col storage.Collection
	id  string
}

func newMetadataStore(col storage.Collection, collection string) *metadataStore {
	return &metadataStore{col: col, id: collection}
}

func (s *metadataStore) get(ctx context.Context) (object.Metadata, error) {
	doc, err := s.col.FindOne(ctx, s.id)
	if errors.Is(err, storage.ErrNotFound) {
		return object.Metadata{}, errNoMetadata
	}
	if err != nil {
		return object.Metadata{}, err
	}
	var md object.Metadata
	if err := codec.Unmarshal(doc, &md); err != nil {
		return object.Metadata{}, err
	}
	return md, nil
}

func (s *metadataStore) exists(ctx context.Context) (bool, error) {
	n, err := s.col.Count(ctx, storage.ByID(s.id))
	return n > 0, err
}

// create writes the initial metadata record.
func (s *metadataStore) create(ctx context.Context, md object.Metadata) error {
	md.ID = s.id
	doc, err := codec.Marshal(md)
	if err != nil {
		return err
	}
	_, err = s.col.ReplaceOne(ctx, s.id, doc, true)
	return err
}

// set updates the given fields.
func (s *metadataStore) set(ctx context.Context, fields object.Document) error {
	_, err := s.col.UpdateMany(ctx, storage.ByID(s.id), fields)
	return err
}

func (s *metadataStore) setHead(ctx context.Context, head object.VersionID, detached bool) error {
	return s.set(ctx, object.Document{
		"current_version": head.Version,
		"current_branch":  head.Branch,
		"detached":        detached,
	})
}

func (s *metadataStore) setChanged(ctx context.Context, changed bool) error {
	return s.set(ctx, object.Document{"changed": changed})
}

func (s *metadataStore) reset(ctx context.Context) error {
	_, err := s.col.DeleteMany(ctx, storage.Filter{})
	return err
}
