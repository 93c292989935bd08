package core

import (
	"context"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// stashStore keeps one set of unregistered changes aside.
type stashStore struct {
	docs     storage.Collection
	trackers *trackerStore
}

func (s *stashStore) exists(ctx context.Context) (bool, error) {
	n, err := s.trackers.count(ctx)
	return n > 0, err
}

// save copies the modified documents of source and their trackers into the stash.
func (s *stashStore) save(ctx context.Context, source storage.Collection, trackers *trackerStore) error {
	ids, err := trackers.documents(ctx)
	if err != nil {
		return err
	}
	if _, err := source.CopyTo(ctx, storage.ByID(ids...), s.docs.Name()); err != nil {
		return err
	}
	_, err = trackers.col.CopyTo(ctx, storage.Filter{}, s.trackers.col.Name())
	return err
}

// restore writes the stashed documents into target and returns the trackers to record for them.
// Documents inserted before stashing that exist again in target are recorded as updates.
func (s *stashStore) restore(ctx context.Context, target storage.Collection) ([]object.Tracker, error) {
	trackers, err := s.trackers.list(ctx, storage.Filter{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(trackers))
	for _, m := range group(trackers) {
		ids = append(ids, m.documentID)
	}
	current, err := findByID(ctx, target, ids)
	if err != nil {
		return nil, err
	}
	stashed, err := findByID(ctx, s.docs, ids)
	if err != nil {
		return nil, err
	}
	for i, t := range trackers {
		if _, ok := current[t.DocumentID]; ok && t.Op == OpInsert {
			trackers[i].Op = OpUpdate
		}
	}
	for _, id := range ids {
		doc, ok := stashed[id]
		if !ok {
			if _, err := target.DeleteMany(ctx, storage.ByID(id)); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := target.ReplaceOne(ctx, id, codec.Clone(doc), true); err != nil {
			return nil, err
		}
	}
	return trackers, nil
}

func (s *stashStore) reset(ctx context.Context) error {
	if _, err := s.docs.DeleteMany(ctx, storage.Filter{}); err != nil {
		return err
	}
	return s.trackers.reset(ctx)
}
