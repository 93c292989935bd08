package core

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// trackerStore holds the unregistered mutations of a tracked collection.
type trackerStore struct {
	col storage.Collection
}

// trackerID orders trackers lexically by change feed sequence.
func trackerID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func (s *trackerStore) add(ctx context.Context, seq uint64, documentID, op string) error {
	doc, err := codec.Marshal(object.Tracker{
		ID:         trackerID(seq),
		Seq:        seq,
		DocumentID: documentID,
		Op:         op,
	})
	if err != nil {
		return err
	}
	_, err = s.col.ReplaceOne(ctx, trackerID(seq), doc, true)
	return err
}

func (s *trackerStore) insert(ctx context.Context, trackers []object.Tracker) error {
	if len(trackers) == 0 {
		return nil
	}
	docs := make([]object.Document, len(trackers))
	for i, t := range trackers {
		doc, err := codec.Marshal(t)
		if err != nil {
			return err
		}
		docs[i] = doc
	}
	_, err := s.col.InsertMany(ctx, docs)
	return err
}

// list returns the trackers in sequence order.
func (s *trackerStore) list(ctx context.Context, filter storage.Filter) ([]object.Tracker, error) {
	docs, err := s.col.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]object.Tracker, len(docs))
	for i, doc := range docs {
		if err := codec.Unmarshal(doc, &out[i]); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// documents returns the ids of every modified document.
func (s *trackerStore) documents(ctx context.Context) ([]string, error) {
	values, err := s.col.Distinct(ctx, "document_id", storage.Filter{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// modification is the pending work for one document.
type modification struct {
	documentID string
	trackers   []string
	ops        []string
}

// group returns the trackers grouped by document, ordered by first mutation.
func group(trackers []object.Tracker) []modification {
	index := make(map[string]int)
	var out []modification
	for _, t := range trackers {
		i, ok := index[t.DocumentID]
		if !ok {
			i = len(out)
			index[t.DocumentID] = i
			out = append(out, modification{documentID: t.DocumentID})
		}
		out[i].trackers = append(out[i].trackers, t.ID)
		out[i].ops = append(out[i].ops, t.Op)
	}
	return out
}

// reduced returns the net operation of every modified document.
func (s *trackerStore) reduced(ctx context.Context) (map[string]string, error) {
	trackers, err := s.list(ctx, storage.Filter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, m := range group(trackers) {
		op, err := Reduce(m.ops)
		if err != nil {
			return nil, fmt.Errorf("%w: document %s: %w", ErrInvalidCollectionState, m.documentID, err)
		}
		out[m.documentID] = op
	}
	return out, nil
}

func (s *trackerStore) delete(ctx context.Context, ids []string) error {
	_, err := s.col.DeleteMany(ctx, storage.ByID(ids...))
	return err
}

func (s *trackerStore) count(ctx context.Context) (int, error) {
	return s.col.Count(ctx, storage.Filter{})
}

func (s *trackerStore) reset(ctx context.Context) error {
	_, err := s.col.DeleteMany(ctx, storage.Filter{})
	return err
}

// opsByKind splits the reduced operations by kind.
func opsByKind(ops map[string]string) (inserted, updated, deleted []string) {
	for id, op := range ops {
		switch op {
		case OpInsert:
			inserted = append(inserted, id)
		case OpUpdate:
			updated = append(updated, id)
		case OpDelete:
			deleted = append(deleted, id)
		}
	}
	slices.Sort(inserted)
	slices.Sort(updated)
	slices.Sort(deleted)
	return inserted, updated, deleted
}
