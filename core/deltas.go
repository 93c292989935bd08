package core

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// DefaultCacheSize is the number of decoded deltas kept in memory.
const DefaultCacheSize = 4096

type compiledDelta struct {
	forward  codec.Compiled
	backward codec.Compiled
}

// deltaStore persists the per document patches of every version.
type deltaStore struct {
	col   storage.Collection
	cache *lru.Cache[string, compiledDelta]
}

func newDeltaStore(col storage.Collection, cacheSize int) (*deltaStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, compiledDelta](cacheSize)
	if err != nil {
		return nil, err
	}
	return &deltaStore{col: col, cache: cache}, nil
}

func cacheKey(d object.Delta) string {
	return d.ID + "@" + d.Timestamp.Format(time.RFC3339Nano)
}

func (s *deltaStore) compile(d object.Delta) (compiledDelta, error) {
	key := cacheKey(d)
	if c, ok := s.cache.Get(key); ok {
		return c, nil
	}
	fwd, err := codec.Patch(d.Forward).Compile()
	if err != nil {
		return compiledDelta{}, err
	}
	bwd, err := codec.Patch(d.Backward).Compile()
	if err != nil {
		return compiledDelta{}, err
	}
	c := compiledDelta{forward: fwd, backward: bwd}
	s.cache.Add(key, c)
	return c, nil
}

func decodeDeltas(docs []object.Document) ([]object.Delta, error) {
	out := make([]object.Delta, len(docs))
	for i, doc := range docs {
		if err := codec.Unmarshal(doc, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *deltaStore) put(ctx context.Context, d object.Delta, upsert bool) error {
	if d.Children == nil {
		d.Children = []string{}
	}
	doc, err := codec.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.col.ReplaceOne(ctx, d.ID, doc, upsert)
	return err
}

// forDocument returns the deltas of a document restricted to the given versions.
func (s *deltaStore) forDocument(ctx context.Context, id string, versions []object.VersionID) ([]object.Delta, error) {
	docs, err := s.col.Find(ctx, storage.ByField("document_id", id))
	if err != nil {
		return nil, err
	}
	deltas, err := decodeDeltas(docs)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(deltas, func(d object.Delta) bool {
		return !slices.Contains(versions, d.VersionID())
	}), nil
}

// atVersion returns every delta registered at v.
func (s *deltaStore) atVersion(ctx context.Context, v object.VersionID) ([]object.Delta, error) {
	docs, err := s.col.Find(ctx, storage.Filter{Fields: map[string]any{
		"version": v.Version,
		"branch":  v.Branch,
	}})
	if err != nil {
		return nil, err
	}
	return decodeDeltas(docs)
}

// atVersions returns every delta registered at one of the given versions.
func (s *deltaStore) atVersions(ctx context.Context, versions []object.VersionID) ([]object.Delta, error) {
	var out []object.Delta
	for _, v := range versions {
		deltas, err := s.atVersion(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, deltas...)
	}
	return out, nil
}

// add stores the change of document id from old to new at version target.
// History lists the ancestors of target, nearest first. It returns nil when the documents are equal.
func (s *deltaStore) add(ctx context.Context, old, new object.Document, id string, target object.VersionID, ts time.Time, history []object.VersionID) (*object.Delta, error) {
	fwd, bwd, err := codec.Diff(old, new)
	if err != nil {
		return nil, err
	}
	if fwd == nil {
		return nil, nil
	}
	existing, err := s.forDocument(ctx, id, append(slices.Clone(history), target))
	if err != nil {
		return nil, err
	}
	byVersion := make(map[object.VersionID]object.Delta, len(existing))
	for _, d := range existing {
		byVersion[d.VersionID()] = d
	}
	if d, ok := byVersion[target]; ok {
		d.Forward = []byte(fwd)
		d.Backward = []byte(bwd)
		d.Timestamp = ts.UTC()
		if err := s.put(ctx, d, false); err != nil {
			return nil, err
		}
		return &d, nil
	}
	delta := object.Delta{
		ID:         uuid.NewString(),
		DocumentID: id,
		Version:    target.Version,
		Branch:     target.Branch,
		Timestamp:  ts.UTC(),
		Forward:    []byte(fwd),
		Backward:   []byte(bwd),
		Children:   []string{},
	}
	for _, h := range history {
		parent, ok := byVersion[h]
		if !ok {
			continue
		}
		delta.Parent = parent.ID
		parent.Children = append(parent.Children, delta.ID)
		if err := s.put(ctx, parent, false); err != nil {
			return nil, err
		}
		break
	}
	if err := s.put(ctx, delta, true); err != nil {
		return nil, err
	}
	return &delta, nil
}

// contributing returns the steps of path whose deltas change the documents when walking it.
func contributing(path []PathStep) []PathStep {
	var out []PathStep
	for i, step := range path {
		switch {
		case step.Direction == Pivot:
		case i == 0 && step.Direction == Forward:
		case i == len(path)-1 && step.Direction == Backward:
		default:
			out = append(out, step)
		}
	}
	return out
}

// get returns the patches moving every affected document along path, in application order.
func (s *deltaStore) get(ctx context.Context, path []PathStep) (map[string][]codec.Compiled, error) {
	steps := contributing(path)
	byDocument := make(map[string][]object.Delta)
	for _, step := range steps {
		deltas, err := s.atVersion(ctx, step.Version)
		if err != nil {
			return nil, err
		}
		for _, d := range deltas {
			byDocument[d.DocumentID] = append(byDocument[d.DocumentID], d)
		}
	}
	out := make(map[string][]codec.Compiled, len(byDocument))
	for id, deltas := range byDocument {
		forest, err := buildDeltaForest(deltas, steps)
		if err != nil {
			return nil, err
		}
		patches, err := forest.walk(s)
		if err != nil {
			return nil, err
		}
		out[id] = patches
	}
	return out, nil
}

// deleteSubtrees removes the deltas of every version on the paths from root to the given leaves.
func (s *deltaStore) deleteSubtrees(ctx context.Context, log *versionLog, root object.VersionID, leaves []object.VersionID) error {
	var versions []object.VersionID
	for _, leaf := range leaves {
		path, err := log.path(root, leaf)
		if err != nil {
			return err
		}
		if len(path) == 0 {
			path = []PathStep{{Version: root, Direction: Forward}}
		}
		for _, step := range path {
			if !slices.Contains(versions, step.Version) {
				versions = append(versions, step.Version)
			}
		}
	}
	return s.deleteVersions(ctx, versions)
}

func (s *deltaStore) deleteVersions(ctx context.Context, versions []object.VersionID) error {
	deltas, err := s.atVersions(ctx, versions)
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}
	removed := make(map[string]bool, len(deltas))
	for _, d := range deltas {
		removed[d.ID] = true
	}
	unlink := make(map[string][]string)
	for _, d := range deltas {
		if d.Parent != "" && !removed[d.Parent] {
			unlink[d.Parent] = append(unlink[d.Parent], d.ID)
		}
	}
	for parentID, ids := range unlink {
		doc, err := s.col.FindOne(ctx, parentID)
		if err != nil {
			return integrityError("delta %s references a parent that does not exist", ids[0])
		}
		var parent object.Delta
		if err := codec.Unmarshal(doc, &parent); err != nil {
			return err
		}
		parent.Children = slices.DeleteFunc(parent.Children, func(c string) bool { return slices.Contains(ids, c) })
		if err := s.put(ctx, parent, false); err != nil {
			return err
		}
	}
	ids := make([]string, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	_, err = s.col.DeleteMany(ctx, storage.ByID(ids...))
	return err
}

// rebranch moves the deltas of branch starting at version from onto newBranch, renumbered from zero.
func (s *deltaStore) rebranch(ctx context.Context, branch string, from int, newBranch string) error {
	docs, err := s.col.Find(ctx, storage.ByField("branch", branch))
	if err != nil {
		return err
	}
	deltas, err := decodeDeltas(docs)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if d.Version < from {
			continue
		}
		d.Branch = newBranch
		d.Version -= from
		if err := s.put(ctx, d, false); err != nil {
			return err
		}
	}
	return nil
}

// insert copies deltas from another collection keeping their ids.
// Children that are not part of the copy are dropped and parents outside of it are linked to the copies.
func (s *deltaStore) insert(ctx context.Context, deltas []object.Delta) error {
	batch := make(map[string]bool, len(deltas))
	for _, d := range deltas {
		batch[d.ID] = true
	}
	for _, d := range deltas {
		children := slices.DeleteFunc(slices.Clone(d.Children), func(c string) bool { return !batch[c] })
		if doc, err := s.col.FindOne(ctx, d.ID); err == nil {
			var current object.Delta
			if err := codec.Unmarshal(doc, &current); err != nil {
				return err
			}
			for _, c := range current.Children {
				if !slices.Contains(children, c) {
					children = append(children, c)
				}
			}
		}
		d.Children = children
		if err := s.put(ctx, d, true); err != nil {
			return err
		}
	}
	for _, d := range deltas {
		if d.Parent == "" || batch[d.Parent] {
			continue
		}
		doc, err := s.col.FindOne(ctx, d.Parent)
		if err != nil {
			return integrityError("copied delta %s references a parent that does not exist", d.ID)
		}
		var parent object.Delta
		if err := codec.Unmarshal(doc, &parent); err != nil {
			return err
		}
		if slices.Contains(parent.Children, d.ID) {
			continue
		}
		parent.Children = append(parent.Children, d.ID)
		if err := s.put(ctx, parent, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *deltaStore) reset(ctx context.Context) error {
	s.cache.Purge()
	_, err := s.col.DeleteMany(ctx, storage.Filter{})
	return err
}
