package core

import (
	"context"
	"sort"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// History is the complete version history of a collection.
type History struct {
	Collection string
	Schema     string
	// Documents holds the contents of the root version.
	Documents []object.Document
	// Entries are ordered parents first.
	Entries  []object.LogEntry
	Deltas   []object.Delta
	Branches []object.Branch
}

// Root returns the root log entry.
func (h History) Root() (object.LogEntry, bool) {
	for _, e := range h.Entries {
		if e.Parent == "" {
			return e, true
		}
	}
	return object.LogEntry{}, false
}

// History returns the version history of the collection.
func (c *Collection) History(ctx context.Context) (History, error) {
	var h History
	err := c.synchronize(ctx, func() (err error) {
		h, err = c.history(ctx)
		return err
	})
	return h, err
}

func (c *Collection) history(ctx context.Context) (History, error) {
	if err := c.requireTracked(); err != nil {
		return History{}, err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return History{}, err
	}
	position, err := c.position(md)
	if err != nil {
		return History{}, err
	}
	// the replica holds the checked out version without unregistered changes
	replicated, err := c.replica.col.Find(ctx, storage.Filter{})
	if err != nil {
		return History{}, err
	}
	atRoot, _, err := c.between(ctx, position, object.Root, c.replica.col)
	if err != nil {
		return History{}, err
	}
	var docs []object.Document
	for _, doc := range replicated {
		if _, ok := atRoot[doc.ID()]; !ok {
			docs = append(docs, doc)
		}
	}
	for _, doc := range atRoot {
		if !doc.IsEmpty() {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })

	root, ok := c.log.root()
	if !ok {
		return History{}, integrityError("collection %s has no root version", c.name)
	}
	subtree, err := c.log.subtree(root.VersionID())
	if err != nil {
		return History{}, err
	}
	entries := make([]object.LogEntry, len(subtree))
	for i, v := range subtree {
		if entries[i], err = c.log.entry(v); err != nil {
			return History{}, err
		}
	}
	deltas, err := decodeAll(ctx, c.deltas)
	if err != nil {
		return History{}, err
	}
	return History{
		Collection: c.name,
		Schema:     md.Schema,
		Documents:  docs,
		Entries:    entries,
		Deltas:     deltas,
		Branches:   c.branches.list(),
	}, nil
}

func decodeAll(ctx context.Context, s *deltaStore) ([]object.Delta, error) {
	docs, err := s.col.Find(ctx, storage.Filter{})
	if err != nil {
		return nil, err
	}
	deltas, err := decodeDeltas(docs)
	if err != nil {
		return nil, err
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].ID < deltas[j].ID })
	return deltas, nil
}

// Restore replaces the contents of an untracked collection with a history and checks out the tip of main.
func (c *Collection) Restore(ctx context.Context, h History) error {
	return c.synchronize(ctx, func() error {
		return c.restore(ctx, h)
	})
}

func (c *Collection) restore(ctx context.Context, h History) error {
	if c.tracked {
		return ErrCollectionAlreadyInitialised
	}
	root, ok := h.Root()
	if !ok {
		return integrityError("history of %s has no root version", h.Collection)
	}
	if _, err := c.docs.DeleteMany(ctx, storage.Filter{}); err != nil {
		return err
	}
	if len(h.Documents) > 0 {
		if _, err := c.docs.InsertMany(ctx, h.Documents); err != nil {
			return err
		}
	}
	if err := c.init(ctx, root.Message, h.Schema, &root); err != nil {
		return err
	}
	byID := make(map[string]object.LogEntry, len(h.Entries))
	for _, e := range h.Entries {
		byID[e.ID] = e
	}
	for _, e := range h.Entries {
		if e.ID == root.ID {
			continue
		}
		parent, ok := byID[e.Parent]
		if !ok {
			return integrityError("log entry %s references a parent that does not exist", e.ID)
		}
		pv := parent.VersionID()
		entry, err := c.log.addEntry(ctx, &pv, e.Branch, e.Message, e.Timestamp, e.ID)
		if err != nil {
			return err
		}
		if entry.VersionID() != e.VersionID() {
			return integrityError("restored log entry %s was numbered %s", e.VersionID(), entry.VersionID())
		}
	}
	if err := c.deltas.insert(ctx, h.Deltas); err != nil {
		return err
	}
	for _, b := range h.Branches {
		if _, err := c.branches.set(ctx, b.Name, b.Target()); err != nil {
			return err
		}
	}
	c.logger.Info("restored history", "versions", len(h.Entries), "deltas", len(h.Deltas))
	return c.checkout(ctx, nil, object.MainBranch)
}
