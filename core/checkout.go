package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
	"github.com/panjf2000/ants/v2"
)

// Checkout rewrites the collection to the given version of branch.
// An empty branch selects the current branch.
// Writes made by other clients while the collection is rewritten are not tracked.
func (c *Collection) Checkout(ctx context.Context, version int, branch string) error {
	return c.synchronize(ctx, func() error {
		return c.checkout(ctx, &version, branch)
	})
}

// CheckoutBranch rewrites the collection to the tip of branch.
func (c *Collection) CheckoutBranch(ctx context.Context, branch string) error {
	return c.synchronize(ctx, func() error {
		return c.checkout(ctx, nil, branch)
	})
}

// position returns the version the contents of the collection correspond to.
// An empty current branch is positioned at the version it points to.
func (c *Collection) position(md object.Metadata) (object.VersionID, error) {
	if md.CurrentVersion >= 0 {
		return md.Head(), nil
	}
	b, err := c.branches.get(md.CurrentBranch)
	if err != nil {
		return object.VersionID{}, err
	}
	return b.Target(), nil
}

// hasChanges waits for the listener and reports the changed flag.
func (c *Collection) hasChanges(ctx context.Context) (bool, error) {
	if err := c.listener.flush(ctx); err != nil {
		return false, err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return false, err
	}
	return md.Changed, nil
}

func (c *Collection) checkout(ctx context.Context, version *int, branch string) error {
	if err := c.requireTracked(); err != nil {
		return err
	}
	changed, err := c.hasChanges(ctx)
	if err != nil {
		return err
	}
	if changed {
		return invalidOperation("cannot checkout with unregistered changes, register or discard them first")
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return err
	}
	if branch == "" {
		branch = md.CurrentBranch
	}
	dest, err := c.branches.get(branch)
	if err != nil {
		return err
	}
	var target, head object.VersionID
	switch {
	case dest.IsEmpty() && version != nil:
		return &VersionError{Version: *version, Branch: branch}
	case dest.IsEmpty():
		target = dest.Target()
		head = object.VersionID{Version: -1, Branch: branch}
	case version != nil:
		target = object.VersionID{Version: *version, Branch: branch}
		head = target
	default:
		target = dest.Target()
		head = target
	}
	if !c.log.contains(target) {
		return &VersionError{Version: target.Version, Branch: target.Branch}
	}
	detached := !dest.IsEmpty() && head != dest.Target()
	if err := c.moveTo(ctx, md, target); err != nil {
		return err
	}
	if err := c.meta.setHead(ctx, head, detached); err != nil {
		return err
	}
	c.logger.Info("checked out version", "version", head.Version, "branch", head.Branch, "detached", detached)
	return nil
}

// moveTo rewrites the documents changed between the current position and target.
func (c *Collection) moveTo(ctx context.Context, md object.Metadata, target object.VersionID) error {
	current, err := c.position(md)
	if err != nil {
		return err
	}
	if current == target {
		return nil
	}
	docs, _, err := c.between(ctx, current, target, c.docs)
	if err != nil {
		return err
	}
	err = c.paused(ctx, func() error {
		return c.write(ctx, docs)
	})
	if err != nil {
		return err
	}
	return c.replica.snapshot(ctx)
}

// between returns the documents changed between the current and target versions,
// at target and as currently stored in source.
func (c *Collection) between(ctx context.Context, current, target object.VersionID, source storage.Collection) (map[string]object.Document, map[string]object.Document, error) {
	if current == target {
		return map[string]object.Document{}, map[string]object.Document{}, nil
	}
	path, err := c.log.path(current, target)
	if err != nil {
		return nil, nil, err
	}
	patches, err := c.deltas.get(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if len(patches) == 0 {
		return nil, nil, integrityError("no deltas found between %s and %s", current, target)
	}
	ids := make([]string, 0, len(patches))
	for id := range patches {
		ids = append(ids, id)
	}
	docs, err := findByID(ctx, source, ids)
	if err != nil {
		return nil, nil, err
	}
	out, err := applyDeltas(c.pool, patches, docs)
	if err != nil {
		return nil, nil, err
	}
	return out, docs, nil
}

// applyDeltas applies the patches to the matching documents on the worker pool.
// Missing documents start empty and an empty result means the document was deleted.
func applyDeltas(pool *ants.Pool, patches map[string][]codec.Compiled, docs map[string]object.Document) (map[string]object.Document, error) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		err error
	)
	out := make(map[string]object.Document, len(patches))
	for id, p := range patches {
		id, p := id, p
		wg.Add(1)
		serr := pool.Submit(func() {
			defer wg.Done()
			doc, aerr := codec.ApplyCompiled(docs[id], p...)

			mu.Lock()
			defer mu.Unlock()
			if aerr != nil {
				if err == nil {
					err = fmt.Errorf("failed to patch document %s: %w", id, aerr)
				}
				return
			}
			out[id] = doc
		})
		if serr != nil {
			wg.Done()
			wg.Wait()
			return nil, serr
		}
	}
	wg.Wait()
	if err != nil {
		return nil, integrityError("%v", err)
	}
	return out, nil
}

// write stores the documents in the tracked collection. Empty documents are deleted.
func (c *Collection) write(ctx context.Context, docs map[string]object.Document) error {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		err error
	)
	for id, doc := range docs {
		id, doc := id, doc
		wg.Add(1)
		serr := c.pool.Submit(func() {
			defer wg.Done()
			var werr error
			if doc.IsEmpty() {
				_, werr = c.docs.DeleteMany(ctx, storage.ByID(id))
			} else {
				_, werr = c.docs.ReplaceOne(ctx, id, doc, true)
			}
			if werr == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				err = fmt.Errorf("failed to write document %s: %w", id, werr)
			}
		})
		if serr != nil {
			wg.Done()
			wg.Wait()
			return serr
		}
	}
	wg.Wait()
	return err
}
