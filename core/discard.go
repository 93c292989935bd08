package core

import (
	"context"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// DiscardChanges reverts the collection to the checked out version.
// It returns false when there was nothing to discard.
// As with Checkout, writes made by other clients while reverting are not tracked.
func (c *Collection) DiscardChanges(ctx context.Context) (bool, error) {
	var ok bool
	err := c.synchronize(ctx, func() (err error) {
		ok, err = c.discardChanges(ctx)
		return err
	})
	return ok, err
}

func (c *Collection) discardChanges(ctx context.Context) (bool, error) {
	if err := c.requireTracked(); err != nil {
		return false, err
	}
	if err := c.listener.flush(ctx); err != nil {
		return false, err
	}
	var discarded bool
	err := c.paused(ctx, func() error {
		ops, err := c.trackers.reduced(ctx)
		if err != nil {
			return err
		}
		inserted, updated, deleted := opsByKind(ops)
		if _, err := c.docs.DeleteMany(ctx, storage.ByID(inserted...)); err != nil {
			return err
		}
		restored := append(updated, deleted...)
		replicated, err := c.replica.find(ctx, restored)
		if err != nil {
			return err
		}
		for _, id := range restored {
			doc, ok := replicated[id]
			if !ok {
				if _, err := c.docs.DeleteMany(ctx, storage.ByID(id)); err != nil {
					return err
				}
				continue
			}
			if _, err := c.docs.ReplaceOne(ctx, id, codec.Clone(doc), true); err != nil {
				return err
			}
		}
		if err := c.trackers.reset(ctx); err != nil {
			return err
		}
		discarded = len(ops) > 0
		return c.meta.setChanged(ctx, false)
	})
	if err != nil {
		return false, err
	}
	if discarded {
		c.logger.Info("discarded changes")
	}
	return discarded, nil
}

// Stash puts the unregistered changes aside and discards them.
// An existing stash is replaced only when overwrite is set.
func (c *Collection) Stash(ctx context.Context, overwrite bool) (bool, error) {
	var ok bool
	err := c.synchronize(ctx, func() (err error) {
		ok, err = c.stashChanges(ctx, overwrite)
		return err
	})
	return ok, err
}

func (c *Collection) stashChanges(ctx context.Context, overwrite bool) (bool, error) {
	if err := c.requireTracked(); err != nil {
		return false, err
	}
	changed, err := c.hasChanges(ctx)
	if err != nil || !changed {
		return false, err
	}
	exists, err := c.stash.exists(ctx)
	if err != nil {
		return false, err
	}
	if exists && !overwrite {
		return false, invalidOperation("changes are already stashed, apply or discard them first")
	}
	if err := c.stash.reset(ctx); err != nil {
		return false, err
	}
	if err := c.stash.save(ctx, c.docs, c.trackers); err != nil {
		return false, err
	}
	if err := c.meta.set(ctx, object.Document{"has_stash": true}); err != nil {
		return false, err
	}
	if _, err := c.discardChanges(ctx); err != nil {
		return false, err
	}
	c.logger.Info("stashed changes")
	return true, nil
}

// StashApply restores the stashed changes as unregistered changes and removes the stash.
// It returns false when nothing is stashed.
func (c *Collection) StashApply(ctx context.Context) (bool, error) {
	var ok bool
	err := c.synchronize(ctx, func() (err error) {
		ok, err = c.stashApply(ctx)
		return err
	})
	return ok, err
}

func (c *Collection) stashApply(ctx context.Context) (bool, error) {
	if err := c.requireTracked(); err != nil {
		return false, err
	}
	exists, err := c.stash.exists(ctx)
	if err != nil || !exists {
		return false, err
	}
	changed, err := c.hasChanges(ctx)
	if err != nil {
		return false, err
	}
	if changed {
		return false, invalidOperation("cannot apply the stash with unregistered changes")
	}
	err = c.paused(ctx, func() error {
		trackers, err := c.stash.restore(ctx, c.docs)
		if err != nil {
			return err
		}
		if err := c.trackers.insert(ctx, trackers); err != nil {
			return err
		}
		return c.meta.setChanged(ctx, len(trackers) > 0)
	})
	if err != nil {
		return false, err
	}
	if err := c.stashDiscard(ctx); err != nil {
		return false, err
	}
	c.logger.Info("applied stash")
	return true, nil
}

// StashDiscard removes the stashed changes.
func (c *Collection) StashDiscard(ctx context.Context) error {
	return c.synchronize(ctx, func() error {
		if err := c.requireTracked(); err != nil {
			return err
		}
		return c.stashDiscard(ctx)
	})
}

func (c *Collection) stashDiscard(ctx context.Context) error {
	if err := c.stash.reset(ctx); err != nil {
		return err
	}
	return c.meta.set(ctx, object.Document{"has_stash": false})
}
