package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
	"golang.org/x/sync/errgroup"
)

// Register records the changes made since the checked out version as a new version.
// A branch name is required in detached mode, the branch is created at the checked out version.
// It returns false when there was nothing to register.
func (c *Collection) Register(ctx context.Context, message, branch string) (bool, error) {
	var ok bool
	err := c.synchronize(ctx, func() (err error) {
		ok, err = c.register(ctx, message, branch)
		return err
	})
	return ok, err
}

func (c *Collection) register(ctx context.Context, message, branch string) (bool, error) {
	if err := c.requireTracked(); err != nil {
		return false, err
	}
	changed, err := c.hasChanges(ctx)
	if err != nil || !changed {
		return false, err
	}
	pending, err := c.trackers.list(ctx, storage.Filter{})
	if err != nil {
		return false, err
	}
	// a rejected document must not leave a new branch behind
	if err := c.validate(ctx, group(pending)); err != nil {
		return false, err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return false, err
	}
	previous := md.Head()
	switch {
	case md.Detached:
		if branch == "" {
			return false, invalidOperation("a branch name is required to register in detached mode")
		}
		if err := validBranchName(branch); err != nil {
			return false, err
		}
		previous, err = c.createBranch(ctx, branch)
		if err != nil {
			return false, err
		}
		md.CurrentVersion, md.CurrentBranch = -1, branch
	case previous.Version < 0:
		previous, err = c.position(md)
		if err != nil {
			return false, err
		}
	}
	history, err := c.log.history(previous)
	if err != nil {
		return false, err
	}
	target := object.VersionID{Version: md.CurrentVersion + 1, Branch: md.CurrentBranch}
	now := time.Now().UTC()

	registered := false
	for {
		trackers, err := c.trackers.list(ctx, storage.Filter{})
		if err != nil {
			return false, err
		}
		if len(trackers) == 0 {
			break
		}
		ok, err := c.registerChanges(ctx, group(trackers), target, now, history)
		if err != nil {
			return false, err
		}
		registered = registered || ok
	}
	if !registered {
		c.logger.Debug("modified documents match the checked out version")
		return false, c.meta.setChanged(ctx, false)
	}

	entry, err := c.log.addEntry(ctx, &previous, target.Branch, message, now, "")
	if err != nil {
		return false, err
	}
	if entry.VersionID() != target {
		return false, integrityError("registered %s while expecting %s", entry.VersionID(), target)
	}
	if _, err := c.branches.set(ctx, target.Branch, target); err != nil {
		return false, err
	}
	err = c.meta.set(ctx, object.Document{
		"current_version": target.Version,
		"current_branch":  target.Branch,
		"detached":        false,
		"changed":         false,
	})
	if err != nil {
		return false, err
	}
	if err := c.replica.snapshot(ctx); err != nil {
		return false, err
	}
	// changes made while registering stay tracked for the next version
	if n, err := c.trackers.count(ctx); err != nil {
		return false, err
	} else if n > 0 {
		if err := c.meta.setChanged(ctx, true); err != nil {
			return false, err
		}
	}
	c.logger.Info("registered version", "version", target.Version, "branch", target.Branch)
	return true, nil
}

// registerChanges stores the deltas of the modified documents in batches and removes their trackers.
// It returns true if any document differs from the registered state.
func (c *Collection) registerChanges(ctx context.Context, mods []modification, target object.VersionID, now time.Time, history []object.VersionID) (bool, error) {
	if err := c.validate(ctx, mods); err != nil {
		return false, err
	}
	var registered atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for start := 0; start < len(mods); start += c.batch {
		batch := mods[start:min(start+c.batch, len(mods))]
		g.Go(func() error {
			ids := make([]string, len(batch))
			var trackers []string
			for i, m := range batch {
				ids[i] = m.documentID
				trackers = append(trackers, m.trackers...)
			}
			old, err := c.replica.find(gctx, ids)
			if err != nil {
				return err
			}
			live, err := findByID(gctx, c.docs, ids)
			if err != nil {
				return err
			}
			for _, id := range ids {
				d, err := c.deltas.add(gctx, old[id], live[id], id, target, now, history)
				if err != nil {
					return err
				}
				if d != nil {
					registered.Store(true)
				}
			}
			return c.trackers.delete(gctx, trackers)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return registered.Load(), nil
}

// validate checks the modified documents against the schema of the collection.
func (c *Collection) validate(ctx context.Context, mods []modification) error {
	if c.schema == nil {
		return nil
	}
	ids := make([]string, len(mods))
	for i, m := range mods {
		ids[i] = m.documentID
	}
	docs, err := findByID(ctx, c.docs, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok {
			continue
		}
		if err := c.schema.Validate(doc); err != nil {
			return invalidOperation("document %s: %v", id, err)
		}
	}
	return nil
}
