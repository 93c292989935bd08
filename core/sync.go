package core

import (
	"context"
	"errors"
	"slices"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// Push copies the versions of branch missing on remote and moves the remote branch to the local tip.
// An untracked remote is initialised with the local root version first.
// An empty branch selects the current branch. With checkout the remote follows the pushed tip when it is on branch.
// It returns false when the remote is up to date.
func (c *Collection) Push(ctx context.Context, remote *Collection, branch string, checkout bool) (bool, error) {
	if c.same(remote) {
		return false, invalidOperation("cannot push a collection to itself")
	}
	var ok bool
	err := c.synchronize(ctx, func() error {
		return remote.synchronize(ctx, func() (err error) {
			ok, err = c.push(ctx, remote, branch, checkout)
			return err
		})
	})
	return ok, err
}

// Pull copies the versions of branch missing locally from remote.
// Diverged histories are merged and the local versions are registered on top of the remote ones.
// It returns false when there was nothing to pull.
func (c *Collection) Pull(ctx context.Context, remote *Collection, branch string) (bool, error) {
	if c.same(remote) {
		return false, invalidOperation("cannot pull a collection from itself")
	}
	var ok bool
	err := c.synchronize(ctx, func() error {
		return remote.synchronize(ctx, func() (err error) {
			ok, err = c.pull(ctx, remote, branch)
			return err
		})
	})
	return ok, err
}

func (c *Collection) same(other *Collection) bool {
	return c == other || (c.db == other.db && c.name == other.name)
}

func (c *Collection) push(ctx context.Context, remote *Collection, branch string, checkout bool) (bool, error) {
	if err := c.requireTracked(); err != nil {
		return false, err
	}
	if !remote.tracked {
		if err := c.bootstrap(ctx, remote); err != nil {
			return false, err
		}
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return false, err
	}
	if branch == "" {
		if md.Detached {
			return false, invalidOperation("a branch name is required to push in detached mode")
		}
		branch = md.CurrentBranch
	}
	local, err := c.branches.get(branch)
	if err != nil {
		return false, err
	}
	localTip := local.Target()

	var remoteTip object.VersionID
	rb, err := remote.branches.get(branch)
	switch {
	case err == nil:
		remoteTip = rb.Target()
		remoteLog, err := remote.log.entries(remoteTip)
		if err != nil {
			return false, err
		}
		localLog, err := c.log.entries(localTip)
		if err != nil {
			return false, err
		}
		if len(remoteLog) == len(localLog) && remoteLog[0].WeaklyEquals(localLog[0]) {
			return false, nil
		}
		if len(remoteLog) > len(localLog) {
			return false, invalidOperation("Push rejected! The tip of your current branch is behind the remote.")
		}
	case errors.Is(err, ErrBranchNotFound):
		base := localTip
		if !local.IsEmpty() {
			parent, ok, err := c.log.parent(object.VersionID{Version: 0, Branch: branch})
			if err != nil {
				return false, err
			}
			if !ok {
				parent = object.Root
			}
			base = parent
		}
		if !remote.log.contains(base) {
			return false, invalidOperation("Push rejected! The remote does not contain version %s the branch %s starts from.", base, branch)
		}
		if _, err := remote.branches.set(ctx, branch, base); err != nil {
			return false, err
		}
		remoteTip = base
	default:
		return false, err
	}

	remoteEntry, err := remote.log.entry(remoteTip)
	if err != nil {
		return false, err
	}
	localEntry, err := c.log.entry(remoteTip)
	if err != nil || !remoteEntry.WeaklyEquals(localEntry) {
		return false, invalidOperation("Operation rejected! The remote and local branches have diverged at (or before) version %d.", remoteTip.Version)
	}
	if remoteTip == localTip {
		return false, nil
	}

	path, err := c.log.path(remoteTip, localTip)
	if err != nil {
		return false, err
	}
	versions := make([]object.VersionID, 0, len(path)-1)
	entries := make([]object.LogEntry, 0, len(path)-1)
	for _, step := range path[1:] {
		if step.Direction != Forward {
			return false, integrityError("version %s is not an ancestor of %s", remoteTip, localTip)
		}
		e, err := c.log.entry(step.Version)
		if err != nil {
			return false, err
		}
		versions = append(versions, step.Version)
		entries = append(entries, e)
	}
	if err := remote.log.insertEntries(ctx, remoteTip, entries); err != nil {
		return false, err
	}
	deltas, err := c.deltas.atVersions(ctx, versions)
	if err != nil {
		return false, err
	}
	if err := remote.deltas.insert(ctx, deltas); err != nil {
		return false, err
	}
	if _, err := remote.branches.set(ctx, branch, localTip); err != nil {
		return false, err
	}
	rmd, err := remote.meta.get(ctx)
	if err != nil {
		return false, err
	}
	if checkout && rmd.CurrentBranch == branch {
		if err := remote.checkout(ctx, nil, branch); err != nil {
			return false, err
		}
	} else if err := remote.refreshDetached(ctx); err != nil {
		return false, err
	}
	c.logger.Info("pushed versions", "remote", remote.name, "branch", branch, "versions", len(versions))
	return true, nil
}

// bootstrap replaces remote with the root version of the collection and starts tracking it.
func (c *Collection) bootstrap(ctx context.Context, remote *Collection) error {
	stashed, err := c.stashChanges(ctx, false)
	if err != nil {
		return err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return err
	}
	position, err := c.position(md)
	if err != nil {
		return err
	}
	if err := c.moveTo(ctx, md, object.Root); err != nil {
		return err
	}
	if err := remote.drop(ctx); err != nil {
		return err
	}
	if err := copyDocuments(ctx, c.docs, remote.docs); err != nil {
		return err
	}
	root, ok := c.log.root()
	if !ok {
		return integrityError("collection %s has no root version", c.name)
	}
	if err := remote.init(ctx, root.Message, md.Schema, &root); err != nil {
		return err
	}
	at := object.Metadata{CurrentVersion: object.Root.Version, CurrentBranch: object.Root.Branch}
	if err := c.moveTo(ctx, at, position); err != nil {
		return err
	}
	if stashed {
		if _, err := c.stashApply(ctx); err != nil {
			return err
		}
	}
	c.logger.Info("initialised remote", "remote", remote.name)
	return nil
}

// copyDocuments replaces the contents of to with the documents of from.
// The collections may belong to different databases.
func copyDocuments(ctx context.Context, from, to storage.Collection) error {
	docs, err := from.Find(ctx, storage.Filter{})
	if err != nil {
		return err
	}
	if _, err := to.DeleteMany(ctx, storage.Filter{}); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	_, err = to.InsertMany(ctx, docs)
	return err
}

func (c *Collection) pull(ctx context.Context, remote *Collection, branch string) (bool, error) {
	if !remote.tracked {
		return false, nil
	}
	var md object.Metadata
	if c.tracked {
		var err error
		if md, err = c.meta.get(ctx); err != nil {
			return false, err
		}
		if branch == "" {
			if md.Detached {
				return false, invalidOperation("a branch name is required to pull in detached mode")
			}
			branch = md.CurrentBranch
		}
		changed, err := c.hasChanges(ctx)
		if err != nil {
			return false, err
		}
		if changed && !md.Detached && md.CurrentBranch == branch {
			return false, invalidOperation("cannot pull into the current branch with unregistered changes")
		}
	} else {
		branch = object.MainBranch
	}
	rb, err := remote.branches.get(branch)
	if err != nil {
		return false, err
	}

	var separation, divergence object.VersionID
	diverged := false
	if c.tracked && c.branches.has(branch) {
		lb, err := c.branches.get(branch)
		if err != nil {
			return false, err
		}
		localLog, err := c.log.entries(lb.Target())
		if err != nil {
			return false, err
		}
		remoteLog, err := remote.log.entries(rb.Target())
		if err != nil {
			return false, err
		}
		slices.Reverse(localLog)
		slices.Reverse(remoteLog)
		shared := -1
		for i := 0; i < min(len(localLog), len(remoteLog)); i++ {
			if !localLog[i].WeaklyEquals(remoteLog[i]) {
				diverged = true
				divergence = localLog[i].VersionID()
				break
			}
			shared = i
		}
		if shared < 0 {
			return false, integrityError("the histories of %s and %s share no version", c.name, remote.name)
		}
		if !diverged && len(localLog) >= len(remoteLog) {
			return false, nil
		}
		separation = localLog[shared].VersionID()
	}

	var (
		stashed bool
		head    object.VersionID
		moved   string
	)
	if diverged {
		if stashed, err = c.stashChanges(ctx, false); err != nil {
			return false, err
		}
		head = md.Head()
		if moved, err = c.rebranch(ctx, divergence.Version, divergence.Branch); err != nil {
			return false, err
		}
	}
	checkout := !diverged && (!c.tracked || (!md.Detached && md.CurrentBranch == branch))
	pulled, err := remote.push(ctx, c, branch, checkout)
	if err != nil || !diverged {
		return pulled, err
	}

	dest, err := c.branches.get(branch)
	if err != nil {
		return false, err
	}
	source, err := c.branches.get(moved)
	if err != nil {
		return false, err
	}
	if err := c.merge(ctx, dest.Target(), source.Target(), separation); err != nil {
		return true, err
	}
	if head.Branch != branch && c.branches.has(head.Branch) {
		var version *int
		if head.Version >= 0 {
			version = &head.Version
		}
		if err := c.checkout(ctx, version, head.Branch); err != nil {
			return true, err
		}
	}
	if stashed {
		if _, err := c.stashApply(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}
