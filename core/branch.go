package core

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nasdf/vercol/object"
)

// rebranchedPrefix names the branches holding versions moved aside by a pull.
const rebranchedPrefix = "__rebranched_"

// CreateBranch creates a branch at the checked out version and switches to it.
// It returns the version the new branch points to.
func (c *Collection) CreateBranch(ctx context.Context, name string) (object.VersionID, error) {
	var v object.VersionID
	err := c.synchronize(ctx, func() (err error) {
		if err := validBranchName(name); err != nil {
			return err
		}
		v, err = c.createBranch(ctx, name)
		return err
	})
	return v, err
}

func (c *Collection) createBranch(ctx context.Context, name string) (object.VersionID, error) {
	if err := c.requireTracked(); err != nil {
		return object.VersionID{}, err
	}
	if c.branches.has(name) {
		return object.VersionID{}, invalidOperation("branch %s already exists", name)
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return object.VersionID{}, err
	}
	previous, err := c.position(md)
	if err != nil {
		return object.VersionID{}, err
	}
	if _, err := c.branches.set(ctx, name, previous); err != nil {
		return object.VersionID{}, err
	}
	if err := c.meta.setHead(ctx, object.VersionID{Version: -1, Branch: name}, false); err != nil {
		return object.VersionID{}, err
	}
	c.logger.Info("created branch", "branch", name, "points_to", previous)
	return previous, nil
}

// DeleteVersion deletes the version and all of its descendants.
// Deleting the root version drops the collection.
// Branches left without versions are deleted and the head moves to the parent when it was inside the subtree.
func (c *Collection) DeleteVersion(ctx context.Context, version int, branch string) error {
	return c.synchronize(ctx, func() error {
		return c.deleteVersion(ctx, version, branch)
	})
}

func (c *Collection) deleteVersion(ctx context.Context, version int, branch string) error {
	if err := c.requireTracked(); err != nil {
		return err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return err
	}
	if branch == "" {
		branch = md.CurrentBranch
	}
	v := object.VersionID{Version: version, Branch: branch}
	previous, ok, err := c.log.parent(v)
	if err != nil {
		return err
	}
	if !ok {
		return c.drop(ctx)
	}
	subtree, err := c.log.subtree(v)
	if err != nil {
		return err
	}
	leaves, err := c.log.leaves(v)
	if err != nil {
		return err
	}
	inside, err := c.log.branchesIn(v)
	if err != nil {
		return err
	}

	deleted := c.branches.pointingInto(subtree)
	for _, b := range inside {
		if b != branch && !slices.Contains(deleted, b) {
			deleted = append(deleted, b)
		}
	}
	deleteBranch := previous.Branch != branch
	if deleteBranch {
		deleted = append(deleted, branch)
	}

	position, err := c.position(md)
	if err != nil {
		return err
	}
	if slices.Contains(subtree, position) || slices.Contains(deleted, md.CurrentBranch) {
		if _, err := c.discardChanges(ctx); err != nil {
			return err
		}
		if err := c.moveTo(ctx, md, previous); err != nil {
			return err
		}
		if err := c.meta.setHead(ctx, previous, true); err != nil {
			return err
		}
	}

	if err := c.deltas.deleteSubtrees(ctx, c.log, v, leaves); err != nil {
		return err
	}
	if err := c.branches.delete(ctx, deleted...); err != nil {
		return err
	}
	if !deleteBranch {
		if _, err := c.branches.set(ctx, branch, previous); err != nil {
			return err
		}
	}
	if err := c.log.deleteSubtree(ctx, v); err != nil {
		return err
	}
	c.logger.Info("deleted version subtree", "version", v, "versions", len(subtree), "branches", deleted)
	return c.refreshDetached(ctx)
}

// refreshDetached recomputes whether the head is behind the tip of its branch.
func (c *Collection) refreshDetached(ctx context.Context) error {
	md, err := c.meta.get(ctx)
	if err != nil {
		return err
	}
	detached := false
	if md.CurrentVersion >= 0 {
		b, err := c.branches.get(md.CurrentBranch)
		detached = err != nil || b.Target() != md.Head()
	}
	if detached == md.Detached {
		return nil
	}
	return c.meta.set(ctx, object.Document{"detached": detached})
}

// rebranch moves the versions of branch starting at version from onto a new hidden branch and returns its name.
func (c *Collection) rebranch(ctx context.Context, from int, branch string) (string, error) {
	if from == object.Root.Version && branch == object.Root.Branch {
		return "", invalidOperation("cannot rebranch the root version")
	}
	start := object.VersionID{Version: from, Branch: branch}
	base, ok, err := c.log.parent(start)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", integrityError("version %s has no parent", start)
	}
	prefix := rebranchedPrefix + branch
	count := 0
	for _, b := range c.branches.list() {
		if strings.HasPrefix(b.Name, prefix) {
			count++
		}
	}
	name := fmt.Sprintf("%s_%d", prefix, count)

	if err := c.log.rebranch(ctx, branch, from, name); err != nil {
		return "", err
	}
	if err := c.deltas.rebranch(ctx, branch, from, name); err != nil {
		return "", err
	}
	if err := c.branches.rebranch(ctx, branch, from, name, base); err != nil {
		return "", err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return "", err
	}
	if md.CurrentBranch == branch && md.CurrentVersion >= from {
		head := object.VersionID{Version: md.CurrentVersion - from, Branch: name}
		if err := c.meta.setHead(ctx, head, md.Detached); err != nil {
			return "", err
		}
	}
	c.logger.Debug("rebranched versions", "branch", branch, "from", from, "to", name)
	return name, nil
}
