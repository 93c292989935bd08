package core

import (
	"context"
	"sort"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// branchStore persists the branch pointers and keeps a cached copy of them.
type branchStore struct {
	col      storage.Collection
	branches map[string]object.Branch
}

func newBranchStore(col storage.Collection) *branchStore {
	return &branchStore{col: col, branches: make(map[string]object.Branch)}
}

func (s *branchStore) load(ctx context.Context) error {
	docs, err := s.col.Find(ctx, storage.Filter{})
	if err != nil {
		return err
	}
	branches := make(map[string]object.Branch, len(docs))
	for _, doc := range docs {
		var b object.Branch
		if err := codec.Unmarshal(doc, &b); err != nil {
			return err
		}
		branches[b.Name] = b
	}
	s.branches = branches
	return nil
}

// get returns the named branch.
func (s *branchStore) get(name string) (object.Branch, error) {
	b, ok := s.branches[name]
	if !ok {
		return object.Branch{}, branchNotFound(name)
	}
	return b, nil
}

func (s *branchStore) has(name string) bool {
	_, ok := s.branches[name]
	return ok
}

// list returns every branch sorted by name.
func (s *branchStore) list() []object.Branch {
	out := make([]object.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// set creates or moves the named branch to point at target.
func (s *branchStore) set(ctx context.Context, name string, target object.VersionID) (object.Branch, error) {
	b := object.Branch{Name: name, PointsToVersion: target.Version, PointsToBranch: target.Branch}
	doc, err := codec.Marshal(b)
	if err != nil {
		return object.Branch{}, err
	}
	if _, err := s.col.ReplaceOne(ctx, name, doc, true); err != nil {
		return object.Branch{}, err
	}
	s.branches[name] = b
	return b, nil
}

func (s *branchStore) delete(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	if _, err := s.col.DeleteMany(ctx, storage.ByID(names...)); err != nil {
		return err
	}
	for _, name := range names {
		delete(s.branches, name)
	}
	return nil
}

// pointingInto returns the empty branches whose target is one of the given versions.
func (s *branchStore) pointingInto(versions []object.VersionID) []string {
	var out []string
	for _, b := range s.list() {
		if !b.IsEmpty() {
			continue
		}
		for _, v := range versions {
			if b.Target() == v {
				out = append(out, b.Name)
				break
			}
		}
	}
	return out
}

// rebranch moves the versions of branch starting at from onto newBranch.
// The branch is cut back to base, the version preceding from, and empty branches pointing into the moved versions follow them.
func (s *branchStore) rebranch(ctx context.Context, branch string, from int, newBranch string, base object.VersionID) error {
	b, err := s.get(branch)
	if err != nil {
		return err
	}
	for _, e := range s.list() {
		if !e.IsEmpty() || e.PointsToBranch != branch || e.PointsToVersion < from {
			continue
		}
		if _, err := s.set(ctx, e.Name, object.VersionID{Version: e.PointsToVersion - from, Branch: newBranch}); err != nil {
			return err
		}
	}
	if _, err := s.set(ctx, newBranch, object.VersionID{Version: b.PointsToVersion - from, Branch: newBranch}); err != nil {
		return err
	}
	_, err = s.set(ctx, branch, base)
	return err
}

func (s *branchStore) reset(ctx context.Context) error {
	if _, err := s.col.DeleteMany(ctx, storage.Filter{}); err != nil {
		return err
	}
	s.branches = make(map[string]object.Branch)
	return nil
}

func validBranchName(name string) error {
	switch {
	case name == "":
		return invalidOperation("branch name must not be empty")
	case storage.IsInternal(name):
		return invalidOperation("branch name %q must not start with %q", name, storage.InternalPrefix)
	}
	return nil
}
