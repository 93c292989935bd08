package core

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// DefaultInitMessage is the message of the root version.
const DefaultInitMessage = "Initial collection."

// Path directions.
const (
	Backward = -1
	Pivot    = 0
	Forward  = 1
)

// PathStep is a version visited when moving between two versions and the direction it is walked in.
// A common ancestor that is neither end is marked Pivot instead of repeating the direction of the step before it.
// Its deltas are neither undone nor applied, and reversing a path flips every step but the pivot.
type PathStep struct {
	Version   object.VersionID
	Direction int
}

type logNode struct {
	entry    object.LogEntry
	parent   int
	children []int
	depth    int
}

// logTree is an arena of log entries addressed by slot.
type logTree struct {
	nodes []logNode
	slots map[object.VersionID]int
	root  int
}

// buildLogTree links the given entries into a tree starting from the only parentless entry.
func buildLogTree(entries []object.LogEntry) (*logTree, error) {
	t := &logTree{
		slots: make(map[object.VersionID]int, len(entries)),
		root:  -1,
	}
	if len(entries) == 0 {
		return t, nil
	}
	byID := make(map[string]object.LogEntry, len(entries))
	var roots []object.LogEntry
	for _, e := range entries {
		byID[e.ID] = e
		if e.Parent == "" {
			roots = append(roots, e)
		}
	}
	if len(roots) == 0 {
		return nil, integrityError("no root entry in the log tree")
	}
	ids := make(map[string]int, len(entries))
	stack := []object.LogEntry{roots[0]}
	parents := []int{-1}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		parent := parents[len(parents)-1]
		stack = stack[:len(stack)-1]
		parents = parents[:len(parents)-1]

		if _, seen := ids[e.ID]; seen {
			return nil, integrityError("the log tree has cycles, entry %s is referenced from a subsequent entry", e.VersionID())
		}
		if _, dup := t.slots[e.VersionID()]; dup {
			return nil, integrityError("duplicate log entry for version %s", e.VersionID())
		}
		slot := len(t.nodes)
		depth := 0
		if parent >= 0 {
			depth = t.nodes[parent].depth + 1
			t.nodes[parent].children = append(t.nodes[parent].children, slot)
		}
		t.nodes = append(t.nodes, logNode{entry: e, parent: parent, depth: depth})
		t.slots[e.VersionID()] = slot
		ids[e.ID] = slot

		for i := len(e.Children) - 1; i >= 0; i-- {
			child, ok := byID[e.Children[i]]
			if !ok {
				return nil, integrityError("log entry %s references a child that does not exist", e.ID)
			}
			stack = append(stack, child)
			parents = append(parents, slot)
		}
	}
	for _, e := range entries {
		if e.Parent == "" {
			continue
		}
		if _, ok := byID[e.Parent]; !ok {
			return nil, integrityError("log entry %s references a parent that does not exist", e.ID)
		}
	}
	if len(t.nodes) != len(entries) {
		return nil, integrityError("the log tree has unconnected components, found %d entries not connected to the root", len(entries)-len(t.nodes))
	}
	t.root = 0
	return t, nil
}

func (t *logTree) slot(v object.VersionID) (int, bool) {
	s, ok := t.slots[v]
	return s, ok
}

func (t *logTree) mustSlot(v object.VersionID) (int, error) {
	s, ok := t.slots[v]
	if !ok {
		return 0, &VersionError{Version: v.Version, Branch: v.Branch}
	}
	return s, nil
}

// path returns the steps from a to b through their lowest common ancestor.
func (t *logTree) path(a, b object.VersionID) ([]PathStep, error) {
	ia, err := t.mustSlot(a)
	if err != nil {
		return nil, err
	}
	ib, err := t.mustSlot(b)
	if err != nil {
		return nil, err
	}
	if ia == ib {
		return nil, nil
	}
	var up, down []int
	x, y := ia, ib
	for t.nodes[x].depth > t.nodes[y].depth {
		up = append(up, x)
		x = t.nodes[x].parent
	}
	for t.nodes[y].depth > t.nodes[x].depth {
		down = append(down, y)
		y = t.nodes[y].parent
	}
	for x != y {
		up = append(up, x)
		down = append(down, y)
		x = t.nodes[x].parent
		y = t.nodes[y].parent
	}
	lca := x
	steps := make([]PathStep, 0, len(up)+len(down)+1)
	switch lca {
	case ia:
		steps = append(steps, PathStep{t.nodes[ia].entry.VersionID(), Forward})
		for i := len(down) - 1; i >= 0; i-- {
			steps = append(steps, PathStep{t.nodes[down[i]].entry.VersionID(), Forward})
		}
	case ib:
		for _, s := range up {
			steps = append(steps, PathStep{t.nodes[s].entry.VersionID(), Backward})
		}
		steps = append(steps, PathStep{t.nodes[ib].entry.VersionID(), Backward})
	default:
		for _, s := range up {
			steps = append(steps, PathStep{t.nodes[s].entry.VersionID(), Backward})
		}
		steps = append(steps, PathStep{t.nodes[lca].entry.VersionID(), Pivot})
		for i := len(down) - 1; i >= 0; i-- {
			steps = append(steps, PathStep{t.nodes[down[i]].entry.VersionID(), Forward})
		}
	}
	return steps, nil
}

// ancestors returns the slots from s up to the root.
func (t *logTree) ancestors(s int) []int {
	var out []int
	for ; s >= 0; s = t.nodes[s].parent {
		out = append(out, s)
	}
	return out
}

// subtree returns the slots of the subtree rooted at s, parents before children.
func (t *logTree) subtree(s int) []int {
	out := []int{s}
	for i := 0; i < len(out); i++ {
		out = append(out, t.nodes[out[i]].children...)
	}
	return out
}

// tip returns the deepest version registered on the branch.
func (t *logTree) tip(branch string) (object.VersionID, bool) {
	tip := object.VersionID{Version: -1, Branch: branch}
	for _, n := range t.nodes {
		if n.entry.Branch == branch && n.entry.Version > tip.Version {
			tip.Version = n.entry.Version
		}
	}
	return tip, tip.Version >= 0
}

// versionLog persists the version tree and keeps a cached copy of it.
type versionLog struct {
	col  storage.Collection
	tree *logTree
}

func newVersionLog(col storage.Collection) *versionLog {
	return &versionLog{col: col, tree: &logTree{slots: map[object.VersionID]int{}, root: -1}}
}

// load reads every entry and rebuilds the cached tree.
func (l *versionLog) load(ctx context.Context) error {
	docs, err := l.col.Find(ctx, storage.Filter{})
	if err != nil {
		return err
	}
	entries := make([]object.LogEntry, len(docs))
	for i, doc := range docs {
		if err := codec.Unmarshal(doc, &entries[i]); err != nil {
			return err
		}
	}
	tree, err := buildLogTree(entries)
	if err != nil {
		return err
	}
	l.tree = tree
	return nil
}

// build creates the root entry. An empty id generates a new one.
func (l *versionLog) build(ctx context.Context, message string, ts time.Time, id string) (object.LogEntry, error) {
	if message == "" {
		message = DefaultInitMessage
	}
	return l.addEntry(ctx, nil, object.MainBranch, message, ts, id)
}

// addEntry appends a version below parent. The version number restarts at zero when branch differs from the parent's branch.
func (l *versionLog) addEntry(ctx context.Context, parent *object.VersionID, branch, message string, ts time.Time, id string) (object.LogEntry, error) {
	if id == "" {
		id = uuid.NewString()
	}
	entry := object.LogEntry{
		ID:        id,
		Branch:    branch,
		Message:   message,
		Timestamp: ts.UTC(),
		Children:  []string{},
	}
	var parentEntry object.LogEntry
	if parent != nil {
		ps, err := l.tree.mustSlot(*parent)
		if err != nil {
			return object.LogEntry{}, err
		}
		parentEntry = l.tree.nodes[ps].entry
		entry.Parent = parentEntry.ID
		if parentEntry.Branch == branch {
			entry.Version = parentEntry.Version + 1
		}
	} else if l.tree.root >= 0 {
		return object.LogEntry{}, integrityError("the log tree already has a root")
	}
	if _, ok := l.tree.slot(entry.VersionID()); ok {
		return object.LogEntry{}, integrityError("log entry for version %s already exists", entry.VersionID())
	}
	doc, err := codec.Marshal(entry)
	if err != nil {
		return object.LogEntry{}, err
	}
	if _, err := l.col.InsertOne(ctx, doc); err != nil {
		return object.LogEntry{}, err
	}
	slot := len(l.tree.nodes)
	node := logNode{entry: entry, parent: -1}
	if parent != nil {
		parentEntry.Children = append(slices.Clone(parentEntry.Children), entry.ID)
		if err := l.replace(ctx, parentEntry); err != nil {
			return object.LogEntry{}, err
		}
		ps := l.tree.slots[*parent]
		l.tree.nodes[ps].entry = parentEntry
		l.tree.nodes[ps].children = append(l.tree.nodes[ps].children, slot)
		node.parent = ps
		node.depth = l.tree.nodes[ps].depth + 1
	} else {
		l.tree.root = slot
	}
	l.tree.nodes = append(l.tree.nodes, node)
	l.tree.slots[entry.VersionID()] = slot
	return entry, nil
}

func (l *versionLog) replace(ctx context.Context, entry object.LogEntry) error {
	doc, err := codec.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = l.col.ReplaceOne(ctx, entry.ID, doc, false)
	return err
}

func (l *versionLog) contains(v object.VersionID) bool {
	_, ok := l.tree.slot(v)
	return ok
}

func (l *versionLog) entry(v object.VersionID) (object.LogEntry, error) {
	s, err := l.tree.mustSlot(v)
	if err != nil {
		return object.LogEntry{}, err
	}
	return l.tree.nodes[s].entry, nil
}

func (l *versionLog) root() (object.LogEntry, bool) {
	if l.tree.root < 0 {
		return object.LogEntry{}, false
	}
	return l.tree.nodes[l.tree.root].entry, true
}

func (l *versionLog) size() int {
	return len(l.tree.nodes)
}

// parent returns the version preceding v. The boolean is false for the root.
func (l *versionLog) parent(v object.VersionID) (object.VersionID, bool, error) {
	s, err := l.tree.mustSlot(v)
	if err != nil {
		return object.VersionID{}, false, err
	}
	p := l.tree.nodes[s].parent
	if p < 0 {
		return object.VersionID{}, false, nil
	}
	return l.tree.nodes[p].entry.VersionID(), true, nil
}

// history returns the versions from v up to the root.
func (l *versionLog) history(v object.VersionID) ([]object.VersionID, error) {
	s, err := l.tree.mustSlot(v)
	if err != nil {
		return nil, err
	}
	slots := l.tree.ancestors(s)
	out := make([]object.VersionID, len(slots))
	for i, a := range slots {
		out[i] = l.tree.nodes[a].entry.VersionID()
	}
	return out, nil
}

// entries returns the log entries from v up to the root, newest first.
func (l *versionLog) entries(v object.VersionID) ([]object.LogEntry, error) {
	s, err := l.tree.mustSlot(v)
	if err != nil {
		return nil, err
	}
	slots := l.tree.ancestors(s)
	out := make([]object.LogEntry, len(slots))
	for i, a := range slots {
		out[i] = l.tree.nodes[a].entry
	}
	return out, nil
}

func (l *versionLog) path(a, b object.VersionID) ([]PathStep, error) {
	return l.tree.path(a, b)
}

func (l *versionLog) tip(branch string) (object.VersionID, bool) {
	return l.tree.tip(branch)
}

// subtree returns every version of the subtree rooted at v.
func (l *versionLog) subtree(v object.VersionID) ([]object.VersionID, error) {
	s, err := l.tree.mustSlot(v)
	if err != nil {
		return nil, err
	}
	slots := l.tree.subtree(s)
	out := make([]object.VersionID, len(slots))
	for i, n := range slots {
		out[i] = l.tree.nodes[n].entry.VersionID()
	}
	return out, nil
}

// leaves returns the leaf versions of the subtree rooted at v.
func (l *versionLog) leaves(v object.VersionID) ([]object.VersionID, error) {
	s, err := l.tree.mustSlot(v)
	if err != nil {
		return nil, err
	}
	var out []object.VersionID
	for _, n := range l.tree.subtree(s) {
		if len(l.tree.nodes[n].children) == 0 {
			out = append(out, l.tree.nodes[n].entry.VersionID())
		}
	}
	return out, nil
}

// branchesIn returns the branches with at least one version in the subtree rooted at v.
func (l *versionLog) branchesIn(v object.VersionID) ([]string, error) {
	versions, err := l.subtree(v)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, sv := range versions {
		if !slices.Contains(out, sv.Branch) {
			out = append(out, sv.Branch)
		}
	}
	return out, nil
}

// deleteSubtree removes v and all of its descendants and unlinks v from its parent.
func (l *versionLog) deleteSubtree(ctx context.Context, v object.VersionID) error {
	s, err := l.tree.mustSlot(v)
	if err != nil {
		return err
	}
	var ids []string
	for _, n := range l.tree.subtree(s) {
		ids = append(ids, l.tree.nodes[n].entry.ID)
	}
	if p := l.tree.nodes[s].parent; p >= 0 {
		parent := l.tree.nodes[p].entry
		id := l.tree.nodes[s].entry.ID
		parent.Children = slices.DeleteFunc(slices.Clone(parent.Children), func(c string) bool { return c == id })
		if err := l.replace(ctx, parent); err != nil {
			return err
		}
	}
	if _, err := l.col.DeleteMany(ctx, storage.ByID(ids...)); err != nil {
		return err
	}
	return l.load(ctx)
}

// rebranch moves the versions of branch starting at from onto newBranch, renumbered from zero.
func (l *versionLog) rebranch(ctx context.Context, branch string, from int, newBranch string) error {
	for _, n := range l.tree.nodes {
		e := n.entry
		if e.Branch != branch || e.Version < from {
			continue
		}
		e.Branch = newBranch
		e.Version -= from
		if err := l.replace(ctx, e); err != nil {
			return err
		}
	}
	return l.load(ctx)
}

// insertEntries copies entries verbatim below parent, oldest first.
// Ids are preserved so both sides of a synchronization share the same history.
func (l *versionLog) insertEntries(ctx context.Context, parent object.VersionID, entries []object.LogEntry) error {
	prev := parent
	for _, e := range entries {
		entry, err := l.addEntry(ctx, &prev, e.Branch, e.Message, e.Timestamp, e.ID)
		if err != nil {
			return err
		}
		if entry.Version != e.Version {
			return integrityError("copied log entry %s was numbered %s", e.VersionID(), entry.VersionID())
		}
		prev = entry.VersionID()
	}
	return nil
}

// reset removes every entry.
func (l *versionLog) reset(ctx context.Context) error {
	if _, err := l.col.DeleteMany(ctx, storage.Filter{}); err != nil {
		return err
	}
	l.tree = &logTree{slots: map[object.VersionID]int{}, root: -1}
	return nil
}
