package core

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v(version int, branch string) object.VersionID {
	return object.VersionID{Version: version, Branch: branch}
}

func logEntry(version int, branch, parent string, children ...string) object.LogEntry {
	id := fmt.Sprintf("v%d_%s", version, branch)
	return object.LogEntry{
		ID:        id,
		Version:   version,
		Branch:    branch,
		Message:   id,
		Timestamp: time.Now().UTC(),
		Parent:    parent,
		Children:  children,
	}
}

// sampleLog returns the following tree:
//
//	v0_main
//	├── v1_main
//	│   ├── v2_main
//	│   ├── v0_b2
//	│   └── v0_b3
//	│       ├── v1_b3
//	│       └── v0_b4
//	└── v0_b1
func sampleLog() []object.LogEntry {
	return []object.LogEntry{
		logEntry(0, "main", "", "v1_main", "v0_b1"),
		logEntry(1, "main", "v0_main", "v2_main", "v0_b2", "v0_b3"),
		logEntry(2, "main", "v1_main"),
		logEntry(0, "b1", "v0_main"),
		logEntry(0, "b2", "v1_main"),
		logEntry(0, "b3", "v1_main", "v1_b3", "v0_b4"),
		logEntry(1, "b3", "v0_b3"),
		logEntry(0, "b4", "v0_b3"),
	}
}

func loadSampleLog(t *testing.T) *versionLog {
	ctx := context.Background()
	col := storage.NewMemory().Collection("__log_test")
	for _, e := range sampleLog() {
		doc, err := codec.Marshal(e)
		require.NoError(t, err)
		_, err = col.InsertOne(ctx, doc)
		require.NoError(t, err)
	}
	log := newVersionLog(col)
	require.NoError(t, log.load(ctx))
	return log
}

func TestBuildLogTree(t *testing.T) {
	tree, err := buildLogTree(sampleLog())
	require.NoError(t, err)

	assert.Len(t, tree.nodes, 8)
	assert.Equal(t, v(0, "main"), tree.nodes[tree.root].entry.VersionID())

	s, ok := tree.slot(v(0, "b4"))
	require.True(t, ok)
	assert.Equal(t, 3, tree.nodes[s].depth)
}

func TestBuildLogTreeIntegrity(t *testing.T) {
	cases := map[string][]object.LogEntry{
		"cycle": {
			logEntry(0, "main", "", "v1_main"),
			logEntry(1, "main", "v0_main", "v0_main"),
		},
		"missing root": {
			logEntry(0, "main", "v1_main", "v1_main"),
			logEntry(1, "main", "v0_main", "v0_main"),
		},
		"missing parent": {
			logEntry(0, "main", "", "v1_main"),
			logEntry(1, "main", "v0_main"),
			logEntry(0, "dev", "gone"),
		},
		"unconnected": {
			logEntry(0, "main", "", "v1_main"),
			logEntry(1, "main", "v0_main"),
			logEntry(2, "main", "v1_main"),
		},
	}
	for name, entries := range cases {
		entries := entries
		t.Run(name, func(st *testing.T) {
			st.Parallel()
			_, err := buildLogTree(entries)
			assert.ErrorIs(st, err, ErrInvalidCollectionState)
		})
	}
}

func TestLogPath(t *testing.T) {
	log := loadSampleLog(t)

	cases := []struct {
		from, to object.VersionID
		expect   []PathStep
	}{
		{v(1, "main"), v(1, "main"), nil},
		{v(0, "main"), v(2, "main"), []PathStep{
			{v(0, "main"), Forward}, {v(1, "main"), Forward}, {v(2, "main"), Forward},
		}},
		{v(2, "main"), v(0, "main"), []PathStep{
			{v(2, "main"), Backward}, {v(1, "main"), Backward}, {v(0, "main"), Backward},
		}},
		{v(0, "b3"), v(1, "main"), []PathStep{
			{v(0, "b3"), Backward}, {v(1, "main"), Backward},
		}},
		{v(2, "main"), v(0, "b3"), []PathStep{
			{v(2, "main"), Backward}, {v(1, "main"), Pivot}, {v(0, "b3"), Forward},
		}},
		{v(0, "b4"), v(2, "main"), []PathStep{
			{v(0, "b4"), Backward}, {v(0, "b3"), Backward}, {v(1, "main"), Pivot}, {v(2, "main"), Forward},
		}},
		{v(2, "main"), v(0, "b4"), []PathStep{
			{v(2, "main"), Backward}, {v(1, "main"), Pivot}, {v(0, "b3"), Forward}, {v(0, "b4"), Forward},
		}},
	}
	for _, c := range cases {
		path, err := log.path(c.from, c.to)
		require.NoError(t, err)
		assert.Equal(t, c.expect, path, "%s -> %s", c.from, c.to)
	}
}

func TestLogPathUnknownVersion(t *testing.T) {
	log := loadSampleLog(t)

	_, err := log.path(v(0, "other"), v(2, "main"))
	assert.ErrorIs(t, err, ErrInvalidCollectionVersion)

	_, err = log.path(v(2, "main"), v(2, "brr"))
	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "brr", verr.Branch)
}

func reversePath(path []PathStep) []PathStep {
	out := make([]PathStep, len(path))
	for i, s := range path {
		out[len(path)-1-i] = PathStep{Version: s.Version, Direction: -s.Direction}
	}
	return out
}

func TestLogPathSymmetry(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("reversed path equals the negated opposite path", prop.ForAll(
		func(parents []int, a, b int) bool {
			entries := []object.LogEntry{logEntry(0, "t", "")}
			for i, p := range parents {
				parent := &entries[p%len(entries)]
				child := logEntry(i+1, "t", parent.ID)
				parent.Children = append(parent.Children, child.ID)
				entries = append(entries, child)
			}
			tree, err := buildLogTree(entries)
			if err != nil {
				return false
			}
			va := v(a%len(entries), "t")
			vb := v(b%len(entries), "t")
			ab, err := tree.path(va, vb)
			if err != nil {
				return false
			}
			ba, err := tree.path(vb, va)
			if err != nil {
				return false
			}
			if len(ab) == 0 {
				return va == vb && len(ba) == 0
			}
			return slices.Equal(reversePath(ab), ba) && ab[0].Version == va && ab[len(ab)-1].Version == vb
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestLogHistoryAndEntries(t *testing.T) {
	log := loadSampleLog(t)

	history, err := log.history(v(0, "b4"))
	require.NoError(t, err)
	assert.Equal(t, []object.VersionID{v(0, "b4"), v(0, "b3"), v(1, "main"), v(0, "main")}, history)

	entries, err := log.entries(v(2, "main"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "v2_main", entries[0].ID)
	assert.Equal(t, "v0_main", entries[2].ID)

	parent, ok, err := log.parent(v(0, "b3"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v(1, "main"), parent)

	_, ok, err = log.parent(v(0, "main"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogLeavesAndTips(t *testing.T) {
	log := loadSampleLog(t)

	leaves, err := log.leaves(v(1, "main"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []object.VersionID{v(2, "main"), v(0, "b2"), v(1, "b3"), v(0, "b4")}, leaves)

	leaves, err = log.leaves(v(0, "b1"))
	require.NoError(t, err)
	assert.Equal(t, []object.VersionID{v(0, "b1")}, leaves)

	tip, ok := log.tip("b3")
	assert.True(t, ok)
	assert.Equal(t, v(1, "b3"), tip)

	_, ok = log.tip("missing")
	assert.False(t, ok)
}

func TestLogAddEntry(t *testing.T) {
	ctx := context.Background()
	log := loadSampleLog(t)
	now := time.Now()

	parent := v(2, "main")
	first, err := log.addEntry(ctx, &parent, "main", "v3", now, "")
	require.NoError(t, err)
	assert.Equal(t, v(3, "main"), first.VersionID())
	assert.Equal(t, "v2_main", first.Parent)
	assert.NotEmpty(t, first.ID)

	entry, err := log.addEntry(ctx, &parent, "feature", "f0", now, "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, v(0, "feature"), entry.VersionID())
	assert.Equal(t, "fixed-id", entry.ID)

	missing := v(9, "main")
	_, err = log.addEntry(ctx, &missing, "main", "bad", now, "")
	assert.ErrorIs(t, err, ErrInvalidCollectionVersion)

	reloaded := newVersionLog(log.col)
	require.NoError(t, reloaded.load(ctx))
	assert.Equal(t, 10, reloaded.size())

	p, err := reloaded.entry(parent)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, entry.ID}, p.Children)
}

func TestLogDeleteSubtree(t *testing.T) {
	ctx := context.Background()
	log := loadSampleLog(t)

	err := log.deleteSubtree(ctx, v(0, "b3"))
	require.NoError(t, err)
	assert.Equal(t, 5, log.size())
	assert.False(t, log.contains(v(0, "b3")))
	assert.False(t, log.contains(v(0, "b4")))

	parent, err := log.entry(v(1, "main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"v2_main", "v0_b2"}, parent.Children)

	reloaded := newVersionLog(log.col)
	require.NoError(t, reloaded.load(ctx))
	assert.Equal(t, 5, reloaded.size())
}

func TestLogRebranch(t *testing.T) {
	ctx := context.Background()
	log := loadSampleLog(t)

	err := log.rebranch(ctx, "b3", 0, "new")
	require.NoError(t, err)

	assert.False(t, log.contains(v(0, "b3")))
	e, err := log.entry(v(1, "new"))
	require.NoError(t, err)
	assert.Equal(t, "v1_b3", e.ID)
	assert.Equal(t, "v0_b3", e.Parent)

	b4, err := log.entry(v(0, "b4"))
	require.NoError(t, err)
	assert.Equal(t, "v0_b3", b4.Parent)

	err = log.rebranch(ctx, "main", 2, "tail")
	require.NoError(t, err)
	assert.True(t, log.contains(v(0, "tail")))
	assert.True(t, log.contains(v(1, "main")))
}
