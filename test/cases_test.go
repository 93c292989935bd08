package test

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/core"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runner keeps one collection per name, each in its own database.
type runner struct {
	t           *testing.T
	schema      string
	collections map[string]*core.Collection
}

func (r *runner) collection(ctx context.Context, name string) *core.Collection {
	if col, ok := r.collections[name]; ok {
		return col
	}
	db := storage.NewMemory()
	col, err := core.Open(ctx, db, name, core.Options{LockPollInterval: time.Millisecond})
	require.NoError(r.t, err)
	r.t.Cleanup(func() {
		col.Close()
		db.Close()
	})
	r.collections[name] = col
	return col
}

func (r *runner) apply(ctx context.Context, step Step) (bool, error) {
	col := r.collection(ctx, step.CollectionName())
	switch step.Op {
	case "put":
		_, err := col.Documents().ReplaceOne(ctx, step.ID, object.Document(step.Document), true)
		return true, err
	case "delete":
		n, err := col.Documents().DeleteMany(ctx, storage.ByID(step.ID))
		return n > 0, err
	case "init":
		return true, col.InitWithSchema(ctx, step.Message, r.schema)
	case "register":
		return col.Register(ctx, step.Message, step.Branch)
	case "checkout":
		if step.Version != nil {
			return true, col.Checkout(ctx, *step.Version, step.Branch)
		}
		return true, col.CheckoutBranch(ctx, step.Branch)
	case "create_branch":
		_, err := col.CreateBranch(ctx, step.Branch)
		return true, err
	case "delete_version":
		require.NotNil(r.t, step.Version, "delete_version requires a version")
		return true, col.DeleteVersion(ctx, *step.Version, step.Branch)
	case "discard":
		return col.DiscardChanges(ctx)
	case "stash":
		return col.Stash(ctx, step.Overwrite)
	case "stash_apply":
		return col.StashApply(ctx)
	case "stash_discard":
		return true, col.StashDiscard(ctx)
	case "push":
		return col.Push(ctx, r.collection(ctx, step.Remote), step.Branch, step.Checkout)
	case "pull":
		return col.Pull(ctx, r.collection(ctx, step.Remote), step.Branch)
	case "resolve":
		return col.ResolveConflicts(ctx, step.DiscardLocal, core.KeepMerged)
	case "check":
		return true, nil
	default:
		return false, fmt.Errorf("unknown operation %q", step.Op)
	}
}

func (r *runner) check(ctx context.Context, col *core.Collection, expect *Expectation, msg string) {
	t := r.t
	if expect.Documents != nil {
		docs, err := col.Documents().Find(ctx, storage.Filter{})
		require.NoError(t, err, msg)
		actual := make(map[string]object.Document, len(docs))
		for _, doc := range docs {
			actual[doc.ID()] = doc
		}
		expected := make(map[string]object.Document, len(expect.Documents))
		for id, fields := range expect.Documents {
			doc := object.Document{object.IDField: id}
			for k, v := range fields {
				doc[k] = v
			}
			expected[id], err = codec.Normalize(doc)
			require.NoError(t, err, msg)
		}
		assert.Equal(t, expected, actual, msg)
	}
	if expect.Changed != nil {
		changed, err := col.HasChanges(ctx)
		require.NoError(t, err, msg)
		assert.Equal(t, *expect.Changed, changed, "%s: changed", msg)
	}
	if expect.Head != nil || expect.Detached != nil || expect.HasStash != nil || expect.HasConflicts != nil {
		md, err := col.Metadata(ctx)
		require.NoError(t, err, msg)
		if expect.Head != nil {
			assert.Equal(t, *expect.Head, md.Head(), "%s: head", msg)
		}
		if expect.Detached != nil {
			assert.Equal(t, *expect.Detached, md.Detached, "%s: detached", msg)
		}
		if expect.HasStash != nil {
			assert.Equal(t, *expect.HasStash, md.HasStash, "%s: has_stash", msg)
		}
		if expect.HasConflicts != nil {
			assert.Equal(t, *expect.HasConflicts, md.HasConflicts, "%s: has_conflicts", msg)
		}
	}
	if expect.Branches != nil {
		var names []string
		for _, b := range col.Branches() {
			names = append(names, b.Name)
		}
		assert.Equal(t, expect.Branches, names, "%s: branches", msg)
	}
	if expect.Log != nil || expect.Versions > 0 {
		entries, err := col.Log(ctx, "")
		require.NoError(t, err, msg)
		if expect.Versions > 0 {
			assert.Len(t, entries, expect.Versions, "%s: versions", msg)
		}
		if expect.Log != nil {
			messages := make([]string, len(entries))
			for i, e := range entries {
				messages[i] = e.Message
			}
			assert.Equal(t, expect.Log, messages, "%s: log", msg)
		}
	}
	if expect.Conflicts != nil {
		conflicts, err := col.Conflicts(ctx)
		require.NoError(t, err, msg)
		ids := make([]string, len(conflicts))
		for i, c := range conflicts {
			ids[i] = c.DocumentID
		}
		sort.Strings(ids)
		assert.Equal(t, expect.Conflicts, ids, "%s: conflicts", msg)
	}
}

func (s *Scenario) Run(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := &runner{t: t, schema: s.Schema, collections: make(map[string]*core.Collection)}
	for i, step := range s.Steps {
		msg := fmt.Sprintf("step %d (%s on %s)", i+1, step.Op, step.CollectionName())
		ok, err := r.apply(ctx, step)
		if step.Error != "" {
			require.Error(t, err, msg)
			assert.Contains(t, err.Error(), step.Error, msg)
		} else {
			require.NoError(t, err, msg)
		}
		if step.Result != nil {
			assert.Equal(t, *step.Result, ok, "%s: result", msg)
		}
		if step.Expect != nil {
			r.check(ctx, r.collection(ctx, step.CollectionName()), step.Expect, msg)
		}
	}
}

func TestScenarios(t *testing.T) {
	paths, err := ScenarioPaths()
	require.NoError(t, err, "failed to walk scenario files")
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, "failed to load scenario %s", path)

		t.Run(scenario.Description, scenario.Run)
	}
}
