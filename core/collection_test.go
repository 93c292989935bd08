package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCollection(t *testing.T, db storage.Database, name string) *Collection {
	col, err := Open(context.Background(), db, name, Options{LockPollInterval: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { col.Close() })
	return col
}

func newCollection(t *testing.T, docs ...object.Document) *Collection {
	ctx := context.Background()
	db := storage.NewMemory()
	t.Cleanup(func() { db.Close() })

	col := openCollection(t, db, "docs")
	if len(docs) > 0 {
		_, err := col.Documents().InsertMany(ctx, docs)
		require.NoError(t, err)
	}
	require.NoError(t, col.Init(ctx, "root"))
	return col
}

func put(t *testing.T, col *Collection, id string, doc object.Document) {
	_, err := col.Documents().ReplaceOne(context.Background(), id, doc, true)
	require.NoError(t, err)
}

func register(t *testing.T, col *Collection, message string) {
	ok, err := col.Register(context.Background(), message, "")
	require.NoError(t, err)
	require.True(t, ok, "nothing registered for %s", message)
}

func contents(t *testing.T, col *Collection) map[string]object.Document {
	docs, err := col.Documents().Find(context.Background(), storage.Filter{})
	require.NoError(t, err)
	out := make(map[string]object.Document, len(docs))
	for _, doc := range docs {
		out[doc.ID()] = doc
	}
	return out
}

func TestInitTwice(t *testing.T) {
	col := newCollection(t)
	assert.ErrorIs(t, col.Init(context.Background(), "again"), ErrCollectionAlreadyInitialised)
}

func TestUntracked(t *testing.T) {
	col := openCollection(t, storage.NewMemory(), "docs")

	_, err := col.Register(context.Background(), "message", "")
	assert.ErrorIs(t, err, ErrNotTracked)

	status, err := col.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Tracked)
}

func TestOpenInvalidName(t *testing.T) {
	_, err := Open(context.Background(), storage.NewMemory(), "__log_docs", Options{})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestCheckoutAnyOrder(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a", "n": 0})

	snapshots := []map[string]object.Document{contents(t, col)}
	put(t, col, "a", object.Document{"n": 1})
	put(t, col, "b", object.Document{"s": "x"})
	register(t, col, "one")
	snapshots = append(snapshots, contents(t, col))

	_, err := col.Documents().DeleteMany(ctx, storage.ByID("a"))
	require.NoError(t, err)
	register(t, col, "two")
	snapshots = append(snapshots, contents(t, col))

	put(t, col, "a", object.Document{"n": 3})
	put(t, col, "b", object.Document{"s": "y", "list": []any{1, 2}})
	register(t, col, "three")
	snapshots = append(snapshots, contents(t, col))

	for from := range snapshots {
		for to := range snapshots {
			require.NoError(t, col.Checkout(ctx, from, ""))
			assert.Equal(t, snapshots[from], contents(t, col), "checkout %d", from)

			require.NoError(t, col.Checkout(ctx, to, ""))
			assert.Equal(t, snapshots[to], contents(t, col), "checkout %d from %d", to, from)

			require.NoError(t, col.Checkout(ctx, to, ""))
			assert.Equal(t, snapshots[to], contents(t, col), "checkout %d twice", to)

			changed, err := col.HasChanges(ctx)
			require.NoError(t, err)
			assert.False(t, changed)
		}
	}
}

func TestCheckoutWithChanges(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a", "n": 0})
	put(t, col, "a", object.Document{"n": 1})
	register(t, col, "one")

	put(t, col, "a", object.Document{"n": 2})
	assert.ErrorIs(t, col.Checkout(ctx, 0, ""), ErrInvalidOperation)

	var verr *VersionError
	_, err := col.DiscardChanges(ctx)
	require.NoError(t, err)
	assert.ErrorAs(t, col.Checkout(ctx, 5, ""), &verr)
	assert.Equal(t, 5, verr.Version)
}

func TestBranchStartsEmpty(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a", "n": 0})

	from, err := col.CreateBranch(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, object.Root, from)

	head, err := col.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, object.VersionID{Version: -1, Branch: "dev"}, head)

	put(t, col, "a", object.Document{"n": 1})
	register(t, col, "first on dev")

	head, err = col.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, object.VersionID{Version: 0, Branch: "dev"}, head)

	_, err = col.CreateBranch(ctx, "__hidden")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a", "n": 0}, object.Document{"_id": "b", "n": 0})

	put(t, col, "a", object.Document{"n": 1})
	put(t, col, "c", object.Document{"n": 1})
	put(t, col, "c", object.Document{"n": 2})
	_, err := col.Documents().DeleteMany(ctx, storage.ByID("b"))
	require.NoError(t, err)

	status, err := col.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Tracked)
	assert.True(t, status.Changed)
	assert.Equal(t, object.Root, status.Head)
	assert.Equal(t, []string{"c"}, status.Inserted)
	assert.Equal(t, []string{"a"}, status.Updated)
	assert.Equal(t, []string{"b"}, status.Deleted)
}

func TestDiff(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a", "n": 0})

	changes, err := col.Diff(ctx, nil, DiffBidirectional)
	require.NoError(t, err)
	assert.True(t, changes.IsEmpty())

	put(t, col, "a", object.Document{"n": 1})
	changes, err = col.Diff(ctx, nil, DiffBidirectional)
	require.NoError(t, err)
	assert.Contains(t, changes.From, "a")
	assert.Contains(t, changes.To, "a")

	register(t, col, "one")
	changes, err = col.Diff(ctx, &object.Root, DiffTo)
	require.NoError(t, err)
	assert.Empty(t, changes.From)
	assert.Contains(t, changes.To, "a")

	_, err = col.DiffBranch(ctx, "missing", DiffFrom)
	assert.ErrorIs(t, err, ErrBranchNotFound)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}

func TestListenerResume(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	t.Cleanup(func() { db.Close() })

	col, err := Open(ctx, db, "docs", Options{})
	require.NoError(t, err)
	require.NoError(t, col.Init(ctx, "root"))
	require.NoError(t, col.Close())

	_, err = db.Collection("docs").InsertOne(ctx, object.Document{"_id": "a", "n": 1})
	require.NoError(t, err)

	col = openCollection(t, db, "docs")
	changed, err := col.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	ok, err := col.Register(ctx, "offline write", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRootDropsCollection(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a"})
	put(t, col, "a", object.Document{"n": 1})
	register(t, col, "one")

	require.NoError(t, col.DeleteVersion(ctx, 0, object.MainBranch))
	assert.False(t, col.IsTracked())
}

func TestPushBehind(t *testing.T) {
	ctx := context.Background()
	local := newCollection(t, object.Document{"_id": "a", "n": 0})
	remote := openCollection(t, storage.NewMemory(), "docs")

	_, err := local.Push(ctx, remote, "", true)
	require.NoError(t, err)
	assert.True(t, remote.IsTracked())

	put(t, remote, "a", object.Document{"n": 1})
	register(t, remote, "remote")

	_, err = local.Push(ctx, remote, "", false)
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Contains(t, err.Error(), "Push rejected! The tip of your current branch is behind the remote.")

	_, err = local.Push(ctx, local, "", false)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestPullWithChanges(t *testing.T) {
	ctx := context.Background()
	local := newCollection(t, object.Document{"_id": "a", "n": 0})
	remote := openCollection(t, storage.NewMemory(), "docs")

	_, err := local.Push(ctx, remote, "", true)
	require.NoError(t, err)
	put(t, remote, "a", object.Document{"n": 1})
	register(t, remote, "remote")

	put(t, local, "b", object.Document{"n": 1})
	_, err = local.Pull(ctx, remote, "")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = local.DiscardChanges(ctx)
	require.NoError(t, err)
	ok, err := local.Pull(ctx, remote, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.0, contents(t, local)["a"]["n"])
}

func TestHistoryRestore(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a", "n": 0})
	put(t, col, "a", object.Document{"n": 1})
	register(t, col, "one")
	_, err := col.CreateBranch(ctx, "dev")
	require.NoError(t, err)
	put(t, col, "b", object.Document{"n": 1})
	register(t, col, "on dev")
	require.NoError(t, col.CheckoutBranch(ctx, object.MainBranch))
	put(t, col, "a", object.Document{"n": 2})

	h, err := col.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []object.Document{{"_id": "a", "n": 0.0}}, h.Documents)
	assert.Len(t, h.Entries, 3)
	assert.Len(t, h.Branches, 2)

	restored := openCollection(t, storage.NewMemory(), "copy")
	require.NoError(t, restored.Restore(ctx, h))

	head, err := restored.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, object.VersionID{Version: 1, Branch: object.MainBranch}, head)
	assert.Equal(t, map[string]object.Document{"a": {"_id": "a", "n": 1.0}}, contents(t, restored))

	require.NoError(t, restored.CheckoutBranch(ctx, "dev"))
	assert.Equal(t, map[string]object.Document{
		"a": {"_id": "a", "n": 1.0},
		"b": {"_id": "b", "n": 1.0},
	}, contents(t, restored))

	assert.ErrorIs(t, restored.Restore(ctx, h), ErrCollectionAlreadyInitialised)
}

func TestFileEditor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir := t.TempDir()
	editor := &FileEditor{
		Dir: dir,
		Open: func(path string) error {
			go func() {
				time.Sleep(50 * time.Millisecond)
				data, _ := json.Marshal(map[string]any{"resolved": map[string]any{"n": 7}})
				os.WriteFile(path, data, 0o600)
			}()
			return nil
		},
	}
	doc, err := editor.Resolve(ctx, object.Conflict{
		DocumentID:  "a",
		Destination: object.Document{"_id": "a", "n": 1.0},
		Merged:      object.Document{"_id": "a", "n": 1.0},
		Source:      object.Document{"_id": "a", "n": 2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, object.Document{"_id": "a", "n": 7.0}, doc)

	_, err = os.Stat(filepath.Join(dir, "a.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestLockers(t *testing.T) {
	lockers := map[string]Locker{
		"local":    NewLocalLocker(),
		"document": NewDocumentLocker(storage.NewMemory(), time.Millisecond),
	}
	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			waited, err := locker.Acquire(ctx, "docs")
			require.NoError(t, err)
			assert.False(t, waited)

			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err = locker.Acquire(short, "docs")
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			_, err = locker.Acquire(ctx, "other")
			require.NoError(t, err)

			require.NoError(t, locker.Release(ctx, "docs"))
			waited, err = locker.Acquire(ctx, "docs")
			require.NoError(t, err)
			assert.False(t, waited)
			require.NoError(t, locker.Remove(ctx, "docs"))
		})
	}
}

func TestRegisterRejectedKeepsBranches(t *testing.T) {
	ctx := context.Background()
	col := openCollection(t, storage.NewMemory(), "docs")
	_, err := col.Documents().InsertOne(ctx, object.Document{"_id": "a", "n": 0})
	require.NoError(t, err)
	require.NoError(t, col.InitWithSchema(ctx, "root", "type Doc { n: Int! }"))

	put(t, col, "a", object.Document{"n": 1})
	register(t, col, "one")
	require.NoError(t, col.Checkout(ctx, 0, object.MainBranch))
	put(t, col, "b", object.Document{"s": "no n"})

	_, err = col.Register(ctx, "bad", "feature")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	var branches []string
	for _, b := range col.Branches() {
		branches = append(branches, b.Name)
	}
	assert.Equal(t, []string{object.MainBranch}, branches)

	md, err := col.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, object.Root, md.Head())
	assert.True(t, md.Detached)

	changed, err := col.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRenameTracked(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	col := openCollection(t, db, "usrs")
	_, err := col.Documents().InsertOne(ctx, object.Document{"_id": "a", "n": 0})
	require.NoError(t, err)
	require.NoError(t, col.Init(ctx, "root"))
	put(t, col, "a", object.Document{"n": 1})
	register(t, col, "one")
	put(t, col, "b", object.Document{"n": 2})

	renamed, err := col.Rename(ctx, "users")
	require.NoError(t, err)
	t.Cleanup(func() { renamed.Close() })
	assert.Equal(t, "users", renamed.Name())
	assert.True(t, renamed.IsTracked())

	names, err := db.ListCollections(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "usrs")
	for _, name := range collectionNames("usrs").all() {
		assert.NotContains(t, names, name)
	}
	assert.Contains(t, names, "users")
	assert.Contains(t, names, collectionNames("users").log)

	head, err := renamed.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, object.VersionID{Version: 1, Branch: object.MainBranch}, head)

	// only the change made before renaming is pending
	status, err := renamed.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Changed)
	assert.Equal(t, []string{"b"}, status.Inserted)
	assert.Empty(t, status.Updated)
	assert.Empty(t, status.Deleted)

	register(t, renamed, "two")
	entries, err := renamed.Log(ctx, "")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	require.NoError(t, renamed.Checkout(ctx, 0, object.MainBranch))
	assert.Equal(t, map[string]object.Document{
		"a": {"_id": "a", "n": float64(0)},
	}, contents(t, renamed))
}

func TestRenameUntracked(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	col := openCollection(t, db, "usrs")
	_, err := col.Documents().InsertOne(ctx, object.Document{"_id": "a", "n": 0})
	require.NoError(t, err)

	renamed, err := col.Rename(ctx, "users")
	require.NoError(t, err)
	t.Cleanup(func() { renamed.Close() })
	assert.Equal(t, "users", renamed.Name())
	assert.False(t, renamed.IsTracked())

	names, err := db.ListCollections(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "users")
	assert.NotContains(t, names, "usrs")

	doc, err := renamed.Documents().FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, float64(0), doc["n"])
}

func TestRenameExisting(t *testing.T) {
	ctx := context.Background()
	col := newCollection(t, object.Document{"_id": "a", "n": 0})
	_, err := col.db.Collection("users").InsertOne(ctx, object.Document{"_id": "x"})
	require.NoError(t, err)

	_, err = col.Rename(ctx, "users")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = col.Rename(ctx, "docs")
	assert.ErrorIs(t, err, ErrInvalidOperation)
	_, err = col.Rename(ctx, "__users")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	put(t, col, "a", object.Document{"n": 1})
	register(t, col, "still tracked")
}

func TestWaitingReloadsVersions(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	first := openCollection(t, db, "docs")
	_, err := first.Documents().InsertOne(ctx, object.Document{"_id": "a", "n": 0})
	require.NoError(t, err)
	require.NoError(t, first.Init(ctx, "root"))

	second := openCollection(t, db, "docs")
	require.True(t, second.IsTracked())

	put(t, first, "a", object.Document{"n": 1})
	register(t, first, "one")

	holder := NewDocumentLocker(db, time.Millisecond)
	_, err = holder.Acquire(ctx, "docs")
	require.NoError(t, err)

	var from object.VersionID
	done := make(chan error, 1)
	go func() {
		var err error
		from, err = second.CreateBranch(ctx, "dev")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, holder.Release(ctx, "docs"))
	require.NoError(t, <-done)
	assert.Equal(t, object.VersionID{Version: 1, Branch: object.MainBranch}, from)

	put(t, second, "a", object.Document{"n": 2})
	register(t, second, "on dev")

	head, err := second.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, object.VersionID{Version: 0, Branch: "dev"}, head)

	entries, err := second.Log(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "one", entries[1].Message)
}

func TestDocumentLockerOwner(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	holder := NewDocumentLocker(db, time.Millisecond)
	other := NewDocumentLocker(db, time.Millisecond)

	_, err := holder.Acquire(ctx, "docs")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx, "docs"))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = other.Acquire(short, "docs")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, holder.Release(ctx, "docs"))
	waited, err := other.Acquire(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, waited)
}
