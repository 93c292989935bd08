package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
	"github.com/nasdf/vercol/types"
	"github.com/panjf2000/ants/v2"
)

// DefaultBatchSize is the number of documents handled by one register task.
const DefaultBatchSize = 256

// Options configure a versioned collection.
type Options struct {
	// Logger is optional, uses slog.Default() if nil.
	Logger *slog.Logger
	// Locker is optional, uses a DocumentLocker on the same database if nil.
	Locker Locker
	// LockPollInterval is the polling interval of the default Locker.
	LockPollInterval time.Duration
	// HeartbeatTimeout bounds how long stopping the listener waits for progress.
	HeartbeatTimeout time.Duration
	// Workers bounds the parallelism of register and checkout. Defaults to the number of CPUs.
	Workers int
	// BatchSize is the number of documents handled by one register task.
	BatchSize int
	// CacheSize is the number of decoded deltas kept in memory.
	CacheSize int
}

// Collection adds version control to a collection of a storage.Database.
type Collection struct {
	db      storage.Database
	name    string
	opts    Options
	docs    storage.Collection
	names   names
	logger  *slog.Logger
	locker  Locker
	workers int
	batch   int
	pool    *ants.Pool

	log       *versionLog
	branches  *branchStore
	deltas    *deltaStore
	meta      *metadataStore
	trackers  *trackerStore
	replica   *replicaStore
	stash     *stashStore
	conflicts *conflictStore
	listener  *listener
	schema    *types.System

	tracked bool
}

// Open returns the named collection of db.
// A tracked collection is verified and its listener resumes from the last tracked change.
func Open(ctx context.Context, db storage.Database, name string, opts Options) (*Collection, error) {
	if name == "" || storage.IsInternal(name) {
		return nil, invalidOperation("invalid collection name %q", name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewDocumentLocker(db, opts.LockPollInterval)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	n := collectionNames(name)
	deltas, err := newDeltaStore(db.Collection(n.deltas), opts.CacheSize)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		logger.Error("checkout worker panic", "collection", name, "panic", v)
	}))
	if err != nil {
		return nil, err
	}
	c := &Collection{
		db:        db,
		name:      name,
		opts:      opts,
		docs:      db.Collection(name),
		names:     n,
		logger:    logger.With("collection", name),
		locker:    locker,
		workers:   workers,
		batch:     batch,
		pool:      pool,
		log:       newVersionLog(db.Collection(n.log)),
		branches:  newBranchStore(db.Collection(n.branches)),
		deltas:    deltas,
		meta:      newMetadataStore(db.Collection(n.metadata), name),
		trackers:  &trackerStore{col: db.Collection(n.modified)},
		conflicts: &conflictStore{col: db.Collection(n.conflicts)},
	}
	c.replica = &replicaStore{source: c.docs, col: db.Collection(n.replica)}
	c.stash = &stashStore{
		docs:     db.Collection(n.stash),
		trackers: &trackerStore{col: db.Collection(n.stashModified)},
	}
	c.listener = newListener(db, name, c.trackers, c.meta, c.logger, opts.HeartbeatTimeout)

	tracked, err := c.meta.exists(ctx)
	if err != nil {
		pool.Release()
		return nil, err
	}
	if !tracked {
		return c, nil
	}
	if err := c.load(ctx); err != nil {
		pool.Release()
		return nil, fmt.Errorf("failed to load collection %s: %w", name, err)
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		pool.Release()
		return nil, err
	}
	if err := c.listener.start(ctx, md.ListenerSeq); err != nil {
		pool.Release()
		return nil, err
	}
	c.tracked = true
	return c, nil
}

// load reads the version tree, the branches and the schema.
func (c *Collection) load(ctx context.Context) error {
	if err := c.log.load(ctx); err != nil {
		return err
	}
	if err := c.branches.load(ctx); err != nil {
		return err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return err
	}
	c.schema = nil
	if md.Schema != "" {
		schema, err := types.NewSystem(md.Schema)
		if err != nil {
			return err
		}
		c.schema = schema
	}
	return nil
}

// synchronize runs fn while holding the collection lock.
// The cached version tree and branches are reloaded when another holder could have changed them.
func (c *Collection) synchronize(ctx context.Context, fn func() error) error {
	waited, err := c.locker.Acquire(ctx, c.name)
	if err != nil {
		return fmt.Errorf("failed to lock collection %s: %w", c.name, err)
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), c.name); err != nil {
			c.logger.Error("failed to release lock", "error", err)
		}
	}()
	if waited {
		c.logger.Debug("lock acquired after waiting")
		if c.tracked {
			if err := c.load(ctx); err != nil {
				return err
			}
		}
	}
	return fn()
}

func (c *Collection) requireTracked() error {
	if !c.tracked {
		return fmt.Errorf("%w: %s", ErrNotTracked, c.name)
	}
	return nil
}

// Name returns the name of the collection.
func (c *Collection) Name() string {
	return c.name
}

// Documents returns the tracked collection. Changes made through it are tracked by the listener.
func (c *Collection) Documents() storage.Collection {
	return c.docs
}

// IsTracked returns true if the collection is initialised for versioning.
func (c *Collection) IsTracked() bool {
	return c.tracked
}

// Init starts tracking the collection and registers its contents as the root version.
func (c *Collection) Init(ctx context.Context, message string) error {
	return c.InitWithSchema(ctx, message, "")
}

// InitWithSchema is like Init and validates registered documents against the given GraphQL object type.
func (c *Collection) InitWithSchema(ctx context.Context, message, schema string) error {
	return c.synchronize(ctx, func() error {
		return c.init(ctx, message, schema, nil)
	})
}

func (c *Collection) init(ctx context.Context, message, schema string, root *object.LogEntry) error {
	if c.tracked {
		return ErrCollectionAlreadyInitialised
	}
	if schema != "" {
		system, err := types.NewSystem(schema)
		if err != nil {
			return invalidOperation("invalid schema: %v", err)
		}
		docs, err := c.docs.Find(ctx, storage.Filter{})
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := system.Validate(doc); err != nil {
				return invalidOperation("document %s: %v", doc.ID(), err)
			}
		}
		c.schema = system
	}
	if err := c.resetTracking(ctx); err != nil {
		return err
	}
	var err error
	if root != nil {
		_, err = c.log.build(ctx, root.Message, root.Timestamp, root.ID)
	} else {
		_, err = c.log.build(ctx, message, time.Now(), "")
	}
	if err != nil {
		return err
	}
	if _, err := c.branches.set(ctx, object.MainBranch, object.Root); err != nil {
		return err
	}
	seq, err := c.db.LastSeq(ctx, c.name)
	if err != nil {
		return err
	}
	err = c.meta.create(ctx, object.Metadata{
		CurrentVersion: object.Root.Version,
		CurrentBranch:  object.Root.Branch,
		ListenerSeq:    seq,
		Schema:         schema,
	})
	if err != nil {
		return err
	}
	if err := c.replica.snapshot(ctx); err != nil {
		return err
	}
	if err := c.listener.start(ctx, seq); err != nil {
		return err
	}
	c.tracked = true
	c.logger.Info("collection initialised")
	return nil
}

// resetTracking removes every tracking record of the collection.
func (c *Collection) resetTracking(ctx context.Context) error {
	if err := c.log.reset(ctx); err != nil {
		return err
	}
	if err := c.branches.reset(ctx); err != nil {
		return err
	}
	if err := c.deltas.reset(ctx); err != nil {
		return err
	}
	for _, name := range []string{c.names.metadata, c.names.modified, c.names.replica, c.names.conflicts, c.names.stash, c.names.stashModified} {
		if err := c.db.DropCollection(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Close stops tracking changes without touching the persisted state.
func (c *Collection) Close() error {
	err := c.listener.stop(context.Background())
	c.pool.Release()
	return err
}

// Drop removes the collection together with every tracking record.
func (c *Collection) Drop(ctx context.Context) error {
	return c.drop(ctx)
}

func (c *Collection) drop(ctx context.Context) error {
	if err := c.listener.stop(ctx); err != nil {
		return err
	}
	for _, name := range c.names.all() {
		if err := c.db.DropCollection(ctx, name); err != nil {
			return err
		}
	}
	if err := c.locker.Remove(ctx, c.name); err != nil {
		return err
	}
	if err := c.db.DropCollection(ctx, c.name); err != nil {
		return err
	}
	c.log = newVersionLog(c.log.col)
	c.branches = newBranchStore(c.branches.col)
	c.deltas.cache.Purge()
	c.schema = nil
	c.tracked = false
	c.logger.Info("collection dropped")
	return nil
}

// CopyFrom replaces the contents of the collection with the matching documents of source.
func (c *Collection) CopyFrom(ctx context.Context, source storage.Collection, filter storage.Filter) (int, error) {
	n, err := source.CopyTo(ctx, filter, c.name)
	if err != nil {
		return 0, err
	}
	if c.tracked {
		if err := c.meta.setChanged(ctx, true); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Metadata returns the head state of the collection.
func (c *Collection) Metadata(ctx context.Context) (object.Metadata, error) {
	if err := c.requireTracked(); err != nil {
		return object.Metadata{}, err
	}
	return c.meta.get(ctx)
}

// Head returns the checked out version.
func (c *Collection) Head(ctx context.Context) (object.VersionID, error) {
	md, err := c.Metadata(ctx)
	if err != nil {
		return object.VersionID{}, err
	}
	return md.Head(), nil
}

// HasChanges returns true if the collection was modified since the checked out version.
func (c *Collection) HasChanges(ctx context.Context) (bool, error) {
	if !c.tracked {
		return false, nil
	}
	if err := c.listener.flush(ctx); err != nil {
		return false, err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return false, err
	}
	return md.Changed, nil
}

// Status describes the head and the unregistered changes of a collection.
type Status struct {
	Tracked      bool             `json:"tracked"`
	Head         object.VersionID `json:"head"`
	Detached     bool             `json:"detached"`
	Changed      bool             `json:"changed"`
	HasStash     bool             `json:"has_stash"`
	HasConflicts bool             `json:"has_conflicts"`
	Inserted     []string         `json:"inserted,omitempty"`
	Updated      []string         `json:"updated,omitempty"`
	Deleted      []string         `json:"deleted,omitempty"`
}

// Status returns the head state and the net change of every modified document.
func (c *Collection) Status(ctx context.Context) (Status, error) {
	if !c.tracked {
		return Status{}, nil
	}
	if err := c.listener.flush(ctx); err != nil {
		return Status{}, err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return Status{}, err
	}
	ops, err := c.trackers.reduced(ctx)
	if err != nil {
		return Status{}, err
	}
	inserted, updated, deleted := opsByKind(ops)
	return Status{
		Tracked:      true,
		Head:         md.Head(),
		Detached:     md.Detached,
		Changed:      md.Changed,
		HasStash:     md.HasStash,
		HasConflicts: md.HasConflicts,
		Inserted:     inserted,
		Updated:      updated,
		Deleted:      deleted,
	}, nil
}

// Branches returns every branch sorted by name.
func (c *Collection) Branches() []object.Branch {
	return c.branches.list()
}

// Log returns the versions of the branch from its tip to the root, newest first.
// An empty branch name selects the current branch.
func (c *Collection) Log(ctx context.Context, branch string) ([]object.LogEntry, error) {
	if err := c.requireTracked(); err != nil {
		return nil, err
	}
	if branch == "" {
		md, err := c.meta.get(ctx)
		if err != nil {
			return nil, err
		}
		branch = md.CurrentBranch
	}
	b, err := c.branches.get(branch)
	if err != nil {
		return nil, err
	}
	return c.log.entries(b.Target())
}

// Conflicts returns the documents left unmerged by the last merge.
func (c *Collection) Conflicts(ctx context.Context) ([]object.Conflict, error) {
	if err := c.requireTracked(); err != nil {
		return nil, err
	}
	return c.conflicts.list(ctx)
}

// Flush blocks until every change made to the collection so far is tracked.
func (c *Collection) Flush(ctx context.Context) error {
	return c.listener.flush(ctx)
}

// pause stops the listener before the engine writes to the collection itself.
func (c *Collection) pause(ctx context.Context) error {
	return c.listener.stop(ctx)
}

// resume restarts the listener after the changes made by the engine.
func (c *Collection) resume(ctx context.Context) error {
	seq, err := c.db.LastSeq(ctx, c.name)
	if err != nil {
		return err
	}
	if err := c.meta.set(ctx, object.Document{"listener_seq": seq}); err != nil {
		return err
	}
	return c.listener.start(ctx, seq)
}

// paused runs fn with the listener stopped so the writes of fn are not tracked.
func (c *Collection) paused(ctx context.Context, fn func() error) error {
	if err := c.pause(ctx); err != nil {
		return err
	}
	err := fn()
	if rerr := c.resume(ctx); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}
