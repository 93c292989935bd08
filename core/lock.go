package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// DefaultLockPollInterval is the delay between two attempts to take a held lock.
const DefaultLockPollInterval = 100 * time.Millisecond

// Locker serializes versioning operations on the same collection.
type Locker interface {
	// Acquire blocks until the lock of the named collection is held.
	// It reports whether it had to wait for another holder.
	Acquire(ctx context.Context, name string) (bool, error)
	// Release gives up the lock of the named collection.
	Release(ctx context.Context, name string) error
	// Remove deletes the lock of the named collection.
	Remove(ctx context.Context, name string) error
}

// DocumentLocker is a Locker backed by a shared collection.
// It works across processes using the same database.
// A lock is only released by the DocumentLocker holding it.
type DocumentLocker struct {
	col      storage.Collection
	owner    string
	interval time.Duration
}

// NewDocumentLocker returns a Locker using the lock registry of db.
func NewDocumentLocker(db storage.Database, interval time.Duration) *DocumentLocker {
	if interval <= 0 {
		interval = DefaultLockPollInterval
	}
	return &DocumentLocker{col: db.Collection(LockCollection), owner: uuid.NewString(), interval: interval}
}

func (l *DocumentLocker) ensure(ctx context.Context, name string) error {
	n, err := l.col.Count(ctx, storage.ByID(name))
	if err != nil || n > 0 {
		return err
	}
	doc, err := codec.Marshal(object.Lock{ID: name, CollectionName: name})
	if err != nil {
		return err
	}
	_, err = l.col.InsertOne(ctx, doc)
	if errors.Is(err, storage.ErrDuplicateID) {
		return nil
	}
	return err
}

func (l *DocumentLocker) tryAcquire(ctx context.Context, name string) (bool, error) {
	filter := storage.Filter{
		IDs:    []string{name},
		Fields: map[string]any{"locked": false},
	}
	n, err := l.col.UpdateMany(ctx, filter, object.Document{"locked": true, "owner": l.owner})
	return n == 1, err
}

func (l *DocumentLocker) Acquire(ctx context.Context, name string) (bool, error) {
	if err := l.ensure(ctx, name); err != nil {
		return false, err
	}
	waited := false
	for {
		ok, err := l.tryAcquire(ctx, name)
		if err != nil || ok {
			return waited, err
		}
		waited = true
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-time.After(l.interval):
		}
	}
}

func (l *DocumentLocker) Release(ctx context.Context, name string) error {
	filter := storage.Filter{
		IDs:    []string{name},
		Fields: map[string]any{"owner": l.owner},
	}
	_, err := l.col.UpdateMany(ctx, filter, object.Document{"locked": false, "owner": ""})
	return err
}

func (l *DocumentLocker) Remove(ctx context.Context, name string) error {
	_, err := l.col.DeleteMany(ctx, storage.ByID(name))
	return err
}

// LocalLocker is a Locker for collections used by a single process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) lock(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

func (l *LocalLocker) Acquire(ctx context.Context, name string) (bool, error) {
	ch := l.lock(name)
	select {
	case ch <- struct{}{}:
		return false, nil
	default:
	}
	select {
	case ch <- struct{}{}:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (l *LocalLocker) Release(ctx context.Context, name string) error {
	select {
	case <-l.lock(name):
	default:
	}
	return nil
}

func (l *LocalLocker) Remove(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, name)
	return nil
}
