package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// DefaultHeartbeatTimeout bounds how long stopping the listener waits for progress.
const DefaultHeartbeatTimeout = 50 * time.Millisecond

// listener turns the change feed of the tracked collection into trackers.
type listener struct {
	db       storage.Database
	name     string
	trackers *trackerStore
	meta     *metadataStore
	logger   *slog.Logger
	timeout  time.Duration

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	heartbeat chan uint64
	progress  chan struct{}
	err       error

	processed atomic.Uint64
	cutoff    atomic.Uint64
}

func newListener(db storage.Database, name string, trackers *trackerStore, meta *metadataStore, logger *slog.Logger, timeout time.Duration) *listener {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &listener{
		db:       db,
		name:     name,
		trackers: trackers,
		meta:     meta,
		logger:   logger,
		timeout:  timeout,
		progress: make(chan struct{}),
	}
}

// start begins tracking the changes made after sequence number after.
// It returns once the change stream is open.
func (l *listener) start(ctx context.Context, after uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := l.db.Watch(ctx, l.name, after)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to watch collection %s: %w", l.name, err)
	}
	l.processed.Store(after)
	l.cutoff.Store(0)
	l.running = true
	l.err = nil
	l.cancel = cancel
	l.done = make(chan struct{})
	l.heartbeat = make(chan uint64, 1)

	go l.run(runCtx, stream, l.done, l.heartbeat)
	l.logger.Debug("listener started", "collection", l.name, "after", after)
	return nil
}

func (l *listener) run(ctx context.Context, stream storage.ChangeStream, done chan struct{}, heartbeat chan uint64) {
	defer close(done)
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, storage.ErrClosed) {
				l.logger.Error("listener stopped", "collection", l.name, "error", err)
				l.fail(err)
			}
			return
		}
		if err := l.track(ctx, ev); err != nil {
			if ctx.Err() == nil {
				l.logger.Error("failed to track change", "collection", l.name, "seq", ev.Seq, "error", err)
				l.fail(err)
			}
			return
		}
		l.processed.Store(ev.Seq)
		l.notify()
		if l.cutoff.Load() > 0 {
			select {
			case heartbeat <- ev.Seq:
			default:
			}
		}
	}
}

func (l *listener) track(ctx context.Context, ev storage.ChangeEvent) error {
	if err := l.trackers.add(ctx, ev.Seq, ev.DocumentID, ev.Op); err != nil {
		return err
	}
	return l.meta.set(ctx, object.Document{"changed": true, "listener_seq": ev.Seq})
}

func (l *listener) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.err = err
}

// notify wakes everyone waiting in flush.
func (l *listener) notify() {
	l.mu.Lock()
	defer l.mu.Unlock()

	close(l.progress)
	l.progress = make(chan struct{})
}

// stop waits until every change made before the call is tracked and terminates the listener.
// The listener is cancelled when no progress is reported within the heartbeat timeout.
func (l *listener) stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel, done, heartbeat := l.cancel, l.done, l.heartbeat
	l.mu.Unlock()

	cutoff, err := l.db.LastSeq(ctx, l.name)
	if err != nil {
		cancel()
		<-done
		return err
	}
	l.cutoff.Store(cutoff)
wait:
	for l.processed.Load() < cutoff {
		select {
		case <-heartbeat:
		case <-done:
			break wait
		case <-time.After(l.timeout):
			l.logger.Warn("listener terminated before reaching the cutoff",
				"collection", l.name, "processed", l.processed.Load(), "cutoff", cutoff)
			break wait
		}
	}
	cancel()
	<-done
	l.logger.Debug("listener stopped", "collection", l.name, "processed", l.processed.Load())
	return nil
}

// flush blocks until every change made before the call is tracked.
func (l *listener) flush(ctx context.Context) error {
	target, err := l.db.LastSeq(ctx, l.name)
	if err != nil {
		return err
	}
	for {
		l.mu.Lock()
		running, progress, done, failure := l.running, l.progress, l.done, l.err
		l.mu.Unlock()

		if failure != nil {
			return fmt.Errorf("listener failed: %w", failure)
		}
		if !running || l.processed.Load() >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		case <-progress:
		}
	}
}
