package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
)

// ConflictEditor decides the final state of a conflicting document.
type ConflictEditor interface {
	// Resolve returns the document to keep. An empty document deletes it.
	Resolve(ctx context.Context, conflict object.Conflict) (object.Document, error)
}

// ConflictEditorFunc adapts a function to a ConflictEditor.
type ConflictEditorFunc func(ctx context.Context, conflict object.Conflict) (object.Document, error)

func (f ConflictEditorFunc) Resolve(ctx context.Context, conflict object.Conflict) (object.Document, error) {
	return f(ctx, conflict)
}

// KeepMerged is a ConflictEditor keeping the automatically merged document.
var KeepMerged = ConflictEditorFunc(func(_ context.Context, conflict object.Conflict) (object.Document, error) {
	return conflict.Merged, nil
})

// FileEditor writes the merged document of a conflict to a file and waits until it is saved.
type FileEditor struct {
	// Dir holds the conflict files. Uses os.TempDir() if empty.
	Dir string
	// Timeout bounds the wait for one document. Zero waits until the context is done.
	Timeout time.Duration
	// Open is called once the file is written, typically to start an editor.
	Open   func(path string) error
	Logger *slog.Logger
}

// conflictFile is the contents of the file presented to the user.
type conflictFile struct {
	Destination object.Document `json:"destination"`
	Merged      object.Document `json:"merged"`
	Source      object.Document `json:"source"`
	Resolved    object.Document `json:"resolved"`
}

func (e *FileEditor) Resolve(ctx context.Context, conflict object.Conflict) (object.Document, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := e.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	data, err := json.MarshalIndent(conflictFile{
		Destination: conflict.Destination,
		Merged:      conflict.Merged,
		Source:      conflict.Source,
		Resolved:    conflict.Merged,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, conflict.DocumentID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	defer os.Remove(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return nil, err
	}
	if e.Open != nil {
		if err := e.Open(path); err != nil {
			return nil, err
		}
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	logger.Info("waiting for conflict resolution", "document", conflict.DocumentID, "path", path)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, errors.New("file watcher closed")
			}
			return nil, err
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, errors.New("file watcher closed")
			}
			if filepath.Clean(event.Name) != path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			doc, err := readResolved(path)
			if err != nil {
				logger.Warn("invalid conflict resolution", "path", path, "error", err)
				continue
			}
			if !doc.IsEmpty() {
				doc[object.IDField] = conflict.DocumentID
			}
			return doc, nil
		}
	}
}

func readResolved(path string) (object.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Resolved json.RawMessage `json:"resolved"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Resolved) == 0 || string(file.Resolved) == "null" {
		return object.Document{}, nil
	}
	return codec.Decode(file.Resolved)
}

// ResolveConflicts completes the merge left unfinished by conflicts.
// With discardLocal the merged versions and the merged documents are thrown away,
// otherwise every conflict is resolved by editor and the merge is registered.
// It returns false when there are no conflicts.
func (c *Collection) ResolveConflicts(ctx context.Context, discardLocal bool, editor ConflictEditor) (bool, error) {
	var ok bool
	err := c.synchronize(ctx, func() (err error) {
		ok, err = c.resolveConflicts(ctx, discardLocal, editor)
		return err
	})
	return ok, err
}

func (c *Collection) resolveConflicts(ctx context.Context, discardLocal bool, editor ConflictEditor) (bool, error) {
	if err := c.requireTracked(); err != nil {
		return false, err
	}
	md, err := c.meta.get(ctx)
	if err != nil || !md.HasConflicts {
		return false, err
	}
	conflicts, err := c.conflicts.list(ctx)
	if err != nil {
		return false, err
	}
	if len(conflicts) == 0 {
		return false, c.meta.set(ctx, object.Document{"has_conflicts": false})
	}
	source := conflicts[0].SourceBranch
	if discardLocal {
		if err := c.deleteVersion(ctx, 0, source); err != nil {
			return false, err
		}
		if err := c.clearConflicts(ctx); err != nil {
			return false, err
		}
		if _, err := c.discardChanges(ctx); err != nil {
			return false, err
		}
		c.logger.Info("discarded merged versions", "branch", source)
		return true, nil
	}
	if editor == nil {
		return false, invalidOperation("a conflict editor is required")
	}
	for _, cf := range conflicts {
		doc, err := editor.Resolve(ctx, cf)
		if err != nil {
			return false, fmt.Errorf("failed to resolve document %s: %w", cf.DocumentID, err)
		}
		if doc == nil {
			doc = object.Document{}
		}
		if err := c.write(ctx, map[string]object.Document{cf.DocumentID: doc}); err != nil {
			return false, err
		}
		if err := c.conflicts.remove(ctx, cf.ID); err != nil {
			return false, err
		}
	}
	if err := c.clearConflicts(ctx); err != nil {
		return false, err
	}
	if err := c.completeMerge(ctx, source); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Collection) clearConflicts(ctx context.Context) error {
	if err := c.conflicts.reset(ctx); err != nil {
		return err
	}
	return c.meta.set(ctx, object.Document{"has_conflicts": false})
}
