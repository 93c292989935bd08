package core

import (
	"context"
	"reflect"
	"sort"
	"strings"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
)

// AutoMergePrefix starts the message of versions registered by a merge.
const AutoMergePrefix = "[Auto-Merged] \n "

// mergeResult is the outcome of merging one document.
type mergeResult struct {
	doc       object.Document
	conflicts []string
}

// mergeDocument merges the changes made to a document on the source side into the destination side.
// Fields changed on both sides to different values are conflicts and keep the destination value.
func mergeDocument(original, dest, source object.Document) mergeResult {
	if dest.IsEmpty() || source.IsEmpty() {
		// one side deleted the document the other side modified
		return mergeResult{doc: dest, conflicts: []string{object.IDField}}
	}
	merged := codec.Clone(dest)
	keys := make(map[string]struct{})
	for k := range original {
		keys[k] = struct{}{}
	}
	for k := range source {
		keys[k] = struct{}{}
	}
	var conflicts []string
	for k := range keys {
		ov, inOriginal := original[k]
		sv, inSource := source[k]
		if inOriginal == inSource && valueEqual(ov, sv) {
			continue
		}
		dv, inDest := dest[k]
		destChanged := inOriginal != inDest || !valueEqual(ov, dv)
		if destChanged && (inDest != inSource || !valueEqual(dv, sv)) {
			conflicts = append(conflicts, k)
			continue
		}
		if inSource {
			merged[k] = sv
		} else {
			delete(merged, k)
		}
	}
	sort.Strings(conflicts)
	return mergeResult{doc: merged, conflicts: conflicts}
}

// sameDocument compares the fingerprints of two documents. A nil document equals an empty one.
func sameDocument(a, b object.Document) bool {
	ha, err := object.Fingerprint(codec.Clone(a))
	if err != nil {
		return false
	}
	hb, err := object.Fingerprint(codec.Clone(b))
	if err != nil {
		return false
	}
	return ha.Equal(hb)
}

func valueEqual(a, b any) bool {
	na, err := codec.NormalizeValue(a)
	if err != nil {
		return false
	}
	nb, err := codec.NormalizeValue(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// merge applies the changes made between separation and source onto dest and checks dest out.
// Merged documents are left as unregistered changes. Without conflicts they are registered
// and the source branch is deleted, otherwise the conflicts are stored and an AutoMergeError returned.
func (c *Collection) merge(ctx context.Context, dest, source, separation object.VersionID) error {
	md, err := c.meta.get(ctx)
	if err != nil {
		return err
	}
	if err := c.moveTo(ctx, md, separation); err != nil {
		return err
	}
	md.CurrentVersion, md.CurrentBranch = separation.Version, separation.Branch
	destDocs, _, err := c.between(ctx, separation, dest, c.docs)
	if err != nil {
		return err
	}
	sourceDocs, originalDocs, err := c.between(ctx, separation, source, c.docs)
	if err != nil {
		return err
	}
	if err := c.moveTo(ctx, md, dest); err != nil {
		return err
	}
	if err := c.meta.setHead(ctx, dest, false); err != nil {
		return err
	}
	if err := c.refreshDetached(ctx); err != nil {
		return err
	}

	merged := make(map[string]object.Document)
	var conflicts []object.Conflict
	for id, s := range sourceDocs {
		original := originalDocs[id]
		d, ok := destDocs[id]
		if !ok {
			d = original
		}
		switch {
		case sameDocument(original, s):
		case sameDocument(original, d):
			merged[id] = s
		case sameDocument(d, s):
		default:
			r := mergeDocument(original, d, s)
			if len(r.conflicts) > 0 {
				conflicts = append(conflicts, object.Conflict{
					DocumentID:        id,
					Destination:       d,
					Merged:            r.doc,
					Source:            s,
					DestinationBranch: dest.Branch,
					SourceBranch:      source.Branch,
				})
			}
			merged[id] = r.doc
		}
	}
	if err := c.write(ctx, merged); err != nil {
		return err
	}
	if len(conflicts) > 0 {
		if err := c.conflicts.reset(ctx); err != nil {
			return err
		}
		if err := c.conflicts.add(ctx, conflicts); err != nil {
			return err
		}
		if err := c.meta.set(ctx, object.Document{"has_conflicts": true}); err != nil {
			return err
		}
		ids := make([]string, len(conflicts))
		for i, cf := range conflicts {
			ids[i] = cf.DocumentID
		}
		sort.Strings(ids)
		c.logger.Warn("merge left conflicts", "source", source.Branch, "destination", dest.Branch, "documents", len(ids))
		return &AutoMergeError{DocumentIDs: ids, DestinationBranch: dest.Branch, SourceBranch: source.Branch}
	}
	return c.completeMerge(ctx, source.Branch)
}

// completeMerge deletes the merged branch and registers the merged documents.
func (c *Collection) completeMerge(ctx context.Context, branch string) error {
	message, err := c.mergeMessage(branch)
	if err != nil {
		return err
	}
	if err := c.deleteVersion(ctx, 0, branch); err != nil {
		return err
	}
	if _, err := c.register(ctx, message, ""); err != nil {
		return err
	}
	c.logger.Info("merged branch", "source", branch)
	return nil
}

// mergeMessage joins the messages of the versions registered on branch.
func (c *Collection) mergeMessage(branch string) (string, error) {
	b, err := c.branches.get(branch)
	if err != nil {
		return "", err
	}
	entries, err := c.log.entries(b.Target())
	if err != nil {
		return "", err
	}
	var messages []string
	for _, e := range entries {
		if e.Branch != branch {
			break
		}
		messages = append(messages, e.Message)
	}
	return AutoMergePrefix + strings.Join(messages, "\n"), nil
}
