package core

import (
	"context"
	"fmt"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
)

// Direction selects the patches returned by Diff.
type Direction string

const (
	// DiffFrom returns the patches from the other version to the current state.
	DiffFrom Direction = "from"
	// DiffTo returns the patches from the current state to the other version.
	DiffTo Direction = "to"
	// DiffBidirectional returns both.
	DiffBidirectional Direction = "bidirectional"
)

// ParseDirection returns the direction with the given name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DiffFrom, DiffTo, DiffBidirectional:
		return d, nil
	case "":
		return DiffBidirectional, nil
	default:
		return "", fmt.Errorf("unknown diff direction %q", s)
	}
}

// Changes holds the patches of every document that differs, keyed by document id.
type Changes struct {
	From map[string]codec.Patch `json:"from,omitempty"`
	To   map[string]codec.Patch `json:"to,omitempty"`
}

// IsEmpty returns true if no document differs.
func (c Changes) IsEmpty() bool {
	return len(c.From) == 0 && len(c.To) == 0
}

// Diff compares the current state of the collection, including unregistered changes, with a version.
// A nil version compares the unregistered changes with the checked out version.
func (c *Collection) Diff(ctx context.Context, version *object.VersionID, direction Direction) (Changes, error) {
	var out Changes
	err := c.synchronize(ctx, func() (err error) {
		out, err = c.diff(ctx, version, direction)
		return err
	})
	return out, err
}

// DiffBranch compares the current state of the collection with the tip of branch.
func (c *Collection) DiffBranch(ctx context.Context, branch string, direction Direction) (Changes, error) {
	var out Changes
	err := c.synchronize(ctx, func() error {
		if err := c.requireTracked(); err != nil {
			return err
		}
		b, err := c.branches.get(branch)
		if err != nil {
			return err
		}
		target := b.Target()
		out, err = c.diff(ctx, &target, direction)
		return err
	})
	return out, err
}

func (c *Collection) diff(ctx context.Context, version *object.VersionID, direction Direction) (Changes, error) {
	if err := c.requireTracked(); err != nil {
		return Changes{}, err
	}
	changed, err := c.hasChanges(ctx)
	if err != nil {
		return Changes{}, err
	}
	md, err := c.meta.get(ctx)
	if err != nil {
		return Changes{}, err
	}
	position, err := c.position(md)
	if err != nil {
		return Changes{}, err
	}
	modified, err := c.trackers.documents(ctx)
	if err != nil {
		return Changes{}, err
	}
	if version == nil {
		version = &position
	}
	if *version == position && !changed {
		return Changes{}, nil
	}
	if !c.log.contains(*version) {
		return Changes{}, &VersionError{Version: version.Version, Branch: version.Branch}
	}
	other, current, err := c.between(ctx, position, *version, c.replica.col)
	if err != nil {
		return Changes{}, err
	}
	if changed {
		live, err := findByID(ctx, c.docs, modified)
		if err != nil {
			return Changes{}, err
		}
		replicated, err := c.replica.find(ctx, modified)
		if err != nil {
			return Changes{}, err
		}
		for _, id := range modified {
			current[id] = live[id]
			if _, ok := other[id]; !ok {
				other[id] = replicated[id]
			}
		}
	}
	return compare(other, current, direction)
}

// compare returns the patches between the documents of other and current.
func compare(other, current map[string]object.Document, direction Direction) (Changes, error) {
	ids := make(map[string]struct{}, len(current))
	for id := range other {
		ids[id] = struct{}{}
	}
	for id := range current {
		ids[id] = struct{}{}
	}
	out := Changes{From: map[string]codec.Patch{}, To: map[string]codec.Patch{}}
	for id := range ids {
		from, to, err := codec.Diff(other[id], current[id])
		if err != nil {
			return Changes{}, fmt.Errorf("failed to diff document %s: %w", id, err)
		}
		if from == nil {
			continue
		}
		if direction != DiffTo {
			out.From[id] = from
		}
		if direction != DiffFrom {
			out.To[id] = to
		}
	}
	return out, nil
}
