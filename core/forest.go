package core

import (
	"slices"
	"sort"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
)

type forestKind int

const (
	// singleTree holds deltas walked in one direction only.
	singleTree forestKind = iota
	// joinedTrees holds a backward and a forward tree linked below a synthetic pivot.
	joinedTrees
)

type deltaNode struct {
	delta     object.Delta
	direction int
	parent    int
	children  []int
}

// deltaForest is the set of deltas of one document along a path.
// For joinedTrees slot zero is the pivot, its first child roots the backward tree and its second child the forward tree.
type deltaForest struct {
	kind  forestKind
	nodes []deltaNode
	root  int
}

// buildDeltaForest links the deltas of one document registered at the given path steps.
func buildDeltaForest(deltas []object.Delta, steps []PathStep) (*deltaForest, error) {
	position := make(map[object.VersionID]int, len(steps))
	for i, s := range steps {
		position[s.Version] = i
	}
	sorted := make([]object.Delta, 0, len(deltas))
	for _, d := range deltas {
		if _, ok := position[d.VersionID()]; !ok {
			continue
		}
		sorted = append(sorted, d)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return position[sorted[i].VersionID()] < position[sorted[j].VersionID()]
	})

	var backward, forward []object.Delta
	for _, d := range sorted {
		if steps[position[d.VersionID()]].Direction == Backward {
			backward = append(backward, d)
		} else {
			forward = append(forward, d)
		}
	}
	// backward deltas are ordered deepest first, forward deltas top down
	for i := 0; i+1 < len(backward); i++ {
		if backward[i].Parent != backward[i+1].ID {
			return nil, integrityError("delta %s of document %s is not linked to %s", backward[i].VersionID(), backward[i].DocumentID, backward[i+1].VersionID())
		}
	}
	for i := 0; i+1 < len(forward); i++ {
		if forward[i+1].Parent != forward[i].ID {
			return nil, integrityError("delta %s of document %s is not linked to %s", forward[i+1].VersionID(), forward[i+1].DocumentID, forward[i].VersionID())
		}
	}

	f := &deltaForest{root: -1}
	if len(backward) > 0 && len(forward) > 0 {
		f.kind = joinedTrees
		f.root = f.add(object.Delta{DocumentID: sorted[0].DocumentID}, Pivot, -1)
	}
	parent := f.root
	for i := len(backward) - 1; i >= 0; i-- {
		parent = f.add(backward[i], Backward, parent)
	}
	parent = f.root
	for _, d := range forward {
		parent = f.add(d, Forward, parent)
	}
	return f, nil
}

func (f *deltaForest) add(d object.Delta, direction, parent int) int {
	slot := len(f.nodes)
	f.nodes = append(f.nodes, deltaNode{delta: d, direction: direction, parent: parent})
	if parent >= 0 {
		f.nodes[parent].children = append(f.nodes[parent].children, slot)
	} else if f.root < 0 {
		f.root = slot
	}
	return slot
}

// chain returns the slots from s down to the leaf of its tree.
func (f *deltaForest) chain(s int) []int {
	var out []int
	for {
		out = append(out, s)
		if len(f.nodes[s].children) == 0 {
			return out
		}
		s = f.nodes[s].children[0]
	}
}

// walk returns the patches in application order.
func (f *deltaForest) walk(s *deltaStore) ([]codec.Compiled, error) {
	if f.root < 0 {
		return nil, nil
	}
	var slots []int
	switch f.kind {
	case joinedTrees:
		pivot := f.nodes[f.root]
		back := f.chain(pivot.children[0])
		for i := len(back) - 1; i >= 0; i-- {
			slots = append(slots, back[i])
		}
		slots = append(slots, f.root)
		slots = append(slots, f.chain(pivot.children[1])...)
	default:
		slots = f.chain(f.root)
		if f.nodes[f.root].direction == Backward {
			slices.Reverse(slots)
		}
	}
	patches := make([]codec.Compiled, 0, len(slots))
	for _, n := range slots {
		node := f.nodes[n]
		if node.direction == Pivot {
			continue
		}
		c, err := s.compile(node.delta)
		if err != nil {
			return nil, err
		}
		if node.direction == Backward {
			patches = append(patches, c.backward)
		} else {
			patches = append(patches, c.forward)
		}
	}
	return patches, nil
}
