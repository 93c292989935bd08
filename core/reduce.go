package core

import (
	"fmt"

	"github.com/nasdf/vercol/storage"
)

// Event operations reduced from a sequence of document mutations.
const (
	OpInsert = storage.OpInsert
	OpUpdate = storage.OpUpdate
	OpDelete = storage.OpDelete
	// OpNoOp means the mutations cancelled each other out.
	OpNoOp = ""
)

// Reduce collapses the mutations of a single document into the one operation with the same effect.
//
// A sequence that starts with an insert and ends with a delete is a no-op regardless of what happened in between.
func Reduce(events []string) (string, error) {
	if len(events) == 0 {
		return OpNoOp, fmt.Errorf("invalid event sequence: expected a non-empty sequence")
	}
	for _, e := range events {
		if e != OpInsert && e != OpUpdate && e != OpDelete {
			return OpNoOp, fmt.Errorf("invalid event %q: expected one of i, u, d", e)
		}
	}
	if len(events) == 1 {
		return events[0], nil
	}
	if events[0] == OpInsert && events[len(events)-1] == OpDelete {
		return OpNoOp, nil
	}
	state := events[0]
	for _, e := range events[1:] {
		next, err := reduceStep(state, e)
		if err != nil {
			return OpNoOp, err
		}
		state = next
	}
	return state, nil
}

func reduceStep(prev, next string) (string, error) {
	switch {
	case prev == OpNoOp:
		return next, nil
	case prev == OpInsert && next == OpDelete:
		return OpNoOp, nil
	case prev == OpInsert && next == OpUpdate:
		return OpInsert, nil
	case prev == OpDelete && next == OpInsert:
		return OpUpdate, nil
	case prev == OpUpdate && next == OpUpdate:
		return OpUpdate, nil
	case prev == OpUpdate && next == OpDelete:
		return OpDelete, nil
	default:
		return OpNoOp, fmt.Errorf("invalid sequence of events %q -> %q", prev, next)
	}
}
