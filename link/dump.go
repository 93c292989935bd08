package link

import (
	"context"
	"fmt"
	"sort"

	"github.com/ipld/go-ipld-prime/datamodel"
)

// Dump returns the ids of the documents changed by every version of a stored history.
// Versions are keyed by their "(version, branch)" form and ids are sorted.
func (s *Store) Dump(ctx context.Context, root datamodel.Link) (map[string][]string, error) {
	node, err := s.Load(ctx, root)
	if err != nil {
		return nil, err
	}
	r := reader{node: node}
	docs := make(map[string][]string)
	for _, lnk := range r.links("entries") {
		entryNode, err := s.Load(ctx, lnk)
		if err != nil {
			return nil, err
		}
		er := reader{node: entryNode}
		version := fmt.Sprintf("(%d, %s)", er.int("version"), er.string("branch"))
		ids := []string{}
		for _, dl := range er.links("deltas") {
			deltaNode, err := s.Load(ctx, dl)
			if err != nil {
				return nil, err
			}
			dr := reader{node: deltaNode}
			ids = append(ids, dr.string("document_id"))
			if dr.err != nil {
				return nil, dr.err
			}
		}
		if er.err != nil {
			return nil, er.err
		}
		sort.Strings(ids)
		docs[version] = ids
	}
	if r.err != nil {
		return nil, r.err
	}
	return docs, nil
}
