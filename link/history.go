package link

import (
	"context"
	"fmt"
	"time"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/core"
	"github.com/nasdf/vercol/object"
)

// Format identifies the layout of history archives.
const Format = "vercol/history/1"

// Put stores the history as a DAG and returns the link of its root node.
// Every log entry links to the deltas registered at its version.
func (s *Store) Put(ctx context.Context, h core.History) (datamodel.Link, error) {
	deltas := make(map[object.VersionID][]datamodel.Link)
	for _, d := range h.Deltas {
		node, err := deltaNode(d)
		if err != nil {
			return nil, err
		}
		lnk, err := s.Store(ctx, node)
		if err != nil {
			return nil, err
		}
		deltas[d.VersionID()] = append(deltas[d.VersionID()], lnk)
	}
	entries := make([]datamodel.Link, len(h.Entries))
	for i, e := range h.Entries {
		node, err := entryNode(e, deltas[e.VersionID()])
		if err != nil {
			return nil, err
		}
		if entries[i], err = s.Store(ctx, node); err != nil {
			return nil, err
		}
	}
	docs := make([]datamodel.Link, len(h.Documents))
	for i, doc := range h.Documents {
		data, err := codec.Encode(doc)
		if err != nil {
			return nil, err
		}
		if docs[i], err = s.Store(ctx, basicnode.NewBytes(data)); err != nil {
			return nil, err
		}
	}
	root, err := qp.BuildMap(basicnode.Prototype.Any, 6, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "format", qp.String(Format))
		qp.MapEntry(ma, "collection", qp.String(h.Collection))
		qp.MapEntry(ma, "schema", qp.String(h.Schema))
		qp.MapEntry(ma, "documents", linkList(docs))
		qp.MapEntry(ma, "entries", linkList(entries))
		qp.MapEntry(ma, "branches", qp.List(int64(len(h.Branches)), func(la datamodel.ListAssembler) {
			for _, b := range h.Branches {
				qp.ListEntry(la, qp.Map(3, func(ma datamodel.MapAssembler) {
					qp.MapEntry(ma, "name", qp.String(b.Name))
					qp.MapEntry(ma, "points_to_version", qp.Int(int64(b.PointsToVersion)))
					qp.MapEntry(ma, "points_to_branch", qp.String(b.PointsToBranch))
				}))
			}
		}))
	})
	if err != nil {
		return nil, err
	}
	return s.Store(ctx, root)
}

func linkList(links []datamodel.Link) qp.Assemble {
	return qp.List(int64(len(links)), func(la datamodel.ListAssembler) {
		for _, l := range links {
			qp.ListEntry(la, qp.Link(l))
		}
	})
}

func entryNode(e object.LogEntry, deltas []datamodel.Link) (datamodel.Node, error) {
	return qp.BuildMap(basicnode.Prototype.Any, 7, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "id", qp.String(e.ID))
		qp.MapEntry(ma, "version", qp.Int(int64(e.Version)))
		qp.MapEntry(ma, "branch", qp.String(e.Branch))
		qp.MapEntry(ma, "message", qp.String(e.Message))
		qp.MapEntry(ma, "timestamp", qp.String(e.Timestamp.Format(time.RFC3339Nano)))
		qp.MapEntry(ma, "parent", qp.String(e.Parent))
		qp.MapEntry(ma, "deltas", linkList(deltas))
	})
}

func deltaNode(d object.Delta) (datamodel.Node, error) {
	return qp.BuildMap(basicnode.Prototype.Any, 8, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "id", qp.String(d.ID))
		qp.MapEntry(ma, "document_id", qp.String(d.DocumentID))
		qp.MapEntry(ma, "version", qp.Int(int64(d.Version)))
		qp.MapEntry(ma, "branch", qp.String(d.Branch))
		qp.MapEntry(ma, "timestamp", qp.String(d.Timestamp.Format(time.RFC3339Nano)))
		qp.MapEntry(ma, "forward", qp.Bytes(d.Forward))
		qp.MapEntry(ma, "backward", qp.Bytes(d.Backward))
		qp.MapEntry(ma, "parent", qp.String(d.Parent))
	})
}

// Get loads the history stored under the given root link.
func (s *Store) Get(ctx context.Context, root datamodel.Link) (core.History, error) {
	node, err := s.Load(ctx, root)
	if err != nil {
		return core.History{}, err
	}
	r := reader{node: node}
	if format := r.string("format"); r.err == nil && format != Format {
		return core.History{}, fmt.Errorf("unsupported archive format %q", format)
	}
	h := core.History{
		Collection: r.string("collection"),
		Schema:     r.string("schema"),
	}
	for _, lnk := range r.links("documents") {
		n, err := s.Load(ctx, lnk)
		if err != nil {
			return core.History{}, err
		}
		data, err := n.AsBytes()
		if err != nil {
			return core.History{}, err
		}
		doc, err := codec.Decode(data)
		if err != nil {
			return core.History{}, err
		}
		h.Documents = append(h.Documents, doc)
	}
	children := make(map[string][]string)
	for _, lnk := range r.links("entries") {
		n, err := s.Load(ctx, lnk)
		if err != nil {
			return core.History{}, err
		}
		er := reader{node: n}
		e := object.LogEntry{
			ID:        er.string("id"),
			Version:   er.int("version"),
			Branch:    er.string("branch"),
			Message:   er.string("message"),
			Timestamp: er.time("timestamp"),
			Parent:    er.string("parent"),
		}
		for _, dl := range er.links("deltas") {
			dn, err := s.Load(ctx, dl)
			if err != nil {
				return core.History{}, err
			}
			dr := reader{node: dn}
			d := object.Delta{
				ID:         dr.string("id"),
				DocumentID: dr.string("document_id"),
				Version:    dr.int("version"),
				Branch:     dr.string("branch"),
				Timestamp:  dr.time("timestamp"),
				Forward:    dr.bytes("forward"),
				Backward:   dr.bytes("backward"),
				Parent:     dr.string("parent"),
			}
			if dr.err != nil {
				return core.History{}, fmt.Errorf("invalid delta node %s: %w", dl, dr.err)
			}
			h.Deltas = append(h.Deltas, d)
		}
		if er.err != nil {
			return core.History{}, fmt.Errorf("invalid log entry node %s: %w", lnk, er.err)
		}
		if e.Parent != "" {
			children[e.Parent] = append(children[e.Parent], e.ID)
		}
		h.Entries = append(h.Entries, e)
	}
	deltaChildren := make(map[string][]string)
	for _, d := range h.Deltas {
		if d.Parent != "" {
			deltaChildren[d.Parent] = append(deltaChildren[d.Parent], d.ID)
		}
	}
	for i := range h.Entries {
		h.Entries[i].Children = append([]string{}, children[h.Entries[i].ID]...)
	}
	for i := range h.Deltas {
		h.Deltas[i].Children = append([]string{}, deltaChildren[h.Deltas[i].ID]...)
	}
	r.each("branches", func(n datamodel.Node) {
		br := reader{node: n}
		b := object.Branch{
			Name:            br.string("name"),
			PointsToVersion: br.int("points_to_version"),
			PointsToBranch:  br.string("points_to_branch"),
		}
		if br.err != nil {
			r.err = br.err
			return
		}
		h.Branches = append(h.Branches, b)
	})
	if r.err != nil {
		return core.History{}, fmt.Errorf("invalid history node %s: %w", root, r.err)
	}
	return h, nil
}

// reader extracts map fields keeping the first error.
type reader struct {
	node datamodel.Node
	err  error
}

func (r *reader) field(key string) datamodel.Node {
	if r.err != nil {
		return nil
	}
	n, err := r.node.LookupByString(key)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", key, err)
		return nil
	}
	return n
}

func (r *reader) string(key string) string {
	n := r.field(key)
	if n == nil {
		return ""
	}
	s, err := n.AsString()
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", key, err)
	}
	return s
}

func (r *reader) int(key string) int {
	n := r.field(key)
	if n == nil {
		return 0
	}
	v, err := n.AsInt()
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", key, err)
	}
	return int(v)
}

func (r *reader) bytes(key string) []byte {
	n := r.field(key)
	if n == nil {
		return nil
	}
	b, err := n.AsBytes()
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", key, err)
	}
	return b
}

func (r *reader) time(key string) time.Time {
	s := r.string(key)
	if r.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		r.err = fmt.Errorf("field %s: %w", key, err)
	}
	return t
}

func (r *reader) each(key string, fn func(datamodel.Node)) {
	n := r.field(key)
	if n == nil {
		return
	}
	if n.Kind() != datamodel.Kind_List {
		r.err = fmt.Errorf("field %s: expected a list, got %s", key, n.Kind())
		return
	}
	it := n.ListIterator()
	for !it.Done() && r.err == nil {
		_, item, err := it.Next()
		if err != nil {
			r.err = fmt.Errorf("field %s: %w", key, err)
			return
		}
		fn(item)
	}
}

func (r *reader) links(key string) []datamodel.Link {
	var out []datamodel.Link
	r.each(key, func(n datamodel.Node) {
		lnk, err := n.AsLink()
		if err != nil {
			r.err = fmt.Errorf("field %s: %w", key, err)
			return
		}
		out = append(out, lnk)
	})
	return out
}
