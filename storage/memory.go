package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
)

type memory struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	events      []ChangeEvent
	notify      chan struct{}
	closed      bool
}

type memoryCollection struct {
	docs  map[string]object.Document
	order []string
}

// NewMemory returns a Database that keeps all documents in memory.
func NewMemory() Database {
	return &memory{
		collections: make(map[string]*memoryCollection),
		notify:      make(chan struct{}),
	}
}

func (m *memory) Collection(name string) Collection {
	return &memoryHandle{db: m, name: name}
}

func (m *memory) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memory) HasCollection(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.collections[name]
	return ok, nil
}

func (m *memory) DropCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.collections, name)
	return nil
}

func (m *memory) Watch(ctx context.Context, collection string, after uint64) (ChangeStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	return &memoryStream{db: m, collection: collection, after: after}, nil
}

func (m *memory) LastSeq(ctx context.Context, collection string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Collection == collection {
			return m.events[i].Seq, nil
		}
	}
	return 0, nil
}

func (m *memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}

// collection returns the named collection, creating it when create is set.
// Callers must hold the write lock when create is set.
func (m *memory) collection(name string, create bool) *memoryCollection {
	col, ok := m.collections[name]
	if !ok && create {
		col = &memoryCollection{docs: make(map[string]object.Document)}
		m.collections[name] = col
	}
	return col
}

// record appends a change event and wakes all waiting streams.
// Callers must hold the write lock.
func (m *memory) record(collection, id, op string) {
	if IsInternal(collection) {
		return
	}
	m.events = append(m.events, ChangeEvent{
		Seq:        uint64(len(m.events) + 1),
		Collection: collection,
		DocumentID: id,
		Op:         op,
		Time:       time.Now().UTC(),
	})
	if !m.closed {
		close(m.notify)
		m.notify = make(chan struct{})
	}
}

func (c *memoryCollection) put(id string, doc object.Document) {
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc
}

func (c *memoryCollection) remove(id string) {
	delete(c.docs, id)
	c.order = slices.DeleteFunc(c.order, func(v string) bool { return v == id })
}

func (c *memoryCollection) find(filter Filter) []object.Document {
	var out []object.Document
	if c == nil || filter.None() {
		return out
	}
	for _, id := range c.order {
		doc := c.docs[id]
		if filter.Match(doc) {
			out = append(out, doc)
		}
	}
	return out
}

type memoryHandle struct {
	db   *memory
	name string
}

func (h *memoryHandle) Name() string {
	return h.name
}

func (h *memoryHandle) InsertOne(ctx context.Context, doc object.Document) (string, error) {
	ids, err := h.InsertMany(ctx, []object.Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (h *memoryHandle) InsertMany(ctx context.Context, docs []object.Document) ([]string, error) {
	prepared, err := prepareDocuments(docs)
	if err != nil {
		return nil, err
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()

	col := h.db.collection(h.name, true)
	seen := make(map[string]struct{}, len(prepared))
	for _, doc := range prepared {
		id := doc.ID()
		_, dup := seen[id]
		_, exists := col.docs[id]
		if dup || exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
	}
	ids := make([]string, len(prepared))
	for i, doc := range prepared {
		ids[i] = doc.ID()
		col.put(ids[i], doc)
		h.db.record(h.name, ids[i], OpInsert)
	}
	return ids, nil
}

func (h *memoryHandle) FindOne(ctx context.Context, id string) (object.Document, error) {
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()

	col := h.db.collection(h.name, false)
	if col == nil {
		return nil, ErrNotFound
	}
	doc, ok := col.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return codec.Clone(doc), nil
}

func (h *memoryHandle) Find(ctx context.Context, filter Filter) ([]object.Document, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()

	docs := h.db.collection(h.name, false).find(filter)
	out := make([]object.Document, len(docs))
	for i, doc := range docs {
		out[i] = codec.Clone(doc)
	}
	return out, nil
}

func (h *memoryHandle) ReplaceOne(ctx context.Context, id string, doc object.Document, upsert bool) (UpdateResult, error) {
	doc, err := prepareReplacement(id, doc)
	if err != nil {
		return UpdateResult{}, err
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()

	col := h.db.collection(h.name, upsert)
	if col == nil {
		return UpdateResult{}, nil
	}
	existing, ok := col.docs[id]
	switch {
	case ok && codec.Equal(existing, doc):
		return UpdateResult{Matched: 1}, nil
	case ok:
		col.put(id, doc)
		h.db.record(h.name, id, OpUpdate)
		return UpdateResult{Matched: 1, Modified: 1}, nil
	case upsert:
		col.put(id, doc)
		h.db.record(h.name, id, OpInsert)
		return UpdateResult{UpsertedID: id}, nil
	default:
		return UpdateResult{}, nil
	}
}

func (h *memoryHandle) UpdateMany(ctx context.Context, filter Filter, set object.Document) (int, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return 0, err
	}
	set, err = codec.Normalize(set)
	if err != nil {
		return 0, err
	}
	delete(set, object.IDField)

	h.db.mu.Lock()
	defer h.db.mu.Unlock()

	modified := 0
	for _, doc := range h.db.collection(h.name, false).find(filter) {
		changed := false
		for k, v := range set {
			if !codec.Equal(object.Document{k: doc[k]}, object.Document{k: v}) {
				doc[k] = v
				changed = true
			}
		}
		if changed {
			modified++
			h.db.record(h.name, doc.ID(), OpUpdate)
		}
	}
	return modified, nil
}

func (h *memoryHandle) DeleteMany(ctx context.Context, filter Filter) (int, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return 0, err
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()

	col := h.db.collection(h.name, false)
	docs := col.find(filter)
	for _, doc := range docs {
		col.remove(doc.ID())
		h.db.record(h.name, doc.ID(), OpDelete)
	}
	return len(docs), nil
}

func (h *memoryHandle) Count(ctx context.Context, filter Filter) (int, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return 0, err
	}
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()

	return len(h.db.collection(h.name, false).find(filter)), nil
}

func (h *memoryHandle) Distinct(ctx context.Context, field string, filter Filter) ([]any, error) {
	docs, err := h.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return distinct(field, docs), nil
}

func (h *memoryHandle) CopyTo(ctx context.Context, filter Filter, destination string) (int, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return 0, err
	}
	h.db.mu.Lock()
	defer h.db.mu.Unlock()

	docs := h.db.collection(h.name, false).find(filter)
	copies := make([]object.Document, len(docs))
	for i, doc := range docs {
		copies[i] = codec.Clone(doc)
	}
	dest := h.db.collection(destination, true)
	for _, id := range slices.Clone(dest.order) {
		dest.remove(id)
		h.db.record(destination, id, OpDelete)
	}
	for _, doc := range copies {
		dest.put(doc.ID(), doc)
		h.db.record(destination, doc.ID(), OpInsert)
	}
	return len(copies), nil
}

type memoryStream struct {
	db         *memory
	collection string
	after      uint64
	closed     bool
}

func (s *memoryStream) Next(ctx context.Context) (ChangeEvent, error) {
	for {
		ev, ok, notify, err := s.poll()
		if err != nil || ok {
			return ev, err
		}
		select {
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		case <-notify:
		}
	}
}

func (s *memoryStream) TryNext(ctx context.Context) (ChangeEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return ChangeEvent{}, false, err
	}
	ev, ok, _, err := s.poll()
	return ev, ok, err
}

// poll returns the next event or the channel that is closed when new events arrive.
// Sequence numbers are positions in the event log so the scan starts right after the cursor.
func (s *memoryStream) poll() (ChangeEvent, bool, <-chan struct{}, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	if s.closed || s.db.closed {
		return ChangeEvent{}, false, nil, ErrClosed
	}
	for i := int(s.after); i < len(s.db.events); i++ {
		ev := s.db.events[i]
		if ev.Collection == s.collection {
			s.after = ev.Seq
			return ev, true, nil, nil
		}
	}
	s.after = uint64(len(s.db.events))
	return ChangeEvent{}, false, s.db.notify, nil
}

func (s *memoryStream) Close() error {
	s.closed = true
	return nil
}

func prepareDocuments(docs []object.Document) ([]object.Document, error) {
	out := make([]object.Document, len(docs))
	for i, doc := range docs {
		norm, err := codec.Normalize(doc)
		if err != nil {
			return nil, err
		}
		if norm.ID() == "" {
			if _, ok := norm[object.IDField]; ok {
				return nil, fmt.Errorf("document id must be a non empty string")
			}
			norm[object.IDField] = uuid.NewString()
		}
		out[i] = norm
	}
	return out, nil
}

func prepareReplacement(id string, doc object.Document) (object.Document, error) {
	norm, err := codec.Normalize(doc)
	if err != nil {
		return nil, err
	}
	if other := norm.ID(); other != "" && other != id {
		return nil, fmt.Errorf("document id %s does not match %s", other, id)
	}
	norm[object.IDField] = id
	return norm, nil
}

func distinct(field string, docs []object.Document) []any {
	var values []any
	for _, doc := range docs {
		v, ok := doc[field]
		if !ok {
			continue
		}
		if !slices.ContainsFunc(values, func(o any) bool {
			return codec.Equal(object.Document{"v": o}, object.Document{"v": v})
		}) {
			values = append(values, v)
		}
	}
	return values
}
