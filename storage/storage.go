package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nasdf/vercol/object"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateID is returned when inserting a document with an existing id.
	ErrDuplicateID = errors.New("duplicate document id")
	// ErrClosed is returned when using a closed database or change stream.
	ErrClosed = errors.New("storage closed")
)

// Change operations reported by a change stream.
const (
	OpInsert = "i"
	OpUpdate = "u"
	OpDelete = "d"
)

// InternalPrefix marks collections that never produce change events.
const InternalPrefix = "__"

// IsInternal returns true if the named collection is used for bookkeeping.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}

// Filter selects documents. A nil IDs matches every id, an empty IDs matches none.
// Fields are compared for equality against top level document fields.
type Filter struct {
	IDs    []string       `json:"ids,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ByID returns a filter matching the given ids.
func ByID(ids ...string) Filter {
	if ids == nil {
		ids = []string{}
	}
	return Filter{IDs: ids}
}

// ByField returns a filter matching documents with the given field value.
func ByField(field string, value any) Filter {
	return Filter{Fields: map[string]any{field: value}}
}

// UpdateResult reports the outcome of a replace.
type UpdateResult struct {
	Matched    int    `json:"matched"`
	Modified   int    `json:"modified"`
	UpsertedID string `json:"upserted_id,omitempty"`
}

// ChangeEvent is a single mutation recorded by the change feed.
type ChangeEvent struct {
	Seq        uint64    `json:"seq"`
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id"`
	Op         string    `json:"op"`
	Time       time.Time `json:"time"`
}

// ChangeStream yields change events of one collection in commit order.
type ChangeStream interface {
	// Next blocks until the next event is available.
	Next(ctx context.Context) (ChangeEvent, error)
	// TryNext returns the next event if one is available without blocking.
	TryNext(ctx context.Context) (ChangeEvent, bool, error)
	Close() error
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	InsertOne(ctx context.Context, doc object.Document) (string, error)
	InsertMany(ctx context.Context, docs []object.Document) ([]string, error)
	FindOne(ctx context.Context, id string) (object.Document, error)
	Find(ctx context.Context, filter Filter) ([]object.Document, error)
	// ReplaceOne replaces the document with the given id, inserting it when upsert is set.
	ReplaceOne(ctx context.Context, id string, doc object.Document, upsert bool) (UpdateResult, error)
	// UpdateMany sets the given top level fields on every matching document and returns the number of modified documents.
	UpdateMany(ctx context.Context, filter Filter, set object.Document) (int, error)
	DeleteMany(ctx context.Context, filter Filter) (int, error)
	Count(ctx context.Context, filter Filter) (int, error)
	// Distinct returns the unique values of a top level field over the matching documents.
	Distinct(ctx context.Context, field string, filter Filter) ([]any, error)
	// CopyTo replaces the contents of the destination collection with the matching documents.
	CopyTo(ctx context.Context, filter Filter, destination string) (int, error)
}

// Database is a set of collections with a change feed.
type Database interface {
	Collection(name string) Collection
	ListCollections(ctx context.Context) ([]string, error)
	HasCollection(ctx context.Context, name string) (bool, error)
	DropCollection(ctx context.Context, name string) error
	// Watch returns a stream of the changes made to the collection after the given sequence number.
	Watch(ctx context.Context, collection string, after uint64) (ChangeStream, error)
	// LastSeq returns the sequence number of the latest change made to the collection.
	LastSeq(ctx context.Context, collection string) (uint64, error)
	Close() error
}
