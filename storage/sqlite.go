package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	_ "modernc.org/sqlite"
)

// DefaultPollInterval is how often a SQLite change stream checks for new events.
const DefaultPollInterval = 20 * time.Millisecond

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS changes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	document_id TEXT NOT NULL,
	op TEXT NOT NULL,
	ts TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_collection ON changes(collection, seq);
`

type sqliteDB struct {
	db   *sql.DB
	poll time.Duration

	mu     sync.Mutex
	closed bool
}

// OpenSQLite returns a Database persisted in the SQLite file at the given path.
func OpenSQLite(path string) (Database, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers inside this process
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &sqliteDB{db: db, poll: DefaultPollInterval}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteDB) Collection(name string) Collection {
	return &sqliteCollection{db: s, name: name}
}

func (s *sqliteDB) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteDB) HasCollection(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteDB) DropCollection(ctx context.Context, name string) error {
	return s.update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE collection = ?", name); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name)
		return err
	})
}

func (s *sqliteDB) Watch(ctx context.Context, collection string, after uint64) (ChangeStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return &sqliteStream{db: s, collection: collection, after: after}, nil
}

func (s *sqliteDB) LastSeq(ctx context.Context, collection string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM changes WHERE collection = ?", collection).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *sqliteDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqliteDB) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// update runs fn inside a write transaction.
func (s *sqliteDB) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteCollection struct {
	db   *sqliteDB
	name string
}

func (c *sqliteCollection) Name() string {
	return c.name
}

func (c *sqliteCollection) InsertOne(ctx context.Context, doc object.Document) (string, error) {
	ids, err := c.InsertMany(ctx, []object.Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (c *sqliteCollection) InsertMany(ctx context.Context, docs []object.Document) ([]string, error) {
	prepared, err := prepareDocuments(docs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(prepared))
	err = c.db.update(ctx, func(tx *sql.Tx) error {
		if err := c.ensure(ctx, tx, c.name); err != nil {
			return err
		}
		for i, doc := range prepared {
			ids[i] = doc.ID()
			exists, err := c.exists(ctx, tx, ids[i])
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrDuplicateID, ids[i])
			}
			if err := c.write(ctx, tx, c.name, doc, OpInsert); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *sqliteCollection) FindOne(ctx context.Context, id string) (object.Document, error) {
	var body string
	err := c.db.db.QueryRowContext(ctx, "SELECT body FROM documents WHERE collection = ? AND id = ?", c.name, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return codec.Decode([]byte(body))
}

func (c *sqliteCollection) Find(ctx context.Context, filter Filter) ([]object.Document, error) {
	return c.find(ctx, c.db.db, filter)
}

func (c *sqliteCollection) ReplaceOne(ctx context.Context, id string, doc object.Document, upsert bool) (UpdateResult, error) {
	doc, err := prepareReplacement(id, doc)
	if err != nil {
		return UpdateResult{}, err
	}
	var result UpdateResult
	err = c.db.update(ctx, func(tx *sql.Tx) error {
		existing, err := c.find(ctx, tx, ByID(id))
		if err != nil {
			return err
		}
		switch {
		case len(existing) > 0 && codec.Equal(existing[0], doc):
			result = UpdateResult{Matched: 1}
			return nil
		case len(existing) > 0:
			result = UpdateResult{Matched: 1, Modified: 1}
			return c.write(ctx, tx, c.name, doc, OpUpdate)
		case upsert:
			result = UpdateResult{UpsertedID: id}
			if err := c.ensure(ctx, tx, c.name); err != nil {
				return err
			}
			return c.write(ctx, tx, c.name, doc, OpInsert)
		default:
			return nil
		}
	})
	return result, err
}

func (c *sqliteCollection) UpdateMany(ctx context.Context, filter Filter, set object.Document) (int, error) {
	set, err := codec.Normalize(set)
	if err != nil {
		return 0, err
	}
	delete(set, object.IDField)

	modified := 0
	err = c.db.update(ctx, func(tx *sql.Tx) error {
		docs, err := c.find(ctx, tx, filter)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			changed := false
			for k, v := range set {
				if !codec.Equal(object.Document{k: doc[k]}, object.Document{k: v}) {
					doc[k] = v
					changed = true
				}
			}
			if !changed {
				continue
			}
			if err := c.write(ctx, tx, c.name, doc, OpUpdate); err != nil {
				return err
			}
			modified++
		}
		return nil
	})
	return modified, err
}

func (c *sqliteCollection) DeleteMany(ctx context.Context, filter Filter) (int, error) {
	deleted := 0
	err := c.db.update(ctx, func(tx *sql.Tx) error {
		docs, err := c.find(ctx, tx, filter)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := c.remove(ctx, tx, c.name, doc.ID()); err != nil {
				return err
			}
		}
		deleted = len(docs)
		return nil
	})
	return deleted, err
}

func (c *sqliteCollection) Count(ctx context.Context, filter Filter) (int, error) {
	if filter.IDs == nil && len(filter.Fields) == 0 {
		var count int
		err := c.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE collection = ?", c.name).Scan(&count)
		return count, err
	}
	docs, err := c.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (c *sqliteCollection) Distinct(ctx context.Context, field string, filter Filter) ([]any, error) {
	docs, err := c.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	return distinct(field, docs), nil
}

func (c *sqliteCollection) CopyTo(ctx context.Context, filter Filter, destination string) (int, error) {
	copied := 0
	err := c.db.update(ctx, func(tx *sql.Tx) error {
		docs, err := c.find(ctx, tx, filter)
		if err != nil {
			return err
		}
		dest := &sqliteCollection{db: c.db, name: destination}
		existing, err := dest.find(ctx, tx, Filter{})
		if err != nil {
			return err
		}
		for _, doc := range existing {
			if err := c.remove(ctx, tx, destination, doc.ID()); err != nil {
				return err
			}
		}
		if err := c.ensure(ctx, tx, destination); err != nil {
			return err
		}
		for _, doc := range docs {
			if err := c.write(ctx, tx, destination, doc, OpInsert); err != nil {
				return err
			}
		}
		copied = len(docs)
		return nil
	})
	return copied, err
}

func (c *sqliteCollection) find(ctx context.Context, q querier, filter Filter) ([]object.Document, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	if filter.None() {
		return nil, nil
	}
	query := "SELECT body FROM documents WHERE collection = ?"
	args := []any{c.name}
	if filter.IDs != nil {
		query += " AND id IN (" + strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ",") + ")"
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	rows, err := q.QueryContext(ctx, query+" ORDER BY rowid", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []object.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := codec.Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		if filter.Match(doc) {
			docs = append(docs, doc)
		}
	}
	return docs, rows.Err()
}

func (c *sqliteCollection) exists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE collection = ? AND id = ?", c.name, id).Scan(&count)
	return count > 0, err
}

func (c *sqliteCollection) ensure(ctx context.Context, q querier, name string) error {
	_, err := q.ExecContext(ctx, "INSERT OR IGNORE INTO collections (name) VALUES (?)", name)
	return err
}

func (c *sqliteCollection) write(ctx context.Context, q querier, collection string, doc object.Document, op string) error {
	body, err := codec.Encode(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body`,
		collection, doc.ID(), string(body))
	if err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return c.record(ctx, q, collection, doc.ID(), op)
}

func (c *sqliteCollection) remove(ctx context.Context, q querier, collection, id string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return c.record(ctx, q, collection, id, OpDelete)
}

func (c *sqliteCollection) record(ctx context.Context, q querier, collection, id, op string) error {
	if IsInternal(collection) {
		return nil
	}
	_, err := q.ExecContext(ctx,
		"INSERT INTO changes (collection, document_id, op, ts) VALUES (?, ?, ?, ?)",
		collection, id, op, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}
	return nil
}

type sqliteStream struct {
	db         *sqliteDB
	collection string
	after      uint64
	buffer     []ChangeEvent
	closed     bool
}

func (s *sqliteStream) Next(ctx context.Context) (ChangeEvent, error) {
	ticker := time.NewTicker(s.db.poll)
	defer ticker.Stop()

	for {
		ev, ok, err := s.TryNext(ctx)
		if err != nil || ok {
			return ev, err
		}
		select {
		case <-ctx.Done():
			return ChangeEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *sqliteStream) TryNext(ctx context.Context) (ChangeEvent, bool, error) {
	if s.closed || s.db.isClosed() {
		return ChangeEvent{}, false, ErrClosed
	}
	if len(s.buffer) == 0 {
		if err := s.fill(ctx); err != nil {
			return ChangeEvent{}, false, err
		}
	}
	if len(s.buffer) == 0 {
		return ChangeEvent{}, false, nil
	}
	ev := s.buffer[0]
	s.buffer = s.buffer[1:]
	return ev, true, nil
}

func (s *sqliteStream) fill(ctx context.Context) error {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT seq, collection, document_id, op, ts FROM changes
		WHERE collection = ? AND seq > ? ORDER BY seq LIMIT 256`,
		s.collection, s.after)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ev ChangeEvent
		if err := rows.Scan(&ev.Seq, &ev.Collection, &ev.DocumentID, &ev.Op, &ev.Time); err != nil {
			return err
		}
		s.buffer = append(s.buffer, ev)
		s.after = ev.Seq
	}
	return rows.Err()
}

func (s *sqliteStream) Close() error {
	s.closed = true
	return nil
}
