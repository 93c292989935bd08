package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// DefaultPollInterval is the delay between two change requests of an idle change stream.
const DefaultPollInterval = 50 * time.Millisecond

// Client is a storage.Database served by a remote Server.
type Client struct {
	base   string
	client *http.Client
	poll   time.Duration

	mu     sync.Mutex
	closed bool
}

// Dial returns a Client for the server at rawURL and checks that it answers.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	c := &Client{
		base:   strings.TrimSuffix(u.String(), "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		poll:   DefaultPollInterval,
	}
	if _, err := c.ListCollections(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach remote %s: %w", rawURL, err)
	}
	return c, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.isClosed() {
		return storage.ErrClosed
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		var resp errorResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.Error == "" {
			return fmt.Errorf("remote returned %s: %s", res.Status, strings.TrimSpace(string(data)))
		}
		return errorOf(resp)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func collectionPath(name string, parts ...string) string {
	path := "/collections/" + url.PathEscape(name)
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

func (c *Client) Collection(name string) storage.Collection {
	return &remoteCollection{client: c, name: name}
}

func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	var resp collectionsResponse
	if err := c.do(ctx, http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

func (c *Client) HasCollection(ctx context.Context, name string) (bool, error) {
	var resp existsResponse
	err := c.do(ctx, http.MethodGet, collectionPath(name), nil, &resp)
	return resp.Exists, err
}

func (c *Client) DropCollection(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, collectionPath(name), nil, nil)
}

func (c *Client) changes(ctx context.Context, name string, after uint64) ([]storage.ChangeEvent, error) {
	var resp changesResponse
	path := collectionPath(name, "changes") + "?after=" + strconv.FormatUint(after, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Watch returns a change stream polling the remote for new events.
func (c *Client) Watch(ctx context.Context, collection string, after uint64) (storage.ChangeStream, error) {
	if c.isClosed() {
		return nil, storage.ErrClosed
	}
	return &remoteStream{client: c, collection: collection, after: after, done: make(chan struct{})}, nil
}

func (c *Client) LastSeq(ctx context.Context, collection string) (uint64, error) {
	var resp seqResponse
	err := c.do(ctx, http.MethodGet, collectionPath(collection, "seq"), nil, &resp)
	return resp.Seq, err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.client.CloseIdleConnections()
	return nil
}

type remoteCollection struct {
	client *Client
	name   string
}

func (r *remoteCollection) Name() string {
	return r.name
}

func (r *remoteCollection) InsertOne(ctx context.Context, doc object.Document) (string, error) {
	ids, err := r.InsertMany(ctx, []object.Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (r *remoteCollection) InsertMany(ctx context.Context, docs []object.Document) ([]string, error) {
	var resp idsResponse
	err := r.client.do(ctx, http.MethodPost, collectionPath(r.name, "documents"), insertRequest{Documents: docs}, &resp)
	return resp.IDs, err
}

func (r *remoteCollection) FindOne(ctx context.Context, id string) (object.Document, error) {
	var doc object.Document
	if err := r.client.do(ctx, http.MethodGet, collectionPath(r.name, "documents", url.PathEscape(id)), nil, &doc); err != nil {
		return nil, err
	}
	return codec.Normalize(doc)
}

func (r *remoteCollection) Find(ctx context.Context, filter storage.Filter) ([]object.Document, error) {
	var resp documentsResponse
	err := r.client.do(ctx, http.MethodPost, collectionPath(r.name, "find"), filterRequest{Filter: encodeFilter(filter)}, &resp)
	return resp.Documents, err
}

func (r *remoteCollection) ReplaceOne(ctx context.Context, id string, doc object.Document, upsert bool) (storage.UpdateResult, error) {
	var resp storage.UpdateResult
	path := collectionPath(r.name, "documents", url.PathEscape(id)) + "?upsert=" + strconv.FormatBool(upsert)
	err := r.client.do(ctx, http.MethodPut, path, doc, &resp)
	return resp, err
}

func (r *remoteCollection) UpdateMany(ctx context.Context, filter storage.Filter, set object.Document) (int, error) {
	var resp countResponse
	err := r.client.do(ctx, http.MethodPost, collectionPath(r.name, "update"), updateRequest{Filter: encodeFilter(filter), Set: set}, &resp)
	return resp.Count, err
}

func (r *remoteCollection) DeleteMany(ctx context.Context, filter storage.Filter) (int, error) {
	var resp countResponse
	err := r.client.do(ctx, http.MethodPost, collectionPath(r.name, "delete"), filterRequest{Filter: encodeFilter(filter)}, &resp)
	return resp.Count, err
}

func (r *remoteCollection) Count(ctx context.Context, filter storage.Filter) (int, error) {
	var resp countResponse
	err := r.client.do(ctx, http.MethodPost, collectionPath(r.name, "count"), filterRequest{Filter: encodeFilter(filter)}, &resp)
	return resp.Count, err
}

func (r *remoteCollection) Distinct(ctx context.Context, field string, filter storage.Filter) ([]any, error) {
	var resp valuesResponse
	err := r.client.do(ctx, http.MethodPost, collectionPath(r.name, "distinct"), distinctRequest{Field: field, Filter: encodeFilter(filter)}, &resp)
	return resp.Values, err
}

func (r *remoteCollection) CopyTo(ctx context.Context, filter storage.Filter, destination string) (int, error) {
	var resp countResponse
	err := r.client.do(ctx, http.MethodPost, collectionPath(r.name, "copy"), copyRequest{Filter: encodeFilter(filter), Destination: destination}, &resp)
	return resp.Count, err
}

// remoteStream buffers the events fetched from the remote.
type remoteStream struct {
	client     *Client
	collection string

	mu      sync.Mutex
	after   uint64
	pending []storage.ChangeEvent
	done    chan struct{}
	closed  bool
}

func (s *remoteStream) fetch(ctx context.Context) error {
	events, err := s.client.changes(ctx, s.collection, s.after)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, events...)
	if n := len(events); n > 0 {
		s.after = events[n-1].Seq
	}
	return nil
}

func (s *remoteStream) TryNext(ctx context.Context) (storage.ChangeEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ChangeEvent{}, false, storage.ErrClosed
	}
	if len(s.pending) == 0 {
		if err := s.fetch(ctx); err != nil {
			return storage.ChangeEvent{}, false, err
		}
	}
	if len(s.pending) == 0 {
		return storage.ChangeEvent{}, false, nil
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true, nil
}

func (s *remoteStream) Next(ctx context.Context) (storage.ChangeEvent, error) {
	for {
		ev, ok, err := s.TryNext(ctx)
		if err != nil || ok {
			return ev, err
		}
		select {
		case <-ctx.Done():
			return storage.ChangeEvent{}, ctx.Err()
		case <-s.done:
			return storage.ChangeEvent{}, storage.ErrClosed
		case <-time.After(s.client.poll):
		}
	}
}

func (s *remoteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}
