package http

import (
	"errors"
	"net/http"

	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// filter is the wire form of storage.Filter.
// All is set when every id matches, so an empty id set keeps matching nothing.
type filter struct {
	All    bool           `json:"all"`
	IDs    []string       `json:"ids,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func encodeFilter(f storage.Filter) filter {
	return filter{All: f.IDs == nil, IDs: f.IDs, Fields: f.Fields}
}

func (f filter) decode() storage.Filter {
	out := storage.Filter{Fields: f.Fields}
	if !f.All {
		out.IDs = f.IDs
		if out.IDs == nil {
			out.IDs = []string{}
		}
	}
	return out
}

type insertRequest struct {
	Documents []object.Document `json:"documents"`
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

type countResponse struct {
	Count int `json:"count"`
}

type filterRequest struct {
	Filter filter `json:"filter"`
}

type updateRequest struct {
	Filter filter          `json:"filter"`
	Set    object.Document `json:"set"`
}

type distinctRequest struct {
	Field  string `json:"field"`
	Filter filter `json:"filter"`
}

type valuesResponse struct {
	Values []any `json:"values"`
}

type copyRequest struct {
	Filter      filter `json:"filter"`
	Destination string `json:"destination"`
}

type documentsResponse struct {
	Documents []object.Document `json:"documents"`
}

type collectionsResponse struct {
	Collections []string `json:"collections"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type changesResponse struct {
	Events []storage.ChangeEvent `json:"events"`
}

type seqResponse struct {
	Seq uint64 `json:"seq"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	codeNotFound    = "not_found"
	codeDuplicateID = "duplicate_id"
	codeClosed      = "closed"
)

// statusOf maps storage errors to a status code and an error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, storage.ErrDuplicateID):
		return http.StatusConflict, codeDuplicateID
	case errors.Is(err, storage.ErrClosed):
		return http.StatusServiceUnavailable, codeClosed
	default:
		return http.StatusInternalServerError, ""
	}
}

// errorOf rebuilds the storage error of a response.
func errorOf(resp errorResponse) error {
	var sentinel error
	switch resp.Code {
	case codeNotFound:
		sentinel = storage.ErrNotFound
	case codeDuplicateID:
		sentinel = storage.ErrDuplicateID
	case codeClosed:
		sentinel = storage.ErrClosed
	default:
		return errors.New(resp.Error)
	}
	return &remoteError{msg: resp.Error, sentinel: sentinel}
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string {
	return e.msg
}

func (e *remoteError) Unwrap() error {
	return e.sentinel
}
