package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
)

// MaxChanges is the largest number of change events returned by one request.
const MaxChanges = 1024

// Server exposes a storage.Database over HTTP so it can be used as a remote.
type Server struct {
	db     storage.Database
	logger *slog.Logger
	router *mux.Router
}

// NewServer returns a Server for db. The logger is optional.
func NewServer(db storage.Database, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{db: db, logger: logger}

	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/collections", s.listCollections).Methods(http.MethodGet)
	r.HandleFunc("/collections/{name}", s.hasCollection).Methods(http.MethodGet)
	r.HandleFunc("/collections/{name}", s.dropCollection).Methods(http.MethodDelete)
	r.HandleFunc("/collections/{name}/documents", s.insert).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/documents/{id}", s.findOne).Methods(http.MethodGet)
	r.HandleFunc("/collections/{name}/documents/{id}", s.replaceOne).Methods(http.MethodPut)
	r.HandleFunc("/collections/{name}/find", s.find).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/update", s.updateMany).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/delete", s.deleteMany).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/count", s.count).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/distinct", s.distinct).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/copy", s.copyTo).Methods(http.MethodPost)
	r.HandleFunc("/collections/{name}/changes", s.changes).Methods(http.MethodGet)
	r.HandleFunc("/collections/{name}/seq", s.lastSeq).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves requests on addr until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("serving database", "addr", addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func vars(r *http.Request, key string) (string, error) {
	return url.PathUnescape(mux.Vars(r)[key])
}

func (s *Server) collection(w http.ResponseWriter, r *http.Request) (storage.Collection, bool) {
	name, err := vars(r, "name")
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid collection name: %v", err), http.StatusBadRequest)
		return nil, false
	}
	return s.db.Collection(name), true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("failed to parse body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, v any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status, code := statusOf(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		}
		w.WriteHeader(status)
		v = errorResponse{Error: err.Error(), Code: code}
	}
	out, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(out)
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	names, err := s.db.ListCollections(r.Context())
	s.reply(w, r, collectionsResponse{Collections: names}, err)
}

func (s *Server) hasCollection(w http.ResponseWriter, r *http.Request) {
	name, err := vars(r, "name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := s.db.HasCollection(r.Context(), name)
	s.reply(w, r, existsResponse{Exists: ok}, err)
}

func (s *Server) dropCollection(w http.ResponseWriter, r *http.Request) {
	name, err := vars(r, "name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.db.DropCollection(r.Context(), name)
	s.reply(w, r, struct{}{}, err)
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req insertRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := col.InsertMany(r.Context(), req.Documents)
	s.reply(w, r, idsResponse{IDs: ids}, err)
}

func (s *Server) findOne(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	id, err := vars(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := col.FindOne(r.Context(), id)
	s.reply(w, r, doc, err)
}

func (s *Server) replaceOne(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	id, err := vars(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	upsert, _ := strconv.ParseBool(r.URL.Query().Get("upsert"))
	var doc object.Document
	if !decode(w, r, &doc) {
		return
	}
	res, err := col.ReplaceOne(r.Context(), id, doc, upsert)
	s.reply(w, r, res, err)
}

func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if !decode(w, r, &req) {
		return
	}
	docs, err := col.Find(r.Context(), req.Filter.decode())
	s.reply(w, r, documentsResponse{Documents: docs}, err)
}

func (s *Server) updateMany(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := col.UpdateMany(r.Context(), req.Filter.decode(), req.Set)
	s.reply(w, r, countResponse{Count: n}, err)
}

func (s *Server) deleteMany(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := col.DeleteMany(r.Context(), req.Filter.decode())
	s.reply(w, r, countResponse{Count: n}, err)
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := col.Count(r.Context(), req.Filter.decode())
	s.reply(w, r, countResponse{Count: n}, err)
}

func (s *Server) distinct(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req distinctRequest
	if !decode(w, r, &req) {
		return
	}
	values, err := col.Distinct(r.Context(), req.Field, req.Filter.decode())
	s.reply(w, r, valuesResponse{Values: values}, err)
}

func (s *Server) copyTo(w http.ResponseWriter, r *http.Request) {
	col, ok := s.collection(w, r)
	if !ok {
		return
	}
	var req copyRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := col.CopyTo(r.Context(), req.Filter.decode(), req.Destination)
	s.reply(w, r, countResponse{Count: n}, err)
}

// changes returns the events available after the given sequence number without waiting.
func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	name, err := vars(r, "name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	after, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid sequence number: %v", err), http.StatusBadRequest)
		return
	}
	stream, err := s.db.Watch(r.Context(), name, after)
	if err != nil {
		s.reply(w, r, nil, err)
		return
	}
	defer stream.Close()

	events := []storage.ChangeEvent{}
	for len(events) < MaxChanges {
		ev, ok, err := stream.TryNext(r.Context())
		if err != nil {
			s.reply(w, r, nil, err)
			return
		}
		if !ok {
			break
		}
		events = append(events, ev)
	}
	s.reply(w, r, changesResponse{Events: events}, nil)
}

func (s *Server) lastSeq(w http.ResponseWriter, r *http.Request) {
	name, err := vars(r, "name")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	seq, err := s.db.LastSeq(r.Context(), name)
	s.reply(w, r, seqResponse{Seq: seq}, err)
}
