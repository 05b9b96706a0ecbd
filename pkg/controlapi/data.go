package controlapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/polisai/polis-pipeline/pkg/storage"
)

// maxDataBytes bounds a single PUT to the data store.
const maxDataBytes = 512 << 20

// Data store scopes addressed by /data/{scope}/{key}.
const (
	DataScopePipeline = "pipeline"
	DataScopeUser     = "user"
)

var errBadRange = errors.New("unsatisfiable range")

// DataList is the body of a listing, GET /data/{scope}?prefix=.
type DataList struct {
	Scope string   `json:"scope"`
	Keys  []string `json:"keys"`
}

func (s *Server) dataRoutes(r chi.Router) {
	r.Get("/", s.handleDataList)
	r.Get("/*", s.handleDataGet)
	r.Head("/*", s.handleDataHead)
	r.Put("/*", s.handleDataPut)
	r.Delete("/*", s.handleDataDelete)
}

// store resolves the scope parameter; it writes the 404 itself.
func (s *Server) store(w http.ResponseWriter, r *http.Request) (storage.DataStore, bool) {
	switch scope := chi.URLParam(r, "scope"); scope {
	case DataScopePipeline:
		return s.engine.Data(), true
	case DataScopeUser:
		return s.engine.UserData(), true
	default:
		writeErrorResponse(w, r, http.StatusNotFound, "UNKNOWN_SCOPE", "unknown data scope "+scope)
		return nil, false
	}
}

func dataKey(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func (s *Server) handleDataList(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.store(w, r)
	if !ok {
		return
	}
	keys, err := ds.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DataList{Scope: chi.URLParam(r, "scope"), Keys: keys})
}

func (s *Server) handleDataGet(w http.ResponseWriter, r *http.Request) {
	key := dataKey(r)
	if key == "" || r.URL.Query().Has("prefix") {
		s.handleDataList(w, r)
		return
	}
	ds, ok := s.store(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	header := r.Header.Get("Range")
	if header == "" {
		value, err := ds.Get(ctx, key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeBlob(w, http.StatusOK, value)
		return
	}

	size, err := ds.Size(ctx, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, end, err := parseRange(header, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeErrorResponse(w, r, http.StatusRequestedRangeNotSatisfiable, "INVALID_RANGE", err.Error())
		return
	}
	value, err := ds.GetRange(ctx, key, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, size))
	writeBlob(w, http.StatusPartialContent, value)
}

func (s *Server) handleDataHead(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.store(w, r)
	if !ok {
		return
	}
	size, err := ds.Size(r.Context(), dataKey(r))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDataPut(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.store(w, r)
	if !ok {
		return
	}
	key := dataKey(r)
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDataBytes))
	if err != nil {
		writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	if err := ds.Put(r.Context(), key, value); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Debug("data stored", "scope", chi.URLParam(r, "scope"), "key", key, "bytes", len(value))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDataDelete(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.store(w, r)
	if !ok {
		return
	}
	if err := ds.Delete(r.Context(), dataKey(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeBlob(w http.ResponseWriter, status int, value []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(value)))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(status)
	_, _ = w.Write(value)
}

// parseRange reads a single byte range ("bytes=a-b", "bytes=a-" or
// "bytes=-n") against a value of size bytes and returns [start, end).
func parseRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, errBadRange
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, errBadRange
	}
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errBadRange
		}
		return max(size-n, 0), size, nil
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, errBadRange
	}
	end := size
	if last != "" {
		stop, err := strconv.ParseInt(last, 10, 64)
		if err != nil || stop < start {
			return 0, 0, errBadRange
		}
		end = min(stop+1, size)
	}
	return start, end, nil
}
